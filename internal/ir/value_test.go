package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Value
	}{
		{"string", `"hi"`, String("hi")},
		{"int", `42`, Int(42)},
		{"negative", `-7`, Int(-7)},
		{"bool", `true`, Bool(true)},
		{"null", `null`, Null{}},
		{"array", `[1,"a",null]`, Array{Int(1), String("a"), Null{}}},
		{"object", `{"a":{"b":[true]}}`, Object{"a": Object{"b": Array{Bool(true)}}}},
		{"whitespace", "  {}\n", Object{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeValue([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeValue_RejectsFloats(t *testing.T) {
	_, err := DecodeValue([]byte(`{"price": 1.5}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are not allowed")
}

func TestDecodeValue_Empty(t *testing.T) {
	_, err := DecodeValue(nil)
	require.Error(t, err)
}

func TestMarshalValue_SortedKeys(t *testing.T) {
	obj := Object{"zebra": Int(1), "alpha": Null{}, "mid": Array{String("x")}}

	data, err := MarshalValue(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":null,"mid":["x"],"zebra":1}`, string(data))
}

func TestMarshalValue_NilIsNull(t *testing.T) {
	data, err := MarshalValue(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}

func TestFromGo(t *testing.T) {
	var decoded any
	require.NoError(t, json.Unmarshal([]byte(`{"uid":"u1","count":3,"tags":["a"],"bio":null}`), &decoded))

	got, err := FromGo(decoded)
	require.NoError(t, err)
	assert.Equal(t, Object{
		"uid":   String("u1"),
		"count": Int(3),
		"tags":  Array{String("a")},
		"bio":   Null{},
	}, got)
}

func TestFromGo_RejectsFractionalFloat(t *testing.T) {
	_, err := FromGo(map[string]any{"x": 2.5})
	require.Error(t, err)
}

func TestToGo_RoundTrip(t *testing.T) {
	in := map[string]any{
		"a": []any{int64(1), "two", true, nil},
		"b": map[string]any{"c": int64(3)},
	}
	v := MustFromGo(in)
	assert.Equal(t, in, ToGo(v))
}

func TestObjectHelpers(t *testing.T) {
	base := Object{"a": Int(1)}

	with := base.With("b", Int(2))
	assert.Len(t, base, 1, "With must not modify the receiver")
	assert.Equal(t, Int(2), with.Get("b"))

	without := with.Without("a")
	assert.Equal(t, Object{"b": Int(2)}, without)
	assert.Len(t, with, 2)

	assert.Equal(t, Null{}, base.Get("missing"))

	s, ok := Object{"uid": String("u1")}.Str("uid")
	assert.True(t, ok)
	assert.Equal(t, "u1", s)

	_, ok = Object{"uid": Int(1)}.Str("uid")
	assert.False(t, ok)

	assert.Equal(t, Object{}, base.Obj("a"))
}

func TestArrayHelpers(t *testing.T) {
	base := make(Array, 1, 4)
	base[0] = Int(1)

	a := base.Append(Int(2))
	b := base.Append(Int(3))
	assert.Equal(t, Array{Int(1), Int(2)}, a, "Append must not share backing storage")
	assert.Equal(t, Array{Int(1), Int(3)}, b)

	odd := Array{Int(1), Int(2), Int(3)}.Filter(func(v Value) bool { return v.(Int)%2 == 1 })
	assert.Equal(t, Array{Int(1), Int(3)}, odd)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(nil, Null{}))
	assert.True(t, Equal(Object{"a": Int(1), "b": Int(2)}, Object{"b": Int(2), "a": Int(1)}))
	assert.False(t, Equal(Array{Int(1)}, Array{Int(2)}))
}

func TestIsNull(t *testing.T) {
	assert.True(t, IsNull(nil))
	assert.True(t, IsNull(Null{}))
	assert.False(t, IsNull(Array{}))
}

func TestEventJSON(t *testing.T) {
	ev := Event{Seq: 3, Channel: "c-x-1", Value: Object{"type": String("Add")}, TS: 100, ID: "req-1"}

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"seq":3,"channel":"c-x-1","value":{"type":"Add"},"ts":100,"id":"req-1"}`, string(data))

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ev, back)
}

func TestCacheRecordJSON_MissingValueIsNull(t *testing.T) {
	var rec CacheRecord
	require.NoError(t, json.Unmarshal([]byte(`{"ts":5}`), &rec))
	assert.Equal(t, Null{}, rec.Value)
	assert.Equal(t, int64(5), rec.TS)
}

func TestMessageErrors(t *testing.T) {
	msg := Unauthorized("to perform this action")
	assert.Equal(t, Object{"unauthorized": String("to perform this action")}, MessageErrors(msg))

	assert.Nil(t, MessageErrors(Object{}))
	assert.Nil(t, MessageErrors(Object{"errors": Object{}}))
	assert.Nil(t, MessageErrors(Null{}))
}
