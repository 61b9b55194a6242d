package ir

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChannelName(t *testing.T) {
	tests := []struct {
		input string
		want  ChannelName
	}{
		{"conduit-comments-1", ChannelName{Domain: "conduit", Name: "comments", Version: 1}},
		{"conduit-article-tags-0", ChannelName{Domain: "conduit", Name: "article-tags", Version: 0}},
		{"a-b-12", ChannelName{Domain: "a", Name: "b", Version: 12}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseChannelName(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestParseChannelName_Invalid(t *testing.T) {
	for _, input := range []string{"", "comments", "a-1", "-a-1", "a-b-", "a-b-x"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseChannelName(input)
			assert.Error(t, err)
		})
	}
}

func TestChannelName_PriorAndNext(t *testing.T) {
	c := ChannelName{Domain: "conduit", Name: "users", Version: 2}

	prior, ok := c.Prior()
	require.True(t, ok)
	assert.Equal(t, "conduit-users-1", prior.String())
	assert.Equal(t, "conduit-users-3", c.Next().String())
	assert.Equal(t, 2, c.Version, "Prior and Next must not modify the receiver")

	_, ok = ChannelName{Domain: "conduit", Name: "users"}.Prior()
	assert.False(t, ok)
}

func TestEncodeKey(t *testing.T) {
	assert.Equal(t, "a!2Fb!2Ec!24!5B0!5D!23!21", EncodeKey("a/b.c$[0]#!"))
	assert.Equal(t, "plain-name_1", EncodeKey("plain-name_1"))
}

func TestDecodeKey_RoundTrip(t *testing.T) {
	for _, s := range []string{"a/b.c", "x!y", "[#]", "nothing-special", "!!2F"} {
		assert.Equal(t, s, DecodeKey(EncodeKey(s)), s)
	}
	assert.Equal(t, "a/b", DecodeKey("a!2fb"), "lowercase hex decodes")
}

func TestNextTS(t *testing.T) {
	tests := []struct {
		name     string
		proposed int64
		last     int64
		hasLast  bool
		want     int64
	}{
		{"empty channel", 7, 0, false, 7},
		{"ahead of last", 10, 5, true, 10},
		{"equal to last", 5, 5, true, 6},
		{"behind last", 1, 5, true, 6},
		{"near the limit", 0, math.MaxInt64 - 1, true, math.MaxInt64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextTS(tt.proposed, tt.last, tt.hasLast)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := NextTS(0, math.MaxInt64, true)
	assert.ErrorIs(t, err, ErrTimestampExhausted)
}
