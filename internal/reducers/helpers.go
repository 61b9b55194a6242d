package reducers

import "github.com/roach88/compose/internal/ir"

const unauthorizedAction = "to perform this action"

func asArray(v ir.Value) ir.Array {
	if arr, ok := v.(ir.Array); ok {
		return arr
	}
	return ir.Array{}
}

func asObject(v ir.Value) ir.Object {
	if obj, ok := v.(ir.Object); ok {
		return obj
	}
	return ir.Object{}
}

func str(obj ir.Object, key string) string {
	s, _ := obj.Str(key)
	return s
}

// ok is the message for a successful action with no payload.
func ok() ir.Object {
	return ir.Object{}
}
