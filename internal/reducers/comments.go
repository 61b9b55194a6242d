package reducers

import (
	"github.com/roach88/compose/internal/engine"
	"github.com/roach88/compose/internal/ir"
)

// Comment action types.
const (
	CreateComment = "CreateComment"
	DeleteComment = "DeleteComment"
)

// NewCreateComment builds a CreateComment action. The comment id is minted
// here, by the emitter, so every replica reducing the action agrees on it.
func NewCreateComment(ids engine.IDGenerator, uid, body string) ir.Object {
	return ir.Object{
		"type":      ir.String(CreateComment),
		"uid":       ir.String(uid),
		"body":      ir.String(body),
		"commentId": ir.String(ids.Generate()),
	}
}

// NewDeleteComment builds a DeleteComment action.
func NewDeleteComment(uid, commentID string) ir.Object {
	return ir.Object{
		"type":      ir.String(DeleteComment),
		"uid":       ir.String(uid),
		"commentId": ir.String(commentID),
	}
}

// Comments reduces a list of {uid, commentId, body}.
//
// CreateComment appends and resolves {"commentId": id}. An action without a
// commentId gets one derived from its content. DeleteComment removes the
// comment only when the acting uid wrote it. Both require a uid.
func Comments(state, action ir.Value, resolve func(ir.Value)) ir.Value {
	comments := asArray(state)
	act := asObject(action)

	uid := str(act, "uid")
	if uid == "" {
		resolve(ir.Unauthorized(unauthorizedAction))
		return comments
	}

	switch str(act, "type") {
	case CreateComment:
		id := str(act, "commentId")
		if id == "" {
			id = derivedID(act)
		}
		if findComment(comments, id) != nil {
			resolve(ir.Errors(map[string]string{"commentId": "already exists"}))
			return comments
		}
		resolve(ir.Object{"commentId": ir.String(id)})
		return comments.Append(ir.Object{
			"uid":       ir.String(uid),
			"commentId": ir.String(id),
			"body":      act.Get("body"),
		})

	case DeleteComment:
		id := str(act, "commentId")
		c := findComment(comments, id)
		if c == nil || str(c, "uid") != uid {
			resolve(ir.Unauthorized(unauthorizedAction))
			return comments
		}
		resolve(ok())
		return comments.Filter(func(v ir.Value) bool {
			return str(asObject(v), "commentId") != id
		})

	default:
		return comments
	}
}

func findComment(comments ir.Array, id string) ir.Object {
	for _, v := range comments {
		if c := asObject(v); str(c, "commentId") == id {
			return c
		}
	}
	return nil
}

// derivedID names a comment after its content so replicas agree.
func derivedID(act ir.Object) string {
	digest, err := ir.ValueDigest(act)
	if err != nil {
		return ""
	}
	return "c-" + digest[:16]
}
