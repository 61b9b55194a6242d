package reducers

import "github.com/roach88/compose/internal/ir"

// Follow action types.
const (
	Follow   = "FollowAction"
	Unfollow = "UnfollowAction"
)

// Followers reduces a list of {follower, leader} edges.
// The acting uid must be the follower.
func Followers(state, action ir.Value, resolve func(ir.Value)) ir.Value {
	edges := asArray(state)
	act := asObject(action)

	follower, leader := str(act, "follower"), str(act, "leader")
	if str(act, "uid") == "" || str(act, "uid") != follower {
		resolve(ir.Unauthorized(unauthorizedAction))
		return edges
	}

	rest := edges.Filter(func(v ir.Value) bool {
		e := asObject(v)
		return str(e, "follower") != follower || str(e, "leader") != leader
	})

	switch str(act, "type") {
	case Follow:
		resolve(ok())
		return rest.Append(ir.Object{"follower": ir.String(follower), "leader": ir.String(leader)})
	case Unfollow:
		resolve(ok())
		return rest
	default:
		return edges
	}
}
