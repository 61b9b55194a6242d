package reducers

import "github.com/roach88/compose/internal/ir"

// User action types.
const (
	SignUp     = "SIGN_UP"
	UpdateUser = "UPDATE"
)

// Users reduces a list of public users {uid, username, bio, image}.
//
// SIGN_UP appends action.user unless its username is taken. UPDATE
// replaces the user whose uid matches action.uid with action.newUser and
// requires a uid. Both resolve an errors message or {}.
func Users(state, action ir.Value, resolve func(ir.Value)) ir.Value {
	users := asArray(state)
	act := asObject(action)

	switch str(act, "type") {
	case SignUp:
		user := act.Obj("user")
		username := str(user, "username")
		for _, v := range users {
			if str(asObject(v), "username") == username {
				resolve(ir.Errors(map[string]string{"username": "already in use"}))
				return users
			}
		}
		resolve(ok())
		return users.Append(user)

	case UpdateUser:
		uid := str(act, "uid")
		if uid == "" {
			resolve(ir.Unauthorized("to perform update to user"))
			return users
		}
		newUser := act.Obj("newUser")
		next := make(ir.Array, len(users))
		for i, v := range users {
			if str(asObject(v), "uid") == uid {
				next[i] = newUser
			} else {
				next[i] = v
			}
		}
		resolve(ok())
		return next

	default:
		return users
	}
}
