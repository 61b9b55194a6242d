package ir

// Errors builds the cooperative business-error message a reducer passes to
// resolve: {"errors": {field: reason, ...}}.
func Errors(fields map[string]string) Object {
	errs := make(Object, len(fields))
	for k, v := range fields {
		errs[k] = String(v)
	}
	return Object{"errors": errs}
}

// Unauthorized is the message reducers resolve when an action lacks a
// permitted actor.
func Unauthorized(reason string) Object {
	return Errors(map[string]string{"unauthorized": reason})
}

// MessageErrors extracts the errors object from a resolved message.
// Returns nil when the message carries no errors.
func MessageErrors(msg Value) Object {
	obj, ok := msg.(Object)
	if !ok {
		return nil
	}
	errs, ok := obj["errors"].(Object)
	if !ok || len(errs) == 0 {
		return nil
	}
	return errs
}
