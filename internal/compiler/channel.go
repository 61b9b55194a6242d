package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/compose/internal/ir"
)

// DefaultReducerVersion is used when a manifest omits reducer_version.
const DefaultReducerVersion = "1"

// SeedPrior in seed_from seeds a channel from its previous version.
const SeedPrior = "prior"

// CompileChannel parses a CUE value into a ChannelSpec.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the channel struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`channel: comments: { domain: "conduit", ... }`)
//	spec, err := CompileChannel(v.LookupPath(cue.ParsePath("channel.comments")))
func CompileChannel(v cue.Value) (*ir.ChannelSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &ir.ChannelSpec{}

	labels := v.Path().Selectors()
	if len(labels) > 0 {
		spec.ID = labels[len(labels)-1].String()
	}

	domain, err := requiredString(v, "domain")
	if err != nil {
		return nil, err
	}
	name, err := requiredString(v, "name")
	if err != nil {
		return nil, err
	}
	version, err := channelVersion(v)
	if err != nil {
		return nil, err
	}
	if strings.Contains(domain, "-") {
		return nil, &CompileError{Field: "domain", Message: "domain must not contain '-'", Pos: v.Pos()}
	}
	channel := ir.ChannelName{Domain: domain, Name: name, Version: version}
	spec.Channel = channel.String()

	spec.Reducer, err = requiredString(v, "reducer")
	if err != nil {
		return nil, err
	}

	spec.ReducerVersion = DefaultReducerVersion
	if rv := v.LookupPath(cue.ParsePath("reducer_version")); rv.Exists() {
		s, err := rv.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if s == "" {
			return nil, &CompileError{Field: "reducer_version", Message: "reducer_version must not be empty", Pos: rv.Pos()}
		}
		spec.ReducerVersion = s
	}

	spec.Initial, err = optionalValue(v, "initial")
	if err != nil {
		return nil, err
	}
	spec.Loading, err = optionalValue(v, "loading")
	if err != nil {
		return nil, err
	}

	if sf := v.LookupPath(cue.ParsePath("seed_from")); sf.Exists() {
		s, err := sf.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		seed, err := resolveSeed(channel, s)
		if err != nil {
			return nil, &CompileError{Field: "seed_from", Message: err.Error(), Pos: sf.Pos()}
		}
		spec.SeedFrom = seed
	}

	return spec, nil
}

// resolveSeed expands "prior" and checks the seed names another channel.
func resolveSeed(channel ir.ChannelName, seed string) (string, error) {
	if seed == SeedPrior {
		prior, ok := channel.Prior()
		if !ok {
			return "", fmt.Errorf("version %d has no prior version", channel.Version)
		}
		return prior.String(), nil
	}
	if _, err := ir.ParseChannelName(seed); err != nil {
		return "", err
	}
	if seed == channel.String() {
		return "", fmt.Errorf("channel cannot seed from itself")
	}
	return seed, nil
}

func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	if s == "" {
		return "", &CompileError{Field: field, Message: field + " must not be empty", Pos: fv.Pos()}
	}
	return s, nil
}

func channelVersion(v cue.Value) (int, error) {
	fv := v.LookupPath(cue.ParsePath("version"))
	if !fv.Exists() {
		return 0, &CompileError{Field: "version", Message: "version is required", Pos: v.Pos()}
	}
	n, err := fv.Int64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	if n < 0 {
		return 0, &CompileError{Field: "version", Message: "version must not be negative", Pos: fv.Pos()}
	}
	return int(n), nil
}

// optionalValue converts field to an ir.Value; a missing field is null.
func optionalValue(v cue.Value, field string) (ir.Value, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return ir.Null{}, nil
	}
	return toValue(fv, field)
}

// toValue converts a concrete CUE value. Floats are forbidden.
func toValue(v cue.Value, field string) (ir.Value, error) {
	switch v.IncompleteKind() {
	case cue.NullKind:
		return ir.Null{}, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, concreteError(v, field, err)
		}
		return ir.Bool(b), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, concreteError(v, field, err)
		}
		return ir.Int(n), nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, concreteError(v, field, err)
		}
		return ir.String(s), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		arr := ir.Array{}
		for i := 0; iter.Next(); i++ {
			elem, err := toValue(iter.Value(), fmt.Sprintf("%s[%d]", field, i))
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		obj := ir.Object{}
		for iter.Next() {
			elem, err := toValue(iter.Value(), field+"."+iter.Label())
			if err != nil {
				return nil, err
			}
			obj[iter.Label()] = elem
		}
		return obj, nil
	case cue.FloatKind, cue.NumberKind:
		return nil, &CompileError{
			Field:   field,
			Message: "float values are forbidden - use int instead",
			Pos:     v.Pos(),
		}
	default:
		return nil, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("unsupported value kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

func concreteError(v cue.Value, field string, err error) error {
	return &CompileError{
		Field:   field,
		Message: fmt.Sprintf("value must be concrete: %v", err),
		Pos:     v.Pos(),
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
