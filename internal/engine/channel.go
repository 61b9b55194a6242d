package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/compose/internal/ir"
)

// Reducer folds one action into a channel value.
//
// Reducers must be pure apart from calling resolve, which delivers a
// response to the action's emitter. Only the first call to resolve counts.
// Business errors are reported as resolve(ir.Errors(...)) while returning
// state unchanged.
type Reducer func(state ir.Value, action ir.Value, resolve func(ir.Value)) ir.Value

// ReducerDef names a reducer. Name and Version form the reducer identity
// recorded next to a channel's first snapshot; bump Version whenever Fn
// changes behavior.
type ReducerDef struct {
	Name    string
	Version string
	Fn      Reducer
}

// Identity returns the fingerprinted identity of the reducer.
func (d ReducerDef) Identity() (ir.ReducerIdentity, error) {
	return ir.NewReducerIdentity(d.Name, d.Version)
}

// Baseline is the caller-supplied initial value of a channel, used only
// when neither the local cache nor the snapshot store has one.
// Build it with BaselineValue or BaselineFunc.
type Baseline struct {
	value ir.Value
	load  func(ctx context.Context) (ir.Value, error)
}

// BaselineValue returns a Baseline that is known up front.
func BaselineValue(v ir.Value) Baseline {
	return Baseline{value: v}
}

// BaselineFunc returns a Baseline produced by an asynchronous loader.
// The loader runs off the machine goroutine and should honor ctx.
func BaselineFunc(load func(ctx context.Context) (ir.Value, error)) Baseline {
	return Baseline{load: load}
}

// Load returns the baseline value once, without retries. An empty
// Baseline is ir.Null{}.
func (b Baseline) Load(ctx context.Context) (ir.Value, error) {
	if b.load != nil {
		return b.load(ctx)
	}
	if b.value == nil {
		return ir.Null{}, nil
	}
	return b.value, nil
}

// Observer receives every new value of an attached channel. It runs on the
// channel's machine goroutine and must not block.
type Observer func(ir.Value)

// ChannelConfig describes a channel to attach.
type ChannelConfig struct {
	// Name is the channel name, "<domain>-<name>-<version>" by convention.
	Name string

	// Reducer folds actions into the channel value.
	Reducer ReducerDef

	// Initial is the baseline when no cached or snapshot value exists.
	Initial Baseline

	// Loading is displayed until a baseline is known, unless the local
	// cache already has a value.
	Loading ir.Value
}

func (c ChannelConfig) validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("channel name is required"))
	}
	if c.Reducer.Fn == nil {
		errs = append(errs, errors.New("reducer function is required"))
	}
	if c.Reducer.Name == "" || c.Reducer.Version == "" {
		errs = append(errs, errors.New("reducer name and version are required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid channel config %q: %w", c.Name, errors.Join(errs...))
	}
	return nil
}
