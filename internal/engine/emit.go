package engine

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/compose/internal/ir"
)

// Emit appends action to channel and waits for the channel's reducer to
// process it. It returns the message the reducer resolved, or ir.Null{} if
// the reducer never called resolve.
//
// The channel must be attached to this engine: correlation is process-local.
// Errors:
//   - CLOSED: channel not attached, or detached before the action was reduced
//   - TRANSPORT: append failed after retries
//   - *VersionMismatchError: the channel is frozen
//   - *ReducerPanicError: the reducer panicked on this action
//   - ctx.Err(): the caller gave up
func (e *Engine) Emit(ctx context.Context, channel string, action ir.Value) (ir.Value, error) {
	m, id, ch, err := e.emit(ctx, channel, action)
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp.Message, resp.Err
	case <-m.Failed():
	case <-m.Done():
	case <-ctx.Done():
	}

	// Prefer a response that raced with the other cases.
	select {
	case resp := <-ch:
		return resp.Message, resp.Err
	default:
	}

	e.resolver.Forget(id)
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case m.mismatch() != nil:
		return nil, m.mismatch()
	default:
		return nil, newClosedError(channel, "channel detached before the action was reduced")
	}
}

// EmitAsync appends action to channel and returns a channel that receives
// its Response. The response channel is never closed; it receives nothing
// if the machine is detached first.
func (e *Engine) EmitAsync(ctx context.Context, channel string, action ir.Value) (<-chan Response, error) {
	_, _, ch, err := e.emit(ctx, channel, action)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Publish appends action to channel without correlation. Every engine
// attached to the channel reduces it; nobody waits for a response.
// The channel need not be attached locally.
func (e *Engine) Publish(ctx context.Context, channel string, action ir.Value) (ir.Event, error) {
	return e.append(ctx, channel, action, "")
}

func (e *Engine) emit(ctx context.Context, channel string, action ir.Value) (*Machine, string, <-chan Response, error) {
	m, ok := e.registry.Machine(channel)
	if !ok {
		return nil, "", nil, newClosedError(channel, "channel is not attached")
	}
	if vm := m.mismatch(); vm != nil {
		return nil, "", nil, vm
	}

	id := e.ids.Generate()
	ch := e.resolver.Register(id)

	ev, err := e.append(ctx, channel, action, id)
	if err != nil {
		e.resolver.Forget(id)
		return nil, "", nil, err
	}

	e.logger.Debug("action emitted",
		"channel", channel,
		"id", id,
		"ts", ev.TS,
	)

	return m, id, ch, nil
}

// append writes to the event log, retrying per the transport policy.
// Retrying is safe for correlated actions: logs deduplicate by id.
func (e *Engine) append(ctx context.Context, channel string, action ir.Value, id string) (ir.Event, error) {
	if action == nil {
		action = ir.Null{}
	}

	var ev ir.Event
	attempt := 0
	op := func() error {
		attempt++
		var err error
		ev, err = e.backend.Append(ctx, channel, action, ir.AppendOptions{ID: id})
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			e.logger.Warn("append attempt failed",
				"channel", channel,
				"id", id,
				"attempt", attempt,
				"error", err,
			)
		}
		return err
	}

	if err := backoff.Retry(op, e.transport.backOff(ctx)); err != nil {
		if ctx.Err() != nil {
			return ir.Event{}, ctx.Err()
		}
		return ir.Event{}, newTransportError(channel, "append failed", err)
	}
	return ev, nil
}
