package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/compose/internal/ir"
	"github.com/roach88/compose/internal/wire"
)

// Append appends value to channel on the server. The server assigns the
// timestamp; opts.TS is not sent.
func (c *Client) Append(ctx context.Context, channel string, value ir.Value, opts ir.AppendOptions) (ir.Event, error) {
	raw, err := wire.EncodeValue(value)
	if err != nil {
		return ir.Event{}, err
	}
	r, err := c.call(ctx, wire.Frame{Op: wire.OpAppend, Channel: channel, Value: raw, ID: opts.ID})
	if err != nil {
		return ir.Event{}, fmt.Errorf("append %s: %w", channel, err)
	}
	if r.Event == nil {
		return ir.Event{}, fmt.Errorf("append %s: reply without event", channel)
	}
	return *r.Event, nil
}

// Latest returns the most recent event of channel.
func (c *Client) Latest(ctx context.Context, channel string) (ir.Event, bool, error) {
	r, err := c.call(ctx, wire.Frame{Op: wire.OpLatest, Channel: channel})
	if err != nil {
		return ir.Event{}, false, fmt.Errorf("latest %s: %w", channel, err)
	}
	if !r.Found || r.Event == nil {
		return ir.Event{}, false, nil
	}
	return *r.Event, true, nil
}

// Subscribe registers fn for events appended to channel from now on. The
// subscription survives reconnects and ends when unsubscribe is called or
// ctx is done.
func (c *Client) Subscribe(ctx context.Context, channel string, fn func(ir.Event)) (func(), error) {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	sub := &subscription{channel: channel, fn: fn}
	c.subs[id] = sub
	c.mu.Unlock()

	r, err := c.call(ctx, wire.Frame{Op: wire.OpSubscribe, Sub: id, Channel: channel})
	if err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	c.mu.Lock()
	if r.Seq > sub.cursor {
		sub.cursor = r.Seq
	}
	c.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			// Best effort; the server drops the subscription with the
			// connection anyway.
			go func() {
				_, _ = c.call(c.ctx, wire.Frame{Op: wire.OpUnsubscribe, Sub: id, Channel: channel})
			}()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-c.ctx.Done():
		}
	}()

	return unsubscribe, nil
}

// Subscribers returns the number of open subscriptions to channel.
func (c *Client) Subscribers(channel string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, sub := range c.subs {
		if sub.channel == channel {
			n++
		}
	}
	return n
}

// LoadSnapshot returns the server's snapshot of channel.
func (c *Client) LoadSnapshot(ctx context.Context, channel string) (ir.Snapshot, bool, error) {
	r, err := c.call(ctx, wire.Frame{Op: wire.OpLoadSnapshot, Channel: channel})
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", channel, err)
	}
	if !r.Found || r.Snapshot == nil {
		return ir.Snapshot{}, false, nil
	}
	return *r.Snapshot, true, nil
}

// SaveSnapshot mirrors snap to the server.
func (c *Client) SaveSnapshot(ctx context.Context, channel string, snap ir.Snapshot) error {
	if snap.Value == nil {
		snap.Value = ir.Null{}
	}
	if _, err := c.call(ctx, wire.Frame{Op: wire.OpSaveSnapshot, Channel: channel, Snapshot: &snap}); err != nil {
		return fmt.Errorf("save snapshot %s: %w", channel, err)
	}
	return nil
}

// ReducerIdentity returns the identity recorded on the server.
func (c *Client) ReducerIdentity(ctx context.Context, channel string) (ir.ReducerIdentity, bool, error) {
	r, err := c.call(ctx, wire.Frame{Op: wire.OpReducerIdentity, Channel: channel})
	if err != nil {
		return ir.ReducerIdentity{}, false, fmt.Errorf("reducer identity %s: %w", channel, err)
	}
	if !r.Found || r.Identity == nil {
		return ir.ReducerIdentity{}, false, nil
	}
	return *r.Identity, true, nil
}

// RecordReducer records id on the server if none is recorded and returns
// the stored identity.
func (c *Client) RecordReducer(ctx context.Context, channel string, id ir.ReducerIdentity) (ir.ReducerIdentity, error) {
	r, err := c.call(ctx, wire.Frame{Op: wire.OpRecordReducer, Channel: channel, Identity: &id})
	if err != nil {
		return ir.ReducerIdentity{}, fmt.Errorf("record reducer %s: %w", channel, err)
	}
	if r.Identity == nil {
		return ir.ReducerIdentity{}, fmt.Errorf("record reducer %s: reply without identity", channel)
	}
	return *r.Identity, nil
}
