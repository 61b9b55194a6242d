package store

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/compose/internal/ir"
)

// subscriber delivers one channel's events to fn in seq order from its own
// goroutine.
type subscriber struct {
	fn     func(ir.Event)
	cursor int64
	wakeCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (sub *subscriber) wake() {
	select {
	case sub.wakeCh <- struct{}{}:
	default:
	}
}

func (sub *subscriber) stop() {
	sub.once.Do(func() { close(sub.done) })
}

func (sub *subscriber) stopped() bool {
	select {
	case <-sub.done:
		return true
	default:
		return false
	}
}

// Subscribe registers fn for events appended to channel from now on, by
// this process or any other sharing the database. fn is called from a
// dedicated goroutine, one event at a time, in append order.
//
// The subscription ends when unsubscribe is called, ctx is done, or the
// Store is closed.
func (s *Store) Subscribe(ctx context.Context, channel string, fn func(ir.Event)) (func(), error) {
	cursor, err := s.maxSeq(ctx, channel)
	if err != nil {
		return nil, err
	}

	sub := &subscriber{
		fn:     fn,
		cursor: cursor,
		wakeCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[uint64]*subscriber)
	}
	s.subs[channel][id] = sub
	s.mu.Unlock()

	unsubscribe := func() {
		sub.stop()
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[channel], id)
		if len(s.subs[channel]) == 0 {
			delete(s.subs, channel)
		}
	}

	go func() {
		s.follow(ctx, channel, sub)
		unsubscribe()
	}()

	s.logger.Debug("store subscription opened", "channel", channel, "cursor", cursor)
	return unsubscribe, nil
}

// Subscribers returns the number of live subscriptions to channel.
func (s *Store) Subscribers(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[channel])
}

func (s *Store) wake(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs[channel] {
		sub.wake()
	}
}

// follow runs one subscription until it is stopped.
func (s *Store) follow(ctx context.Context, channel string, sub *subscriber) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case <-sub.wakeCh:
		case <-ticker.C:
		}

		events, err := s.ReadEvents(ctx, channel, sub.cursor)
		if err != nil {
			if !sub.stopped() && ctx.Err() == nil {
				s.logger.Warn("store subscription read failed", "channel", channel, "error", err)
			}
			continue
		}
		for _, ev := range events {
			if sub.stopped() {
				return
			}
			sub.cursor = ev.Seq
			sub.fn(ev)
		}
	}
}
