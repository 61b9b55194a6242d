package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/compose/internal/engine"
	"github.com/roach88/compose/internal/ir"
	"github.com/roach88/compose/internal/memlog"
	"github.com/roach88/compose/internal/reducers"
	"github.com/roach88/compose/internal/testutil"
)

// DefaultTimeout bounds one scenario run.
const DefaultTimeout = 10 * time.Second

// Harness runs one scenario against a fresh in-memory log.
type Harness struct {
	log     *memlog.Log
	engine  *engine.Engine
	catalog *reducers.Catalog
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures a run.
type Option func(*Harness)

// WithCatalog sets the reducer catalog. Default: reducers.Default().
func WithCatalog(c *reducers.Catalog) Option {
	return func(h *Harness) {
		h.catalog = c
	}
}

// WithLogger sets the logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// WithTimeout bounds the run. Default: DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(h *Harness) {
		h.timeout = d
	}
}

// Run executes a scenario and returns the result.
//
// Each run gets its own in-memory log stamped by a deterministic clock
// starting at 1, and correlation ids "req-1", "req-2", ... in emit order.
// An error is returned only when the scenario could not be executed; failed
// expectations and assertions are reported in the result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		catalog: reducers.Default(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}

	clock := testutil.NewDeterministicClock()
	h.log = memlog.New(memlog.WithClock(clock.Next))
	h.engine = engine.New(h.log,
		engine.WithIDGenerator(testutil.NewSequenceGenerator("req")),
		engine.WithWallClock(clock.Time),
		engine.WithLogger(h.logger),
	)
	defer h.engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.attach(ctx, scenario.Channels); err != nil {
		return nil, fmt.Errorf("failed to attach channels: %w", err)
	}

	result := NewResult()
	if err := h.executeSetup(ctx, scenario.Setup, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	for _, ch := range scenario.Channels {
		m, ok := h.engine.Registry().Machine(ch.Channel)
		if !ok {
			return nil, fmt.Errorf("channel %s detached during the run", ch.Channel)
		}
		result.Values[ch.Channel] = m.Value()
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// attach attaches every declared channel and waits until each has settled.
func (h *Harness) attach(ctx context.Context, decls []ChannelDecl) error {
	for _, decl := range decls {
		spec := ir.ChannelSpec{
			ID:             decl.Channel,
			Channel:        decl.Channel,
			Reducer:        decl.Reducer,
			ReducerVersion: decl.ReducerVersion,
			Initial:        ir.Null{},
		}
		if decl.Initial != nil {
			v, err := ir.FromGo(decl.Initial)
			if err != nil {
				return fmt.Errorf("channel %s: initial: %w", decl.Channel, err)
			}
			spec.Initial = v
		}

		cfg, err := h.catalog.Config(spec, h.log)
		if err != nil {
			return err
		}
		if _, _, err := h.engine.Attach(ctx, cfg, nil); err != nil {
			return err
		}

		m, _ := h.engine.Registry().Machine(decl.Channel)
		if err := waitSettled(ctx, m); err != nil {
			return fmt.Errorf("channel %s: %w", decl.Channel, err)
		}
		h.logger.Debug("channel settled", "channel", decl.Channel, "reducer", decl.Reducer)
	}
	return nil
}

func waitSettled(ctx context.Context, m *engine.Machine) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		switch m.State().(type) {
		case engine.Settled:
			return nil
		case engine.VersionMismatch:
			return m.Err()
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("not settled: %w", ctx.Err())
		}
	}
}

// executeSetup runs the setup emits. Each must resolve without errors.
func (h *Harness) executeSetup(ctx context.Context, setup []EmitStep, result *Result) error {
	for i, step := range setup {
		response, err := h.emit(ctx, step.Emit, step.Action, result)
		if err != nil {
			return fmt.Errorf("setup step %d: %w", i, err)
		}
		if errs := ir.MessageErrors(response); errs != nil {
			return fmt.Errorf("setup step %d: response carries errors %s", i, formatValue(errs))
		}
		h.logger.Debug("setup step completed", "step", i, "channel", step.Emit)
	}
	return nil
}

// executeFlow runs the flow emits and checks each expect clause.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		response, err := h.emit(ctx, step.Emit, step.Action, result)
		if err != nil {
			return fmt.Errorf("flow step %d: %w", i, err)
		}

		if step.Expect != nil {
			for _, msg := range checkExpect(step.Expect, response) {
				result.AddError(fmt.Sprintf("flow[%d]: %s", i, msg))
			}
		}

		h.logger.Debug("flow step completed",
			"step", i,
			"channel", step.Emit,
			"errors", ir.MessageErrors(response) != nil,
		)
	}
	return nil
}

// emit sends one action and records it and its response in the trace.
func (h *Harness) emit(ctx context.Context, channel string, action map[string]any, result *Result) (ir.Value, error) {
	act, err := ir.FromGo(action)
	if err != nil {
		return nil, fmt.Errorf("failed to convert action: %w", err)
	}

	response, err := h.engine.Emit(ctx, channel, act)
	if err != nil {
		return nil, err
	}

	ev, ok, err := h.log.Latest(ctx, channel)
	if err != nil || !ok {
		return nil, fmt.Errorf("emitted event not found in %s", channel)
	}
	result.AddEmitTrace(ev)
	result.AddResponseTrace(ev, response)
	return response, nil
}

// checkExpect compares a response with an expect clause.
func checkExpect(expect *ExpectClause, response ir.Value) []string {
	var failures []string

	got := ir.MessageErrors(response)
	if expect.Errors == nil {
		if got != nil {
			failures = append(failures, fmt.Sprintf("expected no errors, got %s", formatValue(got)))
		}
	} else {
		want, err := ir.FromGo(expect.Errors)
		if err != nil {
			return []string{fmt.Sprintf("expect.errors: %v", err)}
		}
		if got == nil {
			failures = append(failures, fmt.Sprintf("expected errors %s, got null", formatValue(want)))
		} else if !ir.Equal(want, got) {
			failures = append(failures, fmt.Sprintf("expected errors %s, got %s", formatValue(want), formatValue(got)))
		}
	}

	if expect.Response != nil {
		want, err := ir.FromGo(expect.Response)
		if err != nil {
			return append(failures, fmt.Sprintf("expect.response: %v", err))
		}
		if !containsValue(response, want) {
			failures = append(failures, fmt.Sprintf("expected response containing %s, got %s", formatValue(want), formatValue(response)))
		}
	}
	return failures
}

// formatValue renders v as canonical JSON for messages.
func formatValue(v ir.Value) string {
	if v == nil {
		return "null"
	}
	data, err := ir.MarshalValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
