package harness

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/compose/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes the emitted actions to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			if event.Type == TraceEmit {
				fmt.Fprintf(&buf, "  [%d] %s %s\n", i+1, event.Channel, formatValue(event.Action))
			}
		}
	}
	return buf.String()
}

// emits returns the emit events, optionally limited to channel.
func emits(trace []TraceEvent, channel string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range trace {
		if ev.Type == TraceEmit && (channel == "" || ev.Channel == channel) {
			out = append(out, ev)
		}
	}
	return out
}

// assertTraceContains checks that some emit's action contains the given
// fields.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	want, err := ir.FromGo(a.Action)
	if err != nil {
		return fmt.Errorf("trace_contains: action: %w", err)
	}
	for _, ev := range emits(trace, a.Channel) {
		if containsValue(ev.Action, want) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("emit containing %s", formatValue(want)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrences of the given action
// types appear in order. Other emits may come between them.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range emits(trace, a.Channel) {
		typ := ev.ActionType()
		if _, seen := positions[typ]; !seen {
			positions[typ] = i + 1
		}
	}

	for _, typ := range a.Types {
		if positions[typ] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all action types present: %v", a.Types),
				Actual:   fmt.Sprintf("missing action type: %s", typ),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Types); i++ {
		prev, curr := a.Types[i-1], a.Types[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("action types in order: %v", a.Types),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that an action type was emitted exactly Count
// times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	typ, _ := a.Action["type"].(string)
	count := 0
	for _, ev := range emits(trace, a.Channel) {
		if ev.ActionType() == typ {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d emits of %s", a.Count, typ),
			Actual:   fmt.Sprintf("%d emits", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalValue checks a channel's final value for exact equality.
func assertFinalValue(values map[string]ir.Value, a Assertion) error {
	want, err := ir.FromGo(a.Value)
	if err != nil {
		return fmt.Errorf("final_value: value: %w", err)
	}
	got, ok := values[a.Channel]
	if !ok {
		return &AssertionError{
			Type:     AssertFinalValue,
			Expected: fmt.Sprintf("value of %s", a.Channel),
			Actual:   "channel not attached",
		}
	}
	if !ir.Equal(want, got) {
		return &AssertionError{
			Type:     AssertFinalValue,
			Expected: fmt.Sprintf("%s = %s", a.Channel, formatValue(want)),
			Actual:   fmt.Sprintf("%s = %s", a.Channel, formatValue(got)),
		}
	}
	return nil
}

// containsValue reports whether actual contains expected: objects match
// when every expected key matches (extra keys are ignored), everything
// else must be equal.
func containsValue(actual, expected ir.Value) bool {
	want, ok := expected.(ir.Object)
	if !ok {
		return ir.Equal(actual, expected)
	}
	got, ok := actual.(ir.Object)
	if !ok {
		return false
	}

	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, exists := got[k]
		if !exists || !containsValue(v, want[k]) {
			return false
		}
	}
	return true
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a message for each failed assertion.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalValue:
			err = assertFinalValue(result.Values, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}
