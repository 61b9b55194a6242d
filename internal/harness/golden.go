package harness

import (
	"sort"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/compose/internal/ir"
)

// GoldenDir holds golden trace files, relative to the test's package.
const GoldenDir = "testdata/golden"

// TraceSnapshot is the golden form of a run: its trace and final values.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	Values       map[string]ir.Value
}

// Canonical renders the snapshot as canonical JSON (sorted keys, no
// insignificant whitespace), so equal runs produce identical bytes.
func (s TraceSnapshot) Canonical() ([]byte, error) {
	trace := make(ir.Array, len(s.Trace))
	for i, ev := range s.Trace {
		obj := ir.Object{
			"type":    ir.String(ev.Type),
			"channel": ir.String(ev.Channel),
			"id":      ir.String(ev.ID),
			"seq":     ir.Int(ev.Seq),
		}
		if ev.TS != 0 {
			obj["ts"] = ir.Int(ev.TS)
		}
		if ev.Action != nil {
			obj["action"] = ev.Action
		}
		if ev.Response != nil {
			obj["response"] = ev.Response
		}
		trace[i] = obj
	}

	names := make([]string, 0, len(s.Values))
	for name := range s.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	values := make(ir.Object, len(names))
	for _, name := range names {
		values[name] = s.Values[name]
	}

	return ir.MarshalCanonical(ir.Object{
		"scenario_name": ir.String(s.ScenarioName),
		"trace":         trace,
		"values":        values,
	})
}

// RunWithGolden runs a scenario and compares its trace and final values
// with testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result with the golden file of name.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := TraceSnapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		Values:       result.Values,
	}.Canonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
