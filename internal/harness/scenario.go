package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/compose/internal/ir"
)

// Scenario is a conformance test: channels to attach, actions to emit,
// and assertions on the outcome.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Channels lists the channels to attach before any emit.
	Channels []ChannelDecl `yaml:"channels"`

	// Setup emits establish initial state. Each must resolve without
	// errors.
	Setup []EmitStep `yaml:"setup,omitempty"`

	// Flow is the main sequence of emits with optional expectations.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and values.
	Assertions []Assertion `yaml:"assertions"`
}

// ChannelDecl declares one channel of a scenario.
type ChannelDecl struct {
	// Channel is the full channel name, e.g. "conduit-comments-1".
	Channel string `yaml:"channel"`

	// Reducer names a reducer in the catalog.
	Reducer string `yaml:"reducer"`

	// ReducerVersion overrides the catalog's default version.
	ReducerVersion string `yaml:"reducer_version,omitempty"`

	// Initial overrides the reducer's default initial value.
	Initial any `yaml:"initial,omitempty"`
}

// EmitStep emits one action.
type EmitStep struct {
	Emit   string         `yaml:"emit"`
	Action map[string]any `yaml:"action"`
}

// FlowStep emits one action and optionally checks the response.
type FlowStep struct {
	Emit   string         `yaml:"emit"`
	Action map[string]any `yaml:"action"`
	Expect *ExpectClause  `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected response.
type ExpectClause struct {
	// Errors must equal the response's errors object. Absent means the
	// response carries no errors.
	Errors map[string]any `yaml:"errors,omitempty"`

	// Response is a subset the response object must contain.
	Response map[string]any `yaml:"response,omitempty"`
}

// Assertion validates the trace or a final value.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count, final_value.
	Type string `yaml:"type"`

	// Channel scopes trace_contains and trace_count, and names the
	// channel of final_value.
	Channel string `yaml:"channel,omitempty"`

	// Action is a subset match on emitted actions (trace_contains), or an
	// action type (trace_count).
	Action map[string]any `yaml:"action,omitempty"`

	// Count is the expected number of emits (trace_count).
	Count int `yaml:"count,omitempty"`

	// Types is the expected action type order (trace_order).
	Types []string `yaml:"types,omitempty"`

	// Value is the expected final value (final_value).
	Value any `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalValue    = "final_value"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Channels) == 0 {
		return fmt.Errorf("channels list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	declared := make(map[string]bool, len(s.Channels))
	for i, ch := range s.Channels {
		if _, err := ir.ParseChannelName(ch.Channel); err != nil {
			return fmt.Errorf("channels[%d]: %w", i, err)
		}
		if declared[ch.Channel] {
			return fmt.Errorf("channels[%d]: %s declared twice", i, ch.Channel)
		}
		if ch.Reducer == "" {
			return fmt.Errorf("channels[%d]: reducer is required", i)
		}
		declared[ch.Channel] = true
	}

	for i, step := range s.Setup {
		if !declared[step.Emit] {
			return fmt.Errorf("setup[%d]: emit to undeclared channel %q", i, step.Emit)
		}
		if step.Action == nil {
			return fmt.Errorf("setup[%d]: action is required", i)
		}
	}

	for i, step := range s.Flow {
		if !declared[step.Emit] {
			return fmt.Errorf("flow[%d]: emit to undeclared channel %q", i, step.Emit)
		}
		if step.Action == nil {
			return fmt.Errorf("flow[%d]: action is required", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, declared); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, declared map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Channel != "" && !declared[a.Channel] {
		return fmt.Errorf("assertions[%d]: undeclared channel %q", index, a.Channel)
	}

	switch a.Type {
	case AssertTraceContains:
		if len(a.Action) == 0 {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Types) == 0 {
			return fmt.Errorf("assertions[%d]: types list is required for trace_order", index)
		}
	case AssertTraceCount:
		if _, ok := a.Action["type"].(string); !ok {
			return fmt.Errorf("assertions[%d]: action.type is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalValue:
		if a.Channel == "" {
			return fmt.Errorf("assertions[%d]: channel is required for final_value", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
