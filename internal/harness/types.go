package harness

import "github.com/roach88/compose/internal/ir"

// Trace event types.
const (
	TraceEmit     = "emit"
	TraceResponse = "response"
)

// TraceEvent is one emitted action or one resolved response.
type TraceEvent struct {
	Type     string   `json:"type"` // "emit" or "response"
	Channel  string   `json:"channel"`
	ID       string   `json:"id"`
	Seq      int64    `json:"seq"`
	TS       int64    `json:"ts,omitempty"`
	Action   ir.Value `json:"action,omitempty"`
	Response ir.Value `json:"response,omitempty"`
}

// ActionType returns the "type" field of an emit's action.
func (e TraceEvent) ActionType() string {
	obj, ok := e.Action.(ir.Object)
	if !ok {
		return ""
	}
	s, _ := obj.Str("type")
	return s
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds emits and responses in order.
	Trace []TraceEvent `json:"trace"`

	// Errors describes each failed check. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Values holds the final value of every declared channel.
	Values map[string]ir.Value `json:"values"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Values: make(map[string]ir.Value),
	}
}

// AddError records a failed check and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEmitTrace records an emitted action.
func (r *Result) AddEmitTrace(ev ir.Event) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:    TraceEmit,
		Channel: ev.Channel,
		ID:      ev.ID,
		Seq:     ev.Seq,
		TS:      ev.TS,
		Action:  ev.Value,
	})
}

// AddResponseTrace records the response to an emitted action.
func (r *Result) AddResponseTrace(ev ir.Event, response ir.Value) {
	if response == nil {
		response = ir.Null{}
	}
	r.Trace = append(r.Trace, TraceEvent{
		Type:     TraceResponse,
		Channel:  ev.Channel,
		ID:       ev.ID,
		Seq:      ev.Seq,
		Response: response,
	})
}
