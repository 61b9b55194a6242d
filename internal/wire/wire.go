// Package wire defines the JSON frames exchanged between a compose server
// and its remote clients over a websocket.
//
// Every client request carries a Req number echoed by exactly one reply
// frame. Event frames carry the client-chosen Sub number of the
// subscription they belong to and may interleave with replies.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/compose/internal/ir"
)

// Path is the HTTP path of the websocket endpoint.
const Path = "/log"

// Op names a frame kind.
type Op string

// Client requests.
const (
	OpAppend          Op = "append"
	OpLatest          Op = "latest"
	OpSubscribe       Op = "subscribe"
	OpUnsubscribe     Op = "unsubscribe"
	OpLoadSnapshot    Op = "load_snapshot"
	OpSaveSnapshot    Op = "save_snapshot"
	OpReducerIdentity Op = "reducer_identity"
	OpRecordReducer   Op = "record_reducer"
)

// Server frames.
const (
	OpReply Op = "reply"
	OpEvent Op = "event"
)

// Frame is one websocket message.
type Frame struct {
	Op       Op                  `json:"op"`
	Req      uint64              `json:"req,omitempty"`
	Sub      uint64              `json:"sub,omitempty"`
	Channel  string              `json:"channel,omitempty"`
	Value    json.RawMessage     `json:"value,omitempty"`
	ID       string              `json:"id,omitempty"`
	Seq      int64               `json:"seq,omitempty"`    // subscribe reply: channel cursor
	After    int64               `json:"after,omitempty"`  // subscribe: resume after this seq
	Resume   bool                `json:"resume,omitempty"` // subscribe: replay events after After
	Event    *ir.Event           `json:"event,omitempty"`
	Snapshot *ir.Snapshot        `json:"snapshot,omitempty"`
	Identity *ir.ReducerIdentity `json:"identity,omitempty"`
	Found    bool                `json:"found,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// EncodeValue serializes v for Frame.Value.
func EncodeValue(v ir.Value) (json.RawMessage, error) {
	data, err := ir.MarshalValue(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode value: %w", err)
	}
	return data, nil
}

// DecodeValue parses Frame.Value. A missing value is null.
func (f Frame) DecodeValue() (ir.Value, error) {
	if len(f.Value) == 0 {
		return ir.Null{}, nil
	}
	v, err := ir.DecodeValue(f.Value)
	if err != nil {
		return nil, fmt.Errorf("wire: decode value: %w", err)
	}
	return v, nil
}

// Reply builds the reply to req.
func Reply(req uint64) Frame {
	return Frame{Op: OpReply, Req: req}
}

// Failed builds an error reply to req.
func Failed(req uint64, err error) Frame {
	return Frame{Op: OpReply, Req: req, Error: err.Error()}
}

// Err returns the error carried by a reply.
func (f Frame) Err() error {
	if f.Error == "" {
		return nil
	}
	return &RemoteError{Op: f.Op, Message: f.Error}
}

// RemoteError is an error reported by the server.
type RemoteError struct {
	Op      Op
	Message string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}
