// Package harness runs conformance scenarios against the compose engine.
//
// A scenario declares channels, emits actions to them, checks each
// response, and asserts on the resulting trace and final channel values.
// Scenarios run against an in-memory event log with a deterministic clock
// and correlation ids, so the same scenario always produces the same trace.
//
// # Scenario Format
//
//	name: comments_ownership
//	description: "Only the author may delete a comment"
//	channels:
//	  - channel: conduit-comments-1
//	    reducer: comments
//	setup:
//	  - emit: conduit-comments-1
//	    action: { type: CreateComment, uid: u1, body: hi, commentId: c-1 }
//	flow:
//	  - emit: conduit-comments-1
//	    action: { type: DeleteComment, uid: u2, commentId: c-1 }
//	    expect:
//	      errors: { unauthorized: "to perform this action" }
//	assertions:
//	  - type: final_value
//	    channel: conduit-comments-1
//	    value: [{ uid: u1, commentId: c-1, body: hi }]
//
// Setup emits must resolve without errors. A flow step without expect is
// not checked; with expect, the response's errors must equal expect.errors
// exactly (absent means none) and the response must contain expect.response.
//
// # Assertion Types
//
//   - trace_contains: an emit to channel whose action contains the given fields
//   - trace_order: action types appear in the given order
//   - trace_count: action type appears exactly count times
//   - final_value: the channel's final value equals value
//
// # Golden Traces
//
// RunWithGolden compares the trace and final values against
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
