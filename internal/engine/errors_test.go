package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/compose/internal/ir"
)

func TestErrorPredicates(t *testing.T) {
	vm := &VersionMismatchError{
		Channel:  "t-counter-1",
		Recorded: ir.ReducerIdentity{Name: "counter", Version: "1"},
		Local:    ir.ReducerIdentity{Name: "counter", Version: "2"},
	}
	wrapped := fmt.Errorf("emit: %w", vm)

	assert.True(t, IsVersionMismatch(wrapped))
	assert.False(t, IsReducerPanic(wrapped))
	assert.Contains(t, vm.Error(), "counter@1")
	assert.Contains(t, vm.Error(), "counter@2")

	assert.True(t, IsReducerPanic(&ReducerPanicError{Channel: "c", EventID: "req-1", Value: "boom"}))
	assert.True(t, IsClosed(newClosedError("c", "gone")))

	cause := errors.New("connection refused")
	te := newTransportError("c", "append failed", cause)
	assert.True(t, IsTransport(te))
	assert.ErrorIs(t, te, cause)
	assert.Equal(t, "TRANSPORT: append failed (channel=c): connection refused", te.Error())
	assert.Equal(t, "CLOSED: gone (channel=c)", newClosedError("c", "gone").Error())
}
