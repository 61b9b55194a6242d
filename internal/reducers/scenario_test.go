package reducers

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/compose/internal/engine"
	"github.com/roach88/compose/internal/ir"
	"github.com/roach88/compose/internal/memlog"
	"github.com/roach88/compose/internal/testutil"
)

func TestCommentsChannel_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log := memlog.New(memlog.WithClock(testutil.NewDeterministicClockAt(1000, 1).Next))
	eng := engine.New(log,
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithIDGenerator(testutil.NewSequenceGenerator("req")),
	)
	defer eng.Close()

	def, err := Default().Def("comments", "")
	require.NoError(t, err)

	const channel = "conduit-comments-1"
	sub, _, err := eng.Attach(ctx, engine.ChannelConfig{
		Name:    channel,
		Reducer: def,
		Initial: engine.BaselineValue(ir.Array{}),
		Loading: ir.Null{},
	}, nil)
	require.NoError(t, err)
	defer sub.Close()

	m, ok := eng.Registry().Machine(channel)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return m.State().Kind() == engine.Settled{}.Kind()
	}, 2*time.Second, 2*time.Millisecond)

	ids := testutil.NewSequenceGenerator("c")
	msg, err := eng.Emit(ctx, channel, NewCreateComment(ids, "u1", "hi"))
	require.NoError(t, err)
	assert.Nil(t, ir.MessageErrors(msg))

	want := ir.Array{ir.Object{
		"uid":       ir.String("u1"),
		"commentId": ir.String("c-1"),
		"body":      ir.String("hi"),
	}}
	assert.Equal(t, want, m.Value())

	msg, err = eng.Emit(ctx, channel, NewDeleteComment("u2", "c-1"))
	require.NoError(t, err)
	assert.Equal(t, ir.Object{"errors": ir.Object{"unauthorized": ir.String("to perform this action")}}, msg)
	assert.Equal(t, want, m.Value())

	assert.Equal(t, 0, eng.Resolver().Pending())
}
