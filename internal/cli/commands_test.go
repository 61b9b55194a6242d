package cli

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/compose/internal/ir"
	"github.com/roach88/compose/internal/localcache"
	"github.com/roach88/compose/internal/store"
)

const (
	createC1 = `{"type":"CreateComment","uid":"u1","body":"hi","commentId":"c-1"}`
	deleteC1 = `{"type":"DeleteComment","uid":"u2","commentId":"c-1"}`
)

func TestEmit_RespondsAndMirrors(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "emit", "conduit-comments-1", createC1)
	require.NoError(t, err)
	assert.Equal(t, "✓ {\"commentId\":\"c-1\"}\n", out)

	out, err = env.run(t, "snapshot", "conduit-comments-1")
	require.NoError(t, err)
	assert.Contains(t, out, "channel: conduit-comments-1")
	assert.Contains(t, out, "reducer: comments@1")
	assert.Contains(t, out, `value:   [{"body":"hi","commentId":"c-1","uid":"u1"}]`)
	assert.NotContains(t, out, "log is ahead")
}

func TestEmit_JSON(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "--format", "json", "emit", "conduit-comments-1", createC1)
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "conduit-comments-1", resp.Data["channel"])
	assert.Equal(t, map[string]any{"commentId": "c-1"}, resp.Data["response"])
	assert.Len(t, resp.Data["value"], 1)
}

func TestEmit_RejectionExitsOne(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "emit", "conduit-comments-1", createC1)
	require.NoError(t, err)

	out, err := env.run(t, "emit", "conduit-comments-1", deleteC1)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ conduit-comments-1 rejected the action")
	assert.Contains(t, out, `{"unauthorized":"to perform this action"}`)
}

func TestEmit_Errors(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "emit", "conduit-comments-1", "{not json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeBadAction)

	_, err = env.run(t, "emit", "conduit-articles-1", createC1)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeUnknown)
	assert.Contains(t, err.Error(), "conduit-comments-1")
}

func TestEmit_Publish(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "emit", "conduit-tags-1", `{"type":"UpdateArticleTags","uid":"u1","slug":"a","tagList":["go"]}`, "--publish")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ published to conduit-tags-1")

	// Nothing was attached, so nothing reduced the action.
	_, err = env.run(t, "snapshot", "conduit-tags-1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = env.run(t, "emit", "not-a-channel", "{}", "--publish")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSnapshot_Missing(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "snapshot", "conduit-comments-1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ no snapshot for conduit-comments-1")
}

func TestWatch_PrintsSettledValue(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "emit", "conduit-comments-1", createC1)
	require.NoError(t, err)

	out, err := env.run(t, "--format", "json", "watch", "conduit-comments-1", "--limit", "1")
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Channel string           `json:"channel"`
			Value   []map[string]any `json:"value"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "conduit-comments-1", resp.Data.Channel)
	require.Len(t, resp.Data.Value, 1)
	assert.Equal(t, "c-1", resp.Data.Value[0]["commentId"])

	// The watch wrote the settled value through to the local cache.
	out, err = env.run(t, "cache", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "conduit-comments-1")
}

func TestWatch_SeededChannelStartsFromPrior(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "emit", "conduit-tags-1", `{"type":"UpdateArticleTags","uid":"u1","slug":"a","tagList":["go","db"]}`)
	require.NoError(t, err)

	out, err := env.run(t, "watch", "conduit-tags-2", "--limit", "1", "--no-cache")
	require.NoError(t, err)
	assert.Equal(t, "[{\"slug\":\"a\",\"tag\":\"go\"},{\"slug\":\"a\",\"tag\":\"db\"}]\n", out)
}

func TestReplay_Match(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "emit", "conduit-comments-1", createC1)
	require.NoError(t, err)
	_, err = env.run(t, "emit", "conduit-comments-1", `{"type":"CreateComment","uid":"u2","body":"yo","commentId":"c-2"}`)
	require.NoError(t, err)

	out, err := env.run(t, "replay")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ conduit-comments-1: 2 event(s)")
	assert.Contains(t, out, "- conduit-tags-1: 0 event(s), no snapshot")
	assert.Contains(t, out, "✓ All snapshots match their logs")
}

func TestReplay_MismatchJSON(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "emit", "conduit-comments-1", createC1)
	require.NoError(t, err)

	st, err := store.Open(env.db)
	require.NoError(t, err)
	snap, ok, err := st.LoadSnapshot(context.Background(), "conduit-comments-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.SaveSnapshot(context.Background(), "conduit-comments-1", ir.Snapshot{Value: ir.Array{}, TS: snap.TS}))
	require.NoError(t, st.Close())

	out, err := env.run(t, "--format", "json", "replay", "conduit-comments-1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Channels []struct {
				Status  string `json:"status"`
				Detail  string `json:"detail"`
				Applied int    `json:"applied"`
			} `json:"channels"`
		} `json:"data"`
		Error *CLIError `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeMismatch, resp.Error.Code)
	require.Len(t, resp.Data.Channels, 1)
	assert.Equal(t, ReplayMismatch, resp.Data.Channels[0].Status)
	assert.Equal(t, "values differ at the same ts", resp.Data.Channels[0].Detail)
	assert.Equal(t, 1, resp.Data.Channels[0].Applied)
}

func TestReplay_ReducerMismatch(t *testing.T) {
	env := newTestEnv(t)

	st, err := store.Open(env.db)
	require.NoError(t, err)
	id, err := ir.NewReducerIdentity("tags", "9")
	require.NoError(t, err)
	_, err = st.RecordReducer(context.Background(), "conduit-tags-1", id)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := env.run(t, "replay", "conduit-tags-1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ conduit-tags-1: reducer_mismatch")
	assert.Contains(t, out, "recorded tags@9, local tags@1")
}

func TestReplay_UnknownChannel(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "replay", "conduit-articles-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCache_ListPruneDrop(t *testing.T) {
	env := newTestEnv(t)

	cache, err := localcache.Open(localcache.Options{Dir: env.cache})
	require.NoError(t, err)
	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	fresh := time.Now().UnixMilli()
	require.NoError(t, cache.Put("conduit-tags-1", ir.CacheRecord{Value: ir.Array{}, TS: 10, CachedAt: old}))
	require.NoError(t, cache.Put("conduit-users-1", ir.CacheRecord{Value: ir.Array{}, TS: 20, CachedAt: fresh}))
	require.NoError(t, cache.Put("conduit-comments-1", ir.CacheRecord{Value: ir.Array{}, TS: 30, CachedAt: fresh}))
	require.NoError(t, cache.Close())

	out, err := env.run(t, "cache", "list")
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, "\n"))
	assert.Contains(t, out, "conduit-tags-1\tts 10")

	out, err = env.run(t, "--format", "json", "cache", "prune", "--older-than", "24h")
	require.NoError(t, err)
	var resp struct {
		Data PruneResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 1, resp.Data.Removed)

	out, err = env.run(t, "cache", "drop", "conduit-users-1")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ dropped conduit-users-1")

	out, err = env.run(t, "cache", "list")
	require.NoError(t, err)
	assert.Equal(t, "conduit-comments-1", strings.SplitN(out, "\t", 2)[0])
	assert.NotContains(t, out, "conduit-users-1")

	_, err = env.run(t, "cache", "prune", "--older-than", "0s")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCache_Empty(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "cache", "list")
	require.NoError(t, err)
	assert.Equal(t, "Cache is empty.\n", out)
}

func TestServe_RemoteEmit(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	serve := newServeCommand(&ServeOptions{
		RootOptions: &RootOptions{Format: "text", ConfigPath: env.config},
		Listen:      "127.0.0.1:0",
		Reduce:      true,
		Ready:       func(addr string) { ready <- addr },
	})
	serve.SetArgs([]string{})
	serve.SetContext(ctx)

	done := make(chan error, 1)
	go func() { done <- serve.Execute() }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	url := "ws://" + addr
	out, err := env.run(t, "--remote", url, "emit", "conduit-comments-1", createC1)
	require.NoError(t, err)
	assert.Equal(t, "✓ {\"commentId\":\"c-1\"}\n", out)

	// The server keeps the channel attached, so it reduced the action too.
	require.Eventually(t, func() bool {
		out, err := env.run(t, "--remote", url, "snapshot", "conduit-comments-1")
		return err == nil && strings.Contains(out, `"commentId":"c-1"`)
	}, 5*time.Second, 20*time.Millisecond)

	_, err = env.run(t, "--remote", url, "replay")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not --remote")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServe_RejectsRemoteBackend(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "--remote", "ws://127.0.0.1:1", "serve")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
