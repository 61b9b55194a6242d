package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/compose/internal/compiler"
)

func runValidateCmd(t *testing.T, format, dir string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{dir})
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidateValidManifests(t *testing.T) {
	env := newTestEnv(t)

	out, err := runValidateCmd(t, "text", env.manifests)
	require.NoError(t, err)
	assert.Contains(t, out, "conduit-comments-1")
	assert.Contains(t, out, "conduit-tags-2")
	assert.Contains(t, out, "✓ All manifests valid (3 channel(s))")
}

func TestValidateValidManifestsJSON(t *testing.T) {
	env := newTestEnv(t)

	out, err := runValidateCmd(t, "json", env.manifests)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, []string{"conduit-comments-1", "conduit-tags-1", "conduit-tags-2"}, resp.Data.Channels)
}

func TestValidateNonExistentDirectory(t *testing.T) {
	out, err := runValidateCmd(t, "text", "/nonexistent/directory/path")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeNotFound)
	assert.Contains(t, out, "not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidateEmptyDirectory(t *testing.T) {
	out, err := runValidateCmd(t, "text", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeNoFiles)
	assert.Contains(t, out, "no CUE files")
}

func TestValidateUnknownReducer(t *testing.T) {
	dir := t.TempDir()
	writeManifests(t, dir, `package channels

channel: articles: {
	domain:  "conduit"
	name:    "articles"
	version: 1
	reducer: "articles"
}
`)

	out, err := runValidateCmd(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, compiler.ErrUnknownReducer)
	assert.Contains(t, out, `unknown reducer "articles"`)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	dir := t.TempDir()
	writeManifests(t, dir, `package channels

channel: a: {
	domain:  "conduit"
	name:    "tags"
	version: 1
	reducer: "tags"
}

channel: b: {
	domain:  "conduit"
	name:    "tags"
	version: 1
	reducer: "tags"
}

channel: c: {
	domain:  "conduit"
	name:    "users"
	reducer: "users"
}
`)

	out, err := runValidateCmd(t, "json", dir)
	require.Error(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)

	codes := make([]string, len(resp.Data.Errors))
	for i, e := range resp.Data.Errors {
		codes[i] = e.Code
	}
	assert.Contains(t, codes, ErrCodeChannelName, "missing version")
	assert.Contains(t, codes, compiler.ErrDuplicateChannel)
}

func TestValidateNoChannelStruct(t *testing.T) {
	dir := t.TempDir()
	writeManifests(t, dir, "package channels\n\nsettings: debug: true\n")

	out, err := runValidateCmd(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, ErrCodeNoChannels)
}

func TestValidateUsesConfiguredManifests(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ All manifests valid")
}

func TestMapFieldToErrorCode(t *testing.T) {
	assert.Equal(t, ErrCodeChannelName, MapFieldToErrorCode("version"))
	assert.Equal(t, ErrCodeReducer, MapFieldToErrorCode("reducer_version"))
	assert.Equal(t, ErrCodeValue, MapFieldToErrorCode("initial.items[0]"))
	assert.Equal(t, ErrCodeSeed, MapFieldToErrorCode("seed_from"))
	assert.Equal(t, ErrCodeGeneric, MapFieldToErrorCode("other"))
}
