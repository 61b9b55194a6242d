package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const conduitManifests = `package channels

channel: comments: {
	domain:  "conduit"
	name:    "comments"
	version: 1
	reducer: "comments"
}

channel: tags: {
	domain:  "conduit"
	name:    "tags"
	version: 1
	reducer: "tags"
	initial: []
}

channel: tags_v2: {
	domain:    "conduit"
	name:      "tags"
	version:   2
	reducer:   "tags"
	seed_from: "prior"
}
`

// testEnv is a scratch directory holding a config file, manifests, an
// event log and a cache.
type testEnv struct {
	dir       string
	config    string
	db        string
	cache     string
	manifests string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:       dir,
		config:    filepath.Join(dir, "compose.yaml"),
		db:        filepath.Join(dir, "compose.db"),
		cache:     filepath.Join(dir, "cache"),
		manifests: filepath.Join(dir, "channels"),
	}

	writeManifests(t, env.manifests, conduitManifests)

	cfg := fmt.Sprintf(`database: %s
cache_dir: %s
manifests: %s
poll_interval: 10ms
log_level: error
transport:
  max_retries: 1
  initial_interval: 5ms
  max_interval: 20ms
`, env.db, env.cache, env.manifests)
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o644))
	return env
}

func writeManifests(t *testing.T, dir, src string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conduit.cue"), []byte(src), 0o644))
}

// run executes the root command with the env's config and returns stdout.
func (env *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	stdout, _, err := env.runBoth(t, args...)
	return stdout, err
}

func (env *testEnv) runBoth(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(append([]string{"--config", env.config}, args...))
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}
