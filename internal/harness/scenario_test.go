package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/comments_ownership.yaml")
	require.NoError(t, err)

	assert.Equal(t, "comments_ownership", s.Name)
	require.Len(t, s.Channels, 1)
	assert.Equal(t, "comments", s.Channels[0].Reducer)
	require.Len(t, s.Setup, 1)
	require.Len(t, s.Flow, 3)
	require.NotNil(t, s.Flow[1].Expect)
	assert.Equal(t, map[string]any{"unauthorized": "to perform this action"}, s.Flow[1].Expect.Errors)
	require.NotNil(t, s.Flow[2].Expect, "an empty expect still checks for no errors")
	assert.Nil(t, s.Flow[2].Expect.Errors)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_RejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: x
description: y
channel: []
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	const channels = `
channels:
  - channel: conduit-comments-1
    reducer: comments
`
	const flow = `
flow:
  - emit: conduit-comments-1
    action: { type: CreateComment, uid: u1 }
`
	const assertions = `
assertions:
  - type: trace_count
    action: { type: CreateComment }
    count: 1
`

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing name", "description: d" + channels + flow + assertions, "name is required"},
		{"missing description", "name: n" + channels + flow + assertions, "description is required"},
		{"missing channels", "name: n\ndescription: d" + flow + assertions, "channels list is required"},
		{"missing flow", "name: n\ndescription: d" + channels + assertions, "flow list is required"},
		{"missing assertions", "name: n\ndescription: d" + channels + flow, "assertions list is required"},
		{
			"bad channel name",
			"name: n\ndescription: d\nchannels:\n  - channel: nope\n    reducer: comments" + flow + assertions,
			"channels[0]",
		},
		{
			"undeclared emit",
			"name: n\ndescription: d" + channels + "\nflow:\n  - emit: conduit-users-1\n    action: {}" + assertions,
			`flow[0]: emit to undeclared channel "conduit-users-1"`,
		},
		{
			"unknown assertion",
			"name: n\ndescription: d" + channels + flow + "\nassertions:\n  - type: vibes",
			`unknown assertion type "vibes"`,
		},
		{
			"final value without channel",
			"name: n\ndescription: d" + channels + flow + "\nassertions:\n  - type: final_value\n    value: []",
			"channel is required for final_value",
		},
		{
			"trace count without type",
			"name: n\ndescription: d" + channels + flow + "\nassertions:\n  - type: trace_count\n    count: 1",
			"action.type is required for trace_count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFindScenarios(t *testing.T) {
	files, err := FindScenarios("testdata")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join("testdata", "scenarios", "comments_ownership.yaml"),
		filepath.Join("testdata", "scenarios", "conduit_social.yaml"),
	}, files)

	single, err := FindScenarios("testdata/scenarios/conduit_social.yaml")
	require.NoError(t, err)
	assert.Len(t, single, 1)

	_, err = FindScenarios(filepath.Join(t.TempDir(), "missing"))
	var notFound *ScenarioNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestFindScenarios_SkipsGoldenDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "x.yaml"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	files, err := FindScenarios(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yml")}, files)
}
