package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifestYAML = `
functions:
  - name: agent
    file: agent.py
    module: agent
    function: run_agent
    command: ["python", "-m", "rollout_worker"]
    params:
      - name: query
        default: hello
      - name: limit
        default: 3
  - name: summarize
    dir: jobs
    command: ["node", "worker.js"]
    watch: ["src", "/abs/lib"]
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rollout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifestYAML), 0o644))

	r, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent", "summarize"}, r.Names())

	agent, ok := r.Lookup("agent")
	require.True(t, ok)
	assert.Equal(t, "run_agent", agent.Function)
	assert.Equal(t, filepath.Join(dir, "agent.py"), agent.File)
	assert.Equal(t, dir, agent.Dir)
	require.Len(t, agent.Params, 2)
	assert.Equal(t, "hello", agent.Params[0].Default)
	assert.Equal(t, 3, agent.Params[1].Default)
	assert.Equal(t, []string{dir}, agent.WatchPaths())

	summarize, ok := r.Lookup("summarize")
	require.True(t, ok)
	assert.Equal(t, "summarize", summarize.Function)
	assert.Equal(t, filepath.Join(dir, "jobs"), summarize.Dir)
	assert.Equal(t, []string{filepath.Join(dir, "jobs", "src"), "/abs/lib"}, summarize.WatchPaths())

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing name", "functions:\n  - command: [\"x\"]\n"},
		{"missing command", "functions:\n  - name: a\n"},
		{"duplicate", "functions:\n  - name: a\n    command: [\"x\"]\n  - name: a\n    command: [\"y\"]\n"},
		{"bad yaml", "functions: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), "/base")
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
