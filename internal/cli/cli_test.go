package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipelineCUE = `
scenario: {
	name:   "pipeline"
	trace:  7
	passes: 3
	regions: {
		r: {tree: 1, lo: 0, hi: 9}
	}
	ops: [
		{kind: "task", local: 1, reqs: [{region: "r", access: "write", fields: [0]}]},
		{kind: "task", local: 2, reqs: [{region: "r", access: "read", fields: [0]}]},
	]
}
`

func writeScenario(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.cue")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand_OK(t *testing.T) {
	path := writeScenario(t, pipelineCUE)
	out, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "scenario pipeline")
	assert.Contains(t, out, "OK")
}

func TestValidateCommand_BadScenario(t *testing.T) {
	path := writeScenario(t, `scenario: { name: "broken" }`)
	_, err := execute(t, "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestRunCommand_TextOutput(t *testing.T) {
	path := writeScenario(t, pipelineCUE)
	out, err := execute(t, "run", path)
	require.NoError(t, err)
	assert.Contains(t, out, "scenario: pipeline")
	assert.Contains(t, out, "physical_replay")
	assert.Contains(t, out, "replayable: true")
}

func TestRunCommand_RequireReplay(t *testing.T) {
	blocking := `
scenario: {
	name:   "blocking"
	passes: 3
	regions: { r: {lo: 0, hi: 9} }
	ops: [
		{kind: "task", local: 1, blocking: true, reqs: [{region: "r", access: "write", fields: [0]}]},
	]
}
`
	path := writeScenario(t, blocking)
	_, err := execute(t, "run", path, "--require-replay")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestRunAndTraceCommands_RoundTrip(t *testing.T) {
	scnPath := writeScenario(t, pipelineCUE)
	dbPath := filepath.Join(t.TempDir(), "diag.db")

	_, err := execute(t, "run", scnPath, "--db", dbPath)
	require.NoError(t, err)

	out, err := execute(t, "trace", "list", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "scenario=pipeline")
	assert.Contains(t, out, "replayable=true")

	// Pull the run id out of the listing and show it.
	fields := bytes.Fields([]byte(out))
	require.NotEmpty(t, fields)
	runID := string(fields[0])

	shown, err := execute(t, "trace", "show", "--db", dbPath, runID)
	require.NoError(t, err)
	assert.Contains(t, shown, "scenario=pipeline")
	assert.Contains(t, shown, "template:")
	assert.Contains(t, shown, "complete_replay")
}

func TestTraceCommand_NoDatabase(t *testing.T) {
	_, err := execute(t, "trace", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "validate", "nope.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.ReplayParallelism)
	assert.Equal(t, 5, cfg.MaxNonreplayableWarning)
}

func TestLoadConfig_FromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("replay_parallelism: 4\nlog_level: info\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.ReplayParallelism)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5, cfg.MaxNonreplayableWarning, "unset keys keep defaults")
}

func TestLoadConfig_RejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("replay_parallelism: 0\n"), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
