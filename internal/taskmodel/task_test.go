package taskmodel

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCuteID(t *testing.T) {
	task := &Task{ID: uuid.MustParse("11111111-2222-3333-4444-555555555555"), Name: "sim"}
	assert.Equal(t, "[sim | 11111111]", task.CuteID())

	unnamed := &Task{ID: uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")}
	assert.Equal(t, "[aaaaaaaa]", unnamed.CuteID())
}

func TestWorkingDirectoryIsPureFunctionOfRootWorkflowNameID(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	task := &Task{ID: id, Name: "my sim", Workflow: "wf1"}
	task.SetWorkRoot("/data/balsam")

	got := task.WorkingDirectory()
	assert.Equal(t, "/data/balsam/wf1/my_sim_"+id.String(), got)

	// Two tasks with the same name but different ids never alias.
	other := &Task{ID: uuid.New(), Name: "my sim", Workflow: "wf1"}
	other.SetWorkRoot("/data/balsam")
	assert.NotEqual(t, got, other.WorkingDirectory())
}

func TestAppCmdPrefersNamedApplication(t *testing.T) {
	task := &Task{Application: "nwchem", ApplicationArgs: "--input a.in"}
	lookup := func(name string) (*ApplicationDefinition, error) {
		return &ApplicationDefinition{Name: name, Executable: "/opt/nwchem/bin/nwchem"}, nil
	}
	cmd, err := task.AppCmd(lookup)
	require.NoError(t, err)
	assert.Equal(t, "/opt/nwchem/bin/nwchem --input a.in", cmd)
}

func TestAppCmdFallsBackToDirectCommand(t *testing.T) {
	task := &Task{DirectCommand: "/bin/echo", ApplicationArgs: "hello"}
	cmd, err := task.AppCmd(func(string) (*ApplicationDefinition, error) { t.Fatal("lookup should not be called"); return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, "/bin/echo hello", cmd)
}

func TestParseEnvString(t *testing.T) {
	got, err := ParseEnvString("A=1:B=two:C=")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "two", "C": ""}, got)

	_, err = ParseEnvString("not-a-kv-pair")
	assert.Error(t, err)
}

func TestEnvInjectsJobIdentityAndFlags(t *testing.T) {
	parent := uuid.New()
	task := &Task{ID: uuid.New(), Parents: []uuid.UUID{parent}, ThreadsPerRank: 4, EnvironVars: "FOO=bar"}
	env, err := task.Env(true, false)
	require.NoError(t, err)
	assert.Equal(t, task.ID.String(), env["BALSAM_JOB_ID"])
	assert.Contains(t, env["BALSAM_PARENT_IDS"], parent.String())
	assert.Equal(t, "4", env["OMP_NUM_THREADS"])
	assert.Equal(t, "TRUE", env["BALSAM_JOB_TIMEOUT"])
	assert.NotContains(t, env, "BALSAM_JOB_ERROR")
	assert.Equal(t, "bar", env["FOO"])
}

func TestAppendHistoryAndRecentStateLine(t *testing.T) {
	task := &Task{}
	task.AppendHistory(StagedIn, "staged")
	task.AppendHistory(Preprocessed, "preprocessed")

	assert.True(t, strings.Contains(task.RecentStateLine(), string(Preprocessed)))
	assert.True(t, strings.Contains(task.RecentStateLine(), "preprocessed"))
}
