package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/config"
)

func memoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "development")
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("SESSION_AUTOSAVE", "false")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func decodeLines(t *testing.T, out string) []simulationLine {
	t.Helper()
	var lines []simulationLine
	sc := bufio.NewScanner(bytes.NewBufferString(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var l simulationLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l), sc.Text())
		lines = append(lines, l)
	}
	require.NoError(t, sc.Err())
	return lines
}

func countOps(lines []simulationLine, op string, success bool) int {
	n := 0
	for _, l := range lines {
		if l.Op == op && l.Result.Success == success {
			n++
		}
	}
	return n
}

func TestSimulateCompletesTraining(t *testing.T) {
	memoryEnv(t)

	out, err := execute(t, "simulate", "--learner", "alice", "--session", "sim-1")
	require.NoError(t, err)

	lines := decodeLines(t, out)
	require.NotEmpty(t, lines)
	assert.Equal(t, "open", lines[0].Op)
	assert.True(t, lines[0].Result.Success)

	assert.Equal(t, 5, countOps(lines, "start_step", true))
	assert.Equal(t, 5, countOps(lines, "validate_step", true))

	last := lines[len(lines)-1]
	assert.Equal(t, "close", last.Op)
	assert.True(t, last.Result.Success)

	compliance := lines[len(lines)-2]
	assert.Equal(t, "compliance", compliance.Op)
	assert.True(t, compliance.Result.Success, compliance.Result.Message)
}

func TestSimulateLowScoreStopsAtFirstCheckpoint(t *testing.T) {
	memoryEnv(t)

	out, err := execute(t, "simulate", "--score", "10", "--log-level", "error")
	require.NoError(t, err)

	lines := decodeLines(t, out)
	assert.Equal(t, 1, countOps(lines, "start_step", true))
	assert.Equal(t, 1, countOps(lines, "validate_step", false))
	assert.Zero(t, countOps(lines, "validate_step", true))

	for _, l := range lines {
		if l.Op == "compliance" {
			assert.False(t, l.Result.Success)
		}
	}
}

func TestSimulateRejectsUnknownWeighting(t *testing.T) {
	memoryEnv(t)
	t.Setenv("TRAINING_WEIGHTING", "lottery")

	_, err := execute(t, "simulate")
	require.Error(t, err)
}

func TestMigrateNeedsDatabase(t *testing.T) {
	memoryEnv(t)

	_, err := execute(t, "migrate", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no schema")
}

func TestMigrateSQLite(t *testing.T) {
	memoryEnv(t)
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", t.TempDir()+"/trainer.db")

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "up to date")

	_, err = execute(t, "migrate", "down")
	require.Error(t, err)
}

func TestPoliciesFromConfig(t *testing.T) {
	p, err := policies(config.TrainingConfig{
		Weighting:           "equal",
		ComplianceFloor:     60,
		AllowBackNavigation: false,
		AllowSkip:           true,
		MinimumMinutes:      30,
		MinimumAverageScore: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, 60, p.ComplianceFloor)
	assert.True(t, p.Navigation.AllowSkip)
	assert.False(t, p.Navigation.AllowBackNavigation)
	assert.Equal(t, 30, p.Compliance.MinimumMinutes)
	assert.InDelta(t, 50.0, p.Compliance.MinimumAverageScore, 0.001)

	_, err = policies(config.TrainingConfig{Weighting: "nope"})
	assert.Error(t, err)
}

func TestMaintenanceJobs(t *testing.T) {
	memoryEnv(t)
	cfg, err := config.Load()
	require.NoError(t, err)

	rt, err := buildRuntime(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer rt.close()

	jobs, err := maintenanceJobs(rt)
	require.NoError(t, err)

	names := []string{}
	for _, j := range jobs.Jobs() {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{"health_probe", "session_sweep"}, names)

	for _, name := range names {
		res, err := jobs.RunNow(context.Background(), name)
		require.NoError(t, err)
		assert.True(t, res.Success, res.Error)
	}
}
