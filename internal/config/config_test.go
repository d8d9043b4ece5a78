package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg := Load("missing-config")

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5*time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Sweep.LockTTL)
	assert.Equal(t, 2*time.Hour, cfg.Matching.InvitationTTL)
	assert.Equal(t, int64(5), cfg.Matching.DefaultSubmissionFee)
	assert.Equal(t, 1.5, cfg.Matching.SurgeMultiplier)
	assert.Equal(t, "notifications:outbox", cfg.Notification.QueueKey)
	assert.False(t, cfg.Notification.Email.Enabled)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	yaml := []byte(`
port: 9000
sweep:
  interval: 1m
  batch_size: 20
matching:
  max_candidates: 3
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.yaml"), yaml, 0o644))
	t.Setenv("CONSULT_SWEEP_BATCH_SIZE", "40")

	cfg := Load("test")

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, 40, cfg.Sweep.BatchSize)
	assert.Equal(t, 3, cfg.Matching.MaxCandidates)
}

func TestPermissionListUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, p := range PermissionList {
		assert.False(t, seen[p.ID], "duplicate permission %s", p.ID)
		seen[p.ID] = true
	}
	assert.True(t, seen[PermSweepsRun])
}
