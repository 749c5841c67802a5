package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneblink/formsync/internal/config"
	"github.com/oneblink/formsync/internal/forms"
	"github.com/oneblink/formsync/internal/kvstore"
	"github.com/oneblink/formsync/internal/pending"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FORMSYNC_CONFIG", "")
	t.Setenv("FORMSYNC_ACCESS_TOKEN", "")
	t.Setenv("FORMSYNC_ACCESS_TOKEN_FILE", "")
	t.Setenv("FORMSYNC_CONNECTIVITY_URL", "")
	t.Setenv("FORMSYNC_STORAGE_DSN", "memory://")
	t.Cleanup(func() { jww.SetLogListeners() })
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "formsync", cmd.Use)

	for _, path := range [][]string{{"serve"}, {"drain"}, {"sync-drafts"}, {"queue", "list"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	t.Setenv("FORMSYNC_CONFIG", "/etc/formsync.yaml")
	cmd := newRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "/etc/formsync.yaml", configFlag.DefValue)

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)

	syncCmd, _, err := cmd.Find([]string{"sync-drafts"})
	require.NoError(t, err)
	assert.NotNil(t, syncCmd.Flags().Lookup("throw-error"))
}

func TestQueueListPrintsEmptyArray(t *testing.T) {
	isolateEnv(t)
	out, err := runCommand(t, "queue", "list")
	require.NoError(t, err)

	var items []forms.PendingFormSubmission
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestDrainWithEmptyQueue(t *testing.T) {
	isolateEnv(t)
	out, err := runCommand(t, "drain")
	require.NoError(t, err)

	var result pending.DrainResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, pending.DrainResult{}, result)
}

func TestInvalidConfigFails(t *testing.T) {
	isolateEnv(t)
	_, err := runCommand(t, "queue", "list", "--config", t.TempDir()+"/missing.yaml")
	require.Error(t, err)
}

func TestOpenBackend(t *testing.T) {
	cfg := config.Default()
	cfg.StorageDSN = "memory://"
	backend, err := openBackend(cfg)
	require.NoError(t, err)
	assert.IsType(t, &kvstore.MemoryBackend{}, backend)

	cfg.StorageDSN = t.TempDir()
	cfg.MinFreeDiskBytes = 1
	backend, err = openBackend(cfg)
	require.NoError(t, err)
	assert.IsType(t, &kvstore.FileBackend{}, backend)
}

func TestHasFreshEntry(t *testing.T) {
	assert.False(t, hasFreshEntry(nil))
	assert.False(t, hasFreshEntry([]forms.PendingFormSubmission{
		{PendingTimestamp: "a", IsSubmitting: true},
		{PendingTimestamp: "b", IsEditing: true},
		{PendingTimestamp: "c", Error: "rejected"},
	}))
	assert.True(t, hasFreshEntry([]forms.PendingFormSubmission{
		{PendingTimestamp: "c", Error: "rejected"},
		{PendingTimestamp: "d"},
	}))
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.2, 1); got != 0 {
		t.Fatalf("expected zero base to stay zero, got %s", got)
	}
}
