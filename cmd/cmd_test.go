// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alitoori/marketbot/internal/observability"
	"github.com/alitoori/marketbot/internal/status"
)

func setupCmdTest(t *testing.T) {
	t.Helper()
	viper.Reset()
	observability.ResetForTest()
	// Keep test log output out of the repo tree.
	viper.Set("logger.log_file", filepath.Join(t.TempDir(), "test.log"))
	t.Cleanup(func() {
		viper.Reset()
		observability.ResetForTest()
	})
}

func writeStatusFixture(t *testing.T) string {
	t.Helper()
	reporter := status.NewReporter()
	reporter.SetSessionHealth("alice", "s1", status.HealthHealthy)
	reporter.SetConversation("alice", status.ConversationStatus{
		ID: "c1", State: "IDLE", Messages: 2, Turn: 1,
	})
	reporter.RecordRestart("bob")
	reporter.SetSessionHealth("bob", "s2", status.HealthDegraded)

	path := filepath.Join(t.TempDir(), "status.json")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, reporter.WriteJSON(f))
	require.NoError(t, f.Close())
	return path
}

func TestStatusCommandRendersSnapshot(t *testing.T) {
	setupCmdTest(t)
	path := writeStatusFixture(t)

	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs([]string{"status", "--file", path})

	require.NoError(t, rootCmd.ExecuteContext(context.Background()))

	output := out.String()
	assert.Contains(t, output, "alice")
	assert.Contains(t, output, "IDLE")
	assert.Contains(t, output, "c1")
	assert.Contains(t, output, "degraded")
}

func TestStatusCommandMissingFile(t *testing.T) {
	setupCmdTest(t)

	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs([]string{"status", "--file", filepath.Join(t.TempDir(), "absent.json")})

	err := rootCmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening status file")
}

func TestRunCommandRejectsMissingBaseURL(t *testing.T) {
	setupCmdTest(t)

	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs([]string{"run"})

	err := rootCmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser.base_url")
}

func TestWriteStatusFileIsAtomic(t *testing.T) {
	reporter := status.NewReporter()
	reporter.SetSessionHealth("alice", "s1", status.HealthHealthy)

	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, writeStatusFile(reporter, path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	snap, err := status.DecodeSnapshot(f)
	require.NoError(t, err)
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, "alice", snap.Sessions[0].IdentityID)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteStatusFileDisabledByEmptyPath(t *testing.T) {
	reporter := status.NewReporter()
	reporter.SetSessionHealth("alice", "s1", status.HealthHealthy)

	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	require.NoError(t, writeStatusFile(reporter, ""))

	// Nothing written anywhere, not even a temp file.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
