// internal/actions/runner_test.go
package actions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/QianFuv/ChatDevApi/internal/process"
	"github.com/stretchr/testify/require"
)

// fakeAct writes a shell script that records its pid and then hangs,
// standing in for a workflow run that never finishes
func fakeAct(t *testing.T, dir, pidFile string) string {
	t.Helper()

	script := filepath.Join(dir, "fake-act.sh")
	content := "#!/bin/sh\necho $$ > " + pidFile + "\nsleep 30\n"
	require.NoError(t, os.WriteFile(script, []byte(content), 0o755))
	return script
}

func TestRunWorkflowKillsProcessOnTimeout(t *testing.T) {
	projectDir := t.TempDir()
	pidFile := filepath.Join(t.TempDir(), "act.pid")

	supervisor := process.NewSupervisor(process.WithGracePeriod(200 * time.Millisecond))
	r, err := NewRunner(projectDir, fakeAct(t, t.TempDir(), pidFile), supervisor)
	require.NoError(t, err)
	require.NoError(t, r.SetupWorkflow(""))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err = r.RunWorkflow(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)

	// The tree teardown leaves nothing behind once the grace period ran out
	require.Eventually(t, func() bool {
		return syscall.Kill(pid, syscall.Signal(0)) != nil
	}, 3*time.Second, 50*time.Millisecond)
}

func TestRunWorkflowRequiresWorkflowFile(t *testing.T) {
	projectDir := t.TempDir()
	r, err := NewRunner(projectDir, "act", process.NewSupervisor())
	require.NoError(t, err)

	result, err := r.RunWorkflow(context.Background())
	require.Error(t, err)
	require.Equal(t, -1, result.ExitCode)
}
