// internal/actions/runner.go

// Package actions runs GitHub Actions workflows locally through the
// 'act' CLI to package generated projects into APK artifacts, and
// harvests the build outputs.
package actions

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/QianFuv/ChatDevApi/internal/process"
)

// DefaultWorkflow is written into projects that carry no workflow
// definition of their own.
const DefaultWorkflow = `name: Flet App Build
on:
  workflow_dispatch:

jobs:
  build:
    runs-on: ubuntu-latest
    steps:
      - uses: actions/checkout@v4
      - uses: actions/setup-python@v5
        with:
          python-version: '3.12'
      - name: Install dependencies
        run: |
          pip install poetry
          poetry install
      - name: Install Flutter
        uses: flutter-actions/setup-flutter@v4
        with:
          channel: stable
      - name: Build APK
        run: |
          poetry run flet build apk
      - name: Upload artifacts
        uses: actions/upload-artifact@v4
        with:
          path: build/apk
`

// Runner executes a workflow against one project directory
type Runner struct {
	projectDir   string
	workflowsDir string
	actCommand   string
	supervisor   *process.Supervisor
}

// NewRunner creates a workflow runner for the given project directory.
// The directory must exist.
func NewRunner(projectDir, actCommand string, supervisor *process.Supervisor) (*Runner, error) {
	info, err := os.Stat(projectDir)
	if err != nil {
		return nil, fmt.Errorf("project directory does not exist: %s", projectDir)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", projectDir)
	}

	return &Runner{
		projectDir:   projectDir,
		workflowsDir: filepath.Join(projectDir, ".github", "workflows"),
		actCommand:   actCommand,
		supervisor:   supervisor,
	}, nil
}

// CheckInstalled verifies the act CLI is available on PATH
func (r *Runner) CheckInstalled(ctx context.Context) error {
	handle, err := r.supervisor.Spawn(process.Spec{
		Path: r.actCommand,
		Args: []string{"--version"},
	})
	if err != nil {
		return fmt.Errorf("act is not installed or not in PATH: %w", err)
	}

	result, err := handle.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			r.supervisor.Cancel(handle.PID())
		}
		return fmt.Errorf("act version check failed: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("act version check exited with code %d", result.ExitCode)
	}

	log.Printf("Act version: %s", strings.TrimSpace(result.Stdout))
	return nil
}

// SetupWorkflow writes the workflow definition into the project.
// An empty content falls back to the default build workflow.
func (r *Runner) SetupWorkflow(content string) error {
	if err := os.MkdirAll(r.workflowsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create workflows directory: %w", err)
	}

	if content == "" {
		content = DefaultWorkflow
	}

	workflowPath := filepath.Join(r.workflowsDir, "build.yml")
	if err := os.WriteFile(workflowPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write workflow file: %w", err)
	}

	log.Printf("Setup workflow at %s", workflowPath)
	return nil
}

// RunWorkflow executes the build workflow through act and returns the
// exit code with captured output. A zero exit code signals success.
func (r *Runner) RunWorkflow(ctx context.Context) (process.Result, error) {
	workflowPath := filepath.Join(r.workflowsDir, "build.yml")
	if _, err := os.Stat(workflowPath); err != nil {
		return process.Result{ExitCode: -1}, fmt.Errorf("workflow build.yml does not exist")
	}

	args := []string{
		"workflow_dispatch",
		"-W", workflowPath,
		"--artifact-server-path", ".artifacts",
	}

	log.Printf("Running workflow: %s %s", r.actCommand, strings.Join(args, " "))

	handle, err := r.supervisor.Spawn(process.Spec{
		Path: r.actCommand,
		Args: args,
		Dir:  r.projectDir,
	})
	if err != nil {
		return process.Result{ExitCode: -1}, err
	}

	result, err := handle.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Wait gave up on the context, but the workflow process is
			// still running and must not outlive the build attempt
			r.supervisor.Cancel(handle.PID())
		}
		return result, err
	}

	if result.ExitCode != 0 {
		log.Printf("Workflow execution failed: %s", result.Stderr)
	} else {
		log.Printf("Workflow execution successful")
	}

	return result, nil
}
