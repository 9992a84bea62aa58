// internal/runner/runner.go

// Package runner drives generation tasks through their lifecycle:
// PENDING -> RUNNING -> {COMPLETED, FAILED, CANCELLED}, with the
// optional APK build sub-flow after completion. One Run invocation
// owns one task record end-to-end.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/QianFuv/ChatDevApi/internal/actions"
	"github.com/QianFuv/ChatDevApi/internal/config"
	"github.com/QianFuv/ChatDevApi/internal/models"
	"github.com/QianFuv/ChatDevApi/internal/process"
	"github.com/QianFuv/ChatDevApi/internal/storage/postgres"
	"github.com/google/uuid"
)

// Store is the slice of the record store the lifecycle controller
// mutates. *postgres.Client implements it.
type Store interface {
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	MarkRunning(ctx context.Context, id int64) error
	SetProcessID(ctx context.Context, id int64, pid int) error
	CompleteTask(ctx context.Context, id int64, resultPath string) error
	FailTask(ctx context.Context, id int64, errMsg string) error
	SetBuildStatus(ctx context.Context, id int64, status models.BuildStatus) error
	SetArtifactPath(ctx context.Context, id int64, artifactPath string) error
	AppendError(ctx context.Context, id int64, errMsg string) error
}

// EventPublisher emits lifecycle events. May be left nil to disable events.
type EventPublisher interface {
	PublishTaskEvent(ctx context.Context, event *models.TaskEvent) error
}

// Runner is the task lifecycle controller
type Runner struct {
	id         string
	config     *config.Config
	db         Store
	events     EventPublisher
	supervisor *process.Supervisor
	now        func() time.Time
}

func NewRunner(cfg *config.Config, db Store, events EventPublisher, supervisor *process.Supervisor) *Runner {
	return &Runner{
		id:         uuid.New().String(),
		config:     cfg,
		db:         db,
		events:     events,
		supervisor: supervisor,
		now:        time.Now,
	}
}

// Run executes the generation task with the given id to a terminal
// state. Every failure path still lands the record in a queryable
// terminal status; nothing escapes silently.
func (r *Runner) Run(ctx context.Context, taskID int64) {
	task, err := r.db.GetTask(ctx, taskID)
	if err != nil {
		// The record store is the source of truth at entry: a missing
		// record is logged and abandoned, there is nothing to update.
		log.Printf("Runner %s: task %d not found, abandoning: %v", r.id, taskID, err)
		return
	}

	if err := r.db.MarkRunning(ctx, taskID); err != nil {
		log.Printf("Runner %s: task %d could not move to RUNNING: %v", r.id, taskID, err)
		return
	}
	r.publishEvent(taskID, models.TaskStatusRunning, nil, "")

	req := task.RequestData
	result, runErr := r.runGeneration(ctx, taskID, req)

	if runErr != nil {
		r.fail(ctx, taskID, runErr.Error())
		return
	}

	if result.ExitCode != 0 {
		// Prefer stderr for the diagnostic, fall back to stdout
		errMsg := result.Stderr
		if errMsg == "" {
			errMsg = result.Stdout
		}
		r.fail(ctx, taskID, errMsg)
		return
	}

	// Timestamp taken at the moment the engine reports success, not at
	// task creation. The engine's real output directory may drift from
	// this derived path; the engine does not report its path back.
	timestamp := r.now().Format("20060102_150405")
	resultPath := r.resultPath(req.Name, req.Org, timestamp)

	if err := r.db.CompleteTask(ctx, taskID, resultPath); err != nil {
		log.Printf("Runner %s: task %d could not move to COMPLETED: %v", r.id, taskID, err)
		return
	}
	r.publishEvent(taskID, models.TaskStatusCompleted, nil, resultPath)

	if req.BuildAPK {
		r.runAPKBuild(ctx, taskID, req, timestamp)
	}
}

// runGeneration spawns the generation engine and waits for it to exit.
// The pid is persisted immediately after spawn so a concurrent
// cancellation request has a target while the engine is still starting.
func (r *Runner) runGeneration(ctx context.Context, taskID int64, req models.GenerateRequest) (process.Result, error) {
	handle, err := r.supervisor.Spawn(r.commandSpec(req))
	if err != nil {
		return process.Result{ExitCode: -1}, err
	}

	if err := r.db.SetProcessID(ctx, taskID, handle.PID()); err != nil {
		log.Printf("Runner %s: task %d could not persist pid %d: %v", r.id, taskID, handle.PID(), err)
	}

	return handle.Wait(ctx)
}

// commandSpec builds the engine invocation. Arguments are a structured
// list, never a shell string, and the credential travels in the
// environment so it stays out of process listings.
func (r *Runner) commandSpec(req models.GenerateRequest) process.Spec {
	args := []string{
		r.config.Engine.Script,
		"--task", req.Task,
		"--name", req.Name,
		"--config", req.Config,
		"--org", req.Org,
		"--model", req.Model,
	}
	if req.Path != "" {
		args = append(args, "--path", req.Path)
	}

	env := append(os.Environ(),
		"OPENAI_API_KEY="+req.APIKey,
		"PYTHONIOENCODING=utf-8",
	)
	if req.BaseURL != "" {
		env = append(env, "BASE_URL="+req.BaseURL)
	}

	return process.Spec{
		Path: r.config.Engine.Command,
		Args: args,
		Env:  env,
		Dir:  r.config.Engine.WorkingDir,
	}
}

// resultPath derives the output location from the documented naming
// convention: <warehouse>/<name>_<org>_<YYYYMMDD_HHMMSS>
func (r *Runner) resultPath(name, org, timestamp string) string {
	return filepath.Join(r.config.Warehouse.Dir, fmt.Sprintf("%s_%s_%s", name, org, timestamp))
}

// fail moves the task to FAILED. The store never overwrites a terminal
// record, so a task cancelled mid-flight stays CANCELLED even though the
// killed subprocess surfaces here with a non-zero exit.
func (r *Runner) fail(ctx context.Context, taskID int64, errMsg string) {
	if err := r.db.FailTask(ctx, taskID, errMsg); err != nil {
		if errors.Is(err, postgres.ErrTaskNotFound) {
			log.Printf("Runner %s: task %d already terminal, FAILED not recorded", r.id, taskID)
			return
		}
		log.Printf("Runner %s: task %d could not move to FAILED: %v", r.id, taskID, err)
		return
	}
	r.publishEvent(taskID, models.TaskStatusFailed, nil, errMsg)
}

// runAPKBuild performs the secondary build step after a successful
// generation. A build failure never demotes the task out of COMPLETED;
// it is recorded on the independent sub-status with an appended note.
func (r *Runner) runAPKBuild(ctx context.Context, taskID int64, req models.GenerateRequest, timestamp string) {
	if err := r.db.SetBuildStatus(ctx, taskID, models.BuildStatusBuilding); err != nil {
		log.Printf("Runner %s: task %d could not set BUILDING: %v", r.id, taskID, err)
		return
	}
	r.publishEvent(taskID, models.TaskStatusCompleted, buildStatusPtr(models.BuildStatusBuilding), "")

	buildCtx, cancel := context.WithTimeout(ctx, time.Duration(r.config.Build.TimeoutMin)*time.Minute)
	defer cancel()

	artifact, err := r.executeBuild(buildCtx, req, timestamp)
	if err != nil {
		r.buildFailed(ctx, taskID, err.Error())
		return
	}

	if err := r.db.SetArtifactPath(ctx, taskID, artifact); err != nil {
		log.Printf("Runner %s: task %d could not record artifact path: %v", r.id, taskID, err)
	}
	if err := r.db.SetBuildStatus(ctx, taskID, models.BuildStatusBuilded); err != nil {
		log.Printf("Runner %s: task %d could not set BUILDED: %v", r.id, taskID, err)
		return
	}
	r.publishEvent(taskID, models.TaskStatusCompleted, buildStatusPtr(models.BuildStatusBuilded), artifact)
}

// executeBuild locates the generated project, runs the workflow, and
// returns the path of the first collected artifact
func (r *Runner) executeBuild(ctx context.Context, req models.GenerateRequest, timestamp string) (string, error) {
	projectDir := actions.FindProjectDir(r.config.Warehouse.Dir, req.Name, req.Org, timestamp)
	if projectDir == "" {
		return "", fmt.Errorf("generated project for %s not found in warehouse", req.Name)
	}

	if err := actions.PrepareProject(projectDir); err != nil {
		return "", err
	}

	workflow, err := actions.NewRunner(projectDir, r.config.Build.ActCommand, r.supervisor)
	if err != nil {
		return "", err
	}

	if err := workflow.CheckInstalled(ctx); err != nil {
		return "", err
	}

	if err := workflow.SetupWorkflow(""); err != nil {
		return "", err
	}

	result, err := workflow.RunWorkflow(ctx)
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		errMsg := result.Stderr
		if errMsg == "" {
			errMsg = result.Stdout
		}
		return "", fmt.Errorf("workflow execution failed: %s", errMsg)
	}

	artifacts := workflow.CollectArtifacts()
	if len(artifacts) == 0 {
		return "", fmt.Errorf("workflow succeeded but produced no APK artifacts")
	}

	// Deterministic pick when the workflow produced several APKs
	names := make([]string, 0, len(artifacts))
	for name := range artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	return artifacts[names[0]], nil
}

// buildFailed records a build failure without masking the generation
// success: the task stays COMPLETED and the note is appended, never
// overwriting the existing diagnostic.
func (r *Runner) buildFailed(ctx context.Context, taskID int64, errMsg string) {
	note := "Generation succeeded but APK build failed: " + errMsg
	if err := r.db.AppendError(ctx, taskID, note); err != nil {
		log.Printf("Runner %s: task %d could not append build error: %v", r.id, taskID, err)
	}
	if err := r.db.SetBuildStatus(ctx, taskID, models.BuildStatusBuildFailed); err != nil {
		log.Printf("Runner %s: task %d could not set BUILDFAILED: %v", r.id, taskID, err)
		return
	}
	r.publishEvent(taskID, models.TaskStatusCompleted, buildStatusPtr(models.BuildStatusBuildFailed), errMsg)
}

// Cancel performs a best-effort termination of the task's generation
// subprocess. Returns false when the task has no recorded pid (already
// finished or never started) or the process is already gone; the caller
// owns the status transition to CANCELLED.
func (r *Runner) Cancel(ctx context.Context, taskID int64) bool {
	task, err := r.db.GetTask(ctx, taskID)
	if err != nil {
		return false
	}
	if task.ProcessID == nil {
		return false
	}
	return r.supervisor.Cancel(*task.ProcessID)
}

func (r *Runner) publishEvent(taskID int64, status models.TaskStatus, buildStatus *models.BuildStatus, detail string) {
	if r.events == nil {
		return
	}

	event := models.NewTaskEvent(taskID, status)
	event.ApkBuildStatus = buildStatus
	event.Detail = detail

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.events.PublishTaskEvent(ctx, event); err != nil {
		log.Printf("Runner %s: failed to publish event for task %d: %v", r.id, taskID, err)
	}
}

func buildStatusPtr(s models.BuildStatus) *models.BuildStatus {
	return &s
}
