// internal/runner/runner_test.go
package runner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/QianFuv/ChatDevApi/internal/config"
	"github.com/QianFuv/ChatDevApi/internal/models"
	"github.com/QianFuv/ChatDevApi/internal/process"
	"github.com/QianFuv/ChatDevApi/internal/storage/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store that mirrors the record store's
// transition guards: terminal records are never overwritten.
type fakeStore struct {
	mu    sync.Mutex
	tasks map[int64]*models.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[int64]*models.Task)}
}

func (s *fakeStore) add(task *models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
}

func (s *fakeStore) get(id int64) models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tasks[id]
}

func (s *fakeStore) GetTask(_ context.Context, id int64) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, postgres.ErrTaskNotFound
	}
	copied := *task
	return &copied, nil
}

func (s *fakeStore) MarkRunning(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || task.Status != models.TaskStatusPending {
		return postgres.ErrTaskNotFound
	}
	task.Status = models.TaskStatusRunning
	return nil
}

func (s *fakeStore) SetProcessID(_ context.Context, id int64, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return postgres.ErrTaskNotFound
	}
	task.ProcessID = &pid
	return nil
}

func (s *fakeStore) CompleteTask(_ context.Context, id int64, resultPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || task.Status.IsTerminal() {
		return postgres.ErrTaskNotFound
	}
	task.Status = models.TaskStatusCompleted
	task.ResultPath = &resultPath
	task.ProcessID = nil
	return nil
}

func (s *fakeStore) FailTask(_ context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || task.Status.IsTerminal() {
		return postgres.ErrTaskNotFound
	}
	task.Status = models.TaskStatusFailed
	task.ErrorMessage = &errMsg
	task.ProcessID = nil
	return nil
}

func (s *fakeStore) SetBuildStatus(_ context.Context, id int64, status models.BuildStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return postgres.ErrTaskNotFound
	}
	task.ApkBuildStatus = &status
	return nil
}

func (s *fakeStore) SetArtifactPath(_ context.Context, id int64, artifactPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return postgres.ErrTaskNotFound
	}
	task.ArtifactPath = &artifactPath
	return nil
}

func (s *fakeStore) AppendError(_ context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return postgres.ErrTaskNotFound
	}
	if task.ErrorMessage == nil || *task.ErrorMessage == "" {
		task.ErrorMessage = &errMsg
	} else {
		joined := *task.ErrorMessage + "\n" + errMsg
		task.ErrorMessage = &joined
	}
	return nil
}

func testConfig(t *testing.T, engineCommand string) *config.Config {
	t.Helper()
	return &config.Config{
		Engine: config.EngineConfig{
			Command: engineCommand,
			Script:  "run.py",
		},
		Warehouse: config.WarehouseConfig{Dir: t.TempDir()},
		Build:     config.BuildConfig{ActCommand: "act", TimeoutMin: 1},
	}
}

func testRequest(buildAPK bool) models.GenerateRequest {
	return models.GenerateRequest{
		APIKey:   "sk-test",
		Task:     "build a todo app",
		Name:     "Todo",
		Config:   "Default",
		Org:      "Acme",
		Model:    "CLAUDE_3_5_SONNET",
		BuildAPK: buildAPK,
	}
}

func newTestRunner(cfg *config.Config, store Store) *Runner {
	return NewRunner(cfg, store, nil, process.NewSupervisor(process.WithGracePeriod(500*time.Millisecond)))
}

// scriptCommand writes an executable shell script and returns its path
func scriptCommand(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestRunTaskNotFound(t *testing.T) {
	store := newFakeStore()
	r := newTestRunner(testConfig(t, "/bin/true"), store)

	// Missing record is abandoned without creating anything
	r.Run(context.Background(), 42)

	_, err := store.GetTask(context.Background(), 42)
	assert.ErrorIs(t, err, postgres.ErrTaskNotFound)
}

func TestRunCompletesTask(t *testing.T) {
	store := newFakeStore()
	store.add(&models.Task{ID: 1, Status: models.TaskStatusPending, RequestData: testRequest(false)})

	cfg := testConfig(t, scriptCommand(t, "exit 0"))
	r := newTestRunner(cfg, store)

	r.Run(context.Background(), 1)

	task := store.get(1)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	require.NotNil(t, task.ResultPath)
	assert.Contains(t, *task.ResultPath, "Todo_Acme_")
	assert.Nil(t, task.ProcessID)
	assert.Nil(t, task.ApkBuildStatus, "build_apk=false must never set a build sub-status")
}

func TestRunFailedTaskCapturesStderr(t *testing.T) {
	store := newFakeStore()
	store.add(&models.Task{ID: 1, Status: models.TaskStatusPending, RequestData: testRequest(false)})

	cfg := testConfig(t, scriptCommand(t, "echo boom >&2; exit 2"))
	r := newTestRunner(cfg, store)

	r.Run(context.Background(), 1)

	task := store.get(1)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, "boom")
	assert.Nil(t, task.ResultPath)
	assert.Nil(t, task.ProcessID)
}

func TestRunFailedTaskFallsBackToStdout(t *testing.T) {
	store := newFakeStore()
	store.add(&models.Task{ID: 1, Status: models.TaskStatusPending, RequestData: testRequest(false)})

	cfg := testConfig(t, scriptCommand(t, "echo only-stdout; exit 1"))
	r := newTestRunner(cfg, store)

	r.Run(context.Background(), 1)

	task := store.get(1)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, "only-stdout")
}

func TestRunSpawnErrorFailsTask(t *testing.T) {
	store := newFakeStore()
	store.add(&models.Task{ID: 1, Status: models.TaskStatusPending, RequestData: testRequest(false)})

	cfg := testConfig(t, "/nonexistent/engine-binary")
	r := newTestRunner(cfg, store)

	r.Run(context.Background(), 1)

	task := store.get(1)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.NotEmpty(t, *task.ErrorMessage)
}

func TestRunDoesNotOverwriteCancelledTask(t *testing.T) {
	store := newFakeStore()
	store.add(&models.Task{ID: 1, Status: models.TaskStatusCancelled, RequestData: testRequest(false)})

	cfg := testConfig(t, scriptCommand(t, "exit 1"))
	r := newTestRunner(cfg, store)

	// MarkRunning refuses the PENDING->RUNNING edge, the record stays terminal
	r.Run(context.Background(), 1)

	assert.Equal(t, models.TaskStatusCancelled, store.get(1).Status)
}

func TestFailRespectsTerminalState(t *testing.T) {
	store := newFakeStore()
	store.add(&models.Task{ID: 1, Status: models.TaskStatusCancelled, RequestData: testRequest(false)})

	r := newTestRunner(testConfig(t, "/bin/true"), store)
	r.fail(context.Background(), 1, "late failure")

	task := store.get(1)
	assert.Equal(t, models.TaskStatusCancelled, task.Status)
	assert.Nil(t, task.ErrorMessage)
}

func TestResultPathConvention(t *testing.T) {
	cfg := testConfig(t, "/bin/true")
	cfg.Warehouse.Dir = "WareHouse"
	r := newTestRunner(cfg, newFakeStore())
	r.now = func() time.Time {
		return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	}

	got := r.resultPath("Todo", "Acme", r.now().Format("20060102_150405"))
	assert.Equal(t, filepath.Join("WareHouse", "Todo_Acme_20240101_120000"), got)
}

func TestCommandSpecKeepsCredentialOutOfArgs(t *testing.T) {
	cfg := testConfig(t, "python3")
	r := newTestRunner(cfg, newFakeStore())

	req := testRequest(false)
	req.BaseURL = "https://alt.example.com/v1"
	req.Path = "/tmp/incremental"
	spec := r.commandSpec(req)

	assert.Equal(t, "python3", spec.Path)
	assert.Equal(t, []string{
		"run.py",
		"--task", "build a todo app",
		"--name", "Todo",
		"--config", "Default",
		"--org", "Acme",
		"--model", "CLAUDE_3_5_SONNET",
		"--path", "/tmp/incremental",
	}, spec.Args)

	assert.NotContains(t, spec.Args, "sk-test")
	assert.Contains(t, spec.Env, "OPENAI_API_KEY=sk-test")
	assert.Contains(t, spec.Env, "BASE_URL=https://alt.example.com/v1")
	assert.Contains(t, spec.Env, "PYTHONIOENCODING=utf-8")
}

func TestCommandSpecOmitsOptionalPath(t *testing.T) {
	r := newTestRunner(testConfig(t, "python3"), newFakeStore())

	spec := r.commandSpec(testRequest(false))

	assert.NotContains(t, spec.Args, "--path")
	assert.NotContains(t, spec.Env, "BASE_URL=")
}

func TestCancelWithoutProcessID(t *testing.T) {
	store := newFakeStore()
	store.add(&models.Task{ID: 1, Status: models.TaskStatusPending, RequestData: testRequest(false)})

	r := newTestRunner(testConfig(t, "/bin/true"), store)

	assert.False(t, r.Cancel(context.Background(), 1))
	assert.Equal(t, models.TaskStatusPending, store.get(1).Status)
}

func TestCancelUnknownTask(t *testing.T) {
	r := newTestRunner(testConfig(t, "/bin/true"), newFakeStore())
	assert.False(t, r.Cancel(context.Background(), 99))
}

func TestConcurrentCancelOnCompletedTask(t *testing.T) {
	store := newFakeStore()
	store.add(&models.Task{ID: 1, Status: models.TaskStatusCompleted, RequestData: testRequest(false)})

	r := newTestRunner(testConfig(t, "/bin/true"), store)

	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- r.Cancel(context.Background(), 1)
		}()
	}

	assert.False(t, <-results)
	assert.False(t, <-results)
	assert.Equal(t, models.TaskStatusCompleted, store.get(1).Status)
}

func TestRunWithBuildMarksBuildFailedWhenProjectMissing(t *testing.T) {
	store := newFakeStore()
	store.add(&models.Task{ID: 1, Status: models.TaskStatusPending, RequestData: testRequest(true)})

	// Generation succeeds but the warehouse holds no project directory,
	// so the build sub-flow fails without demoting the task
	cfg := testConfig(t, scriptCommand(t, "exit 0"))
	r := newTestRunner(cfg, store)

	r.Run(context.Background(), 1)

	task := store.get(1)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	require.NotNil(t, task.ApkBuildStatus)
	assert.Equal(t, models.BuildStatusBuildFailed, *task.ApkBuildStatus)
	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, "Generation succeeded but APK build failed")
	assert.Nil(t, task.ArtifactPath)
}

func TestBuildFailureAppendsError(t *testing.T) {
	store := newFakeStore()
	existing := "earlier diagnostic"
	store.add(&models.Task{
		ID:           1,
		Status:       models.TaskStatusCompleted,
		ErrorMessage: &existing,
		RequestData:  testRequest(true),
	})

	r := newTestRunner(testConfig(t, "/bin/true"), store)
	r.buildFailed(context.Background(), 1, "act exploded")

	task := store.get(1)
	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, "earlier diagnostic")
	assert.Contains(t, *task.ErrorMessage, "act exploded")
}
