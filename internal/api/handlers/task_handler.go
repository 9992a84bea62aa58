// internal/api/handlers/task_handler.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/QianFuv/ChatDevApi/internal/models"
	"github.com/QianFuv/ChatDevApi/internal/runner"
	"github.com/QianFuv/ChatDevApi/internal/storage/leveldb"
	"github.com/QianFuv/ChatDevApi/internal/storage/postgres"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

type TaskHandler struct {
	db       *postgres.Client
	cache    *leveldb.Client
	runner   *runner.Runner
	validate *validator.Validate
}

func NewTaskHandler(db *postgres.Client, cache *leveldb.Client, r *runner.Runner) *TaskHandler {
	return &TaskHandler{
		db:       db,
		cache:    cache,
		runner:   r,
		validate: validator.New(),
	}
}

// Generate accepts a generation request, creates a PENDING task, and
// hands it to the lifecycle controller as an in-process background flow
func (h *TaskHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	req.ApplyDefaults()

	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	task, err := h.db.CreateTask(r.Context(), req)
	if err != nil {
		http.Error(w, "failed to create task", http.StatusInternalServerError)
		return
	}

	// Background execution is detached from the request context
	go h.runner.Run(context.Background(), task.ID)

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(models.TaskResponse{
		TaskID:    task.ID,
		Status:    task.Status,
		CreatedAt: task.CreatedAt,
	})
}

// GetStatus serves a task status query, reading terminal records
// through the cache
func (h *TaskHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}

	if cached, err := h.cache.Get(leveldb.TaskKey(taskID)); err == nil && cached != nil {
		var task models.Task
		if err := task.FromJSON(cached); err == nil {
			json.NewEncoder(w).Encode(models.StatusResponseFrom(&task))
			return
		}
	}

	task, err := h.db.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, postgres.ErrTaskNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to get task", http.StatusInternalServerError)
		return
	}

	if cacheable(task) {
		if data, err := task.ToJSON(); err == nil {
			if err := h.cache.Put(leveldb.TaskKey(taskID), data); err != nil {
				log.Printf("Warning: failed to cache task %d: %v", taskID, err)
			}
		}
	}

	json.NewEncoder(w).Encode(models.StatusResponseFrom(task))
}

// cacheable reports whether a record has stopped changing and can be
// served from cache from now on. A terminal status alone is not enough:
// a COMPLETED task that requested an APK build keeps mutating until the
// build sub-status resolves to BUILDED or BUILDFAILED.
func cacheable(task *models.Task) bool {
	if !task.Status.IsTerminal() {
		return false
	}
	if task.Status == models.TaskStatusCompleted && task.RequestData.BuildAPK {
		return task.ApkBuildStatus != nil && *task.ApkBuildStatus != models.BuildStatusBuilding
	}
	return true
}

// ListTasks serves a filtered task listing
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	status := models.TaskStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	tasks, err := h.db.ListTasks(r.Context(), status, limit, offset)
	if err != nil {
		http.Error(w, "failed to list tasks", http.StatusInternalServerError)
		return
	}

	responses := make([]models.TaskStatusResponse, 0, len(tasks))
	for _, task := range tasks {
		responses = append(responses, models.StatusResponseFrom(task))
	}

	json.NewEncoder(w).Encode(responses)
}

// CancelTask requests a best-effort cancellation. The precondition
// check against the store is best-effort, not transactional: the task
// may reach a terminal state between the check and the kill, in which
// case the store refuses the CANCELLED transition.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}

	task, err := h.db.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, postgres.ErrTaskNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to get task", http.StatusInternalServerError)
		return
	}

	if task.Status != models.TaskStatusPending && task.Status != models.TaskStatusRunning {
		http.Error(w, "task is not running or pending", http.StatusConflict)
		return
	}

	if !h.runner.Cancel(r.Context(), taskID) {
		http.Error(w, "no cancellable process for task", http.StatusConflict)
		return
	}

	if err := h.db.CancelTask(r.Context(), taskID, "Task cancelled by user request"); err != nil {
		if errors.Is(err, postgres.ErrTaskNotFound) {
			// Lost the race against the lifecycle flow, task went terminal
			http.Error(w, "task already finished", http.StatusConflict)
			return
		}
		http.Error(w, "failed to update task", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"task_id":   taskID,
		"cancelled": true,
	})
}

// DeleteTask removes a task record (administrative)
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}

	if err := h.db.DeleteTask(r.Context(), taskID); err != nil {
		if errors.Is(err, postgres.ErrTaskNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to delete task", http.StatusInternalServerError)
		return
	}

	if err := h.cache.Delete(leveldb.TaskKey(taskID)); err != nil {
		log.Printf("Warning: failed to evict task %d from cache: %v", taskID, err)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"task_id": taskID,
		"deleted": true,
	})
}

func parseTaskID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "taskID"), 10, 64)
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal >= 0 {
			return intVal
		}
	}
	return defaultValue
}
