// internal/storage/postgres/client.go
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/QianFuv/ChatDevApi/internal/config"
	"github.com/QianFuv/ChatDevApi/internal/models"
	_ "github.com/lib/pq"
)

// ErrTaskNotFound is returned when a task id does not resolve to a record.
// Callers must never conflate this with an execution failure.
var ErrTaskNotFound = errors.New("task not found")

type Client struct {
	db *sql.DB
}

func NewClient(cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

// EnsureSchema creates the tasks table when it does not exist yet
func (c *Client) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS tasks (
			id               BIGSERIAL PRIMARY KEY,
			status           TEXT NOT NULL,
			apk_build_status TEXT,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			request_data     JSONB NOT NULL,
			result_path      TEXT,
			artifact_path    TEXT,
			error_message    TEXT,
			process_id       INTEGER
		)`

	_, err := c.db.ExecContext(ctx, query)
	return err
}

// CreateTask inserts a new PENDING task record and assigns its id
func (c *Client) CreateTask(ctx context.Context, req models.GenerateRequest) (*models.Task, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request data: %w", err)
	}

	query := `
		INSERT INTO tasks (status, request_data, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		RETURNING id, created_at, updated_at`

	task := &models.Task{
		Status:      models.TaskStatusPending,
		RequestData: req,
	}

	err = c.db.QueryRowContext(ctx, query, models.TaskStatusPending, data).Scan(
		&task.ID,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	return task, nil
}

// GetTask fetches a task record by id
func (c *Client) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	query := `
		SELECT id, status, apk_build_status, created_at, updated_at,
		       request_data, result_path, artifact_path, error_message, process_id
		FROM tasks
		WHERE id = $1`

	return c.scanTask(c.db.QueryRowContext(ctx, query, id))
}

// ListTasks returns task records, newest first, optionally filtered by status
func (c *Client) ListTasks(ctx context.Context, status models.TaskStatus, limit, offset int) ([]*models.Task, error) {
	query := `
		SELECT id, status, apk_build_status, created_at, updated_at,
		       request_data, result_path, artifact_path, error_message, process_id
		FROM tasks
		WHERE ($1 = '' OR status = $1)
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`

	rows, err := c.db.QueryContext(ctx, query, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := c.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// MarkRunning moves a task to RUNNING. Only legal from PENDING.
func (c *Client) MarkRunning(ctx context.Context, id int64) error {
	query := `
		UPDATE tasks
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`

	return c.execExpectingRow(ctx, query, models.TaskStatusRunning, id, models.TaskStatusPending)
}

// SetProcessID records the generation subprocess pid. Persisted immediately
// after spawn so a concurrent cancellation request has a target.
func (c *Client) SetProcessID(ctx context.Context, id int64, pid int) error {
	query := `
		UPDATE tasks
		SET process_id = $1, updated_at = NOW()
		WHERE id = $2`

	return c.execExpectingRow(ctx, query, pid, id)
}

// CompleteTask moves a task to COMPLETED with its result path and clears
// the pid. Terminal records are never overwritten.
func (c *Client) CompleteTask(ctx context.Context, id int64, resultPath string) error {
	query := `
		UPDATE tasks
		SET status = $1, result_path = $2, process_id = NULL, updated_at = NOW()
		WHERE id = $3 AND status NOT IN ($4, $5, $6)`

	return c.execExpectingRow(ctx, query,
		models.TaskStatusCompleted,
		resultPath,
		id,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
		models.TaskStatusCancelled,
	)
}

// FailTask moves a task to FAILED with a diagnostic and clears the pid.
// Terminal records are never overwritten, so a task that was cancelled
// while its subprocess died stays CANCELLED.
func (c *Client) FailTask(ctx context.Context, id int64, errMsg string) error {
	query := `
		UPDATE tasks
		SET status = $1, error_message = $2, process_id = NULL, updated_at = NOW()
		WHERE id = $3 AND status NOT IN ($4, $5, $6)`

	return c.execExpectingRow(ctx, query,
		models.TaskStatusFailed,
		errMsg,
		id,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
		models.TaskStatusCancelled,
	)
}

// CancelTask moves a task to CANCELLED with a note and clears the pid.
// Only legal from PENDING or RUNNING.
func (c *Client) CancelTask(ctx context.Context, id int64, note string) error {
	query := `
		UPDATE tasks
		SET status = $1, error_message = $2, process_id = NULL, updated_at = NOW()
		WHERE id = $3 AND status IN ($4, $5)`

	return c.execExpectingRow(ctx, query,
		models.TaskStatusCancelled,
		note,
		id,
		models.TaskStatusPending,
		models.TaskStatusRunning,
	)
}

// SetBuildStatus updates the APK build sub-status
func (c *Client) SetBuildStatus(ctx context.Context, id int64, status models.BuildStatus) error {
	query := `
		UPDATE tasks
		SET apk_build_status = $1, updated_at = NOW()
		WHERE id = $2`

	return c.execExpectingRow(ctx, query, status, id)
}

// SetArtifactPath records the APK build output location
func (c *Client) SetArtifactPath(ctx context.Context, id int64, artifactPath string) error {
	query := `
		UPDATE tasks
		SET artifact_path = $1, updated_at = NOW()
		WHERE id = $2`

	return c.execExpectingRow(ctx, query, artifactPath, id)
}

// AppendError appends a diagnostic to error_message without discarding
// whatever is already recorded there
func (c *Client) AppendError(ctx context.Context, id int64, errMsg string) error {
	query := `
		UPDATE tasks
		SET error_message = CASE
			WHEN error_message IS NULL OR error_message = '' THEN $1
			ELSE error_message || E'\n' || $1
		END,
		updated_at = NOW()
		WHERE id = $2`

	return c.execExpectingRow(ctx, query, errMsg, id)
}

// DeleteTask removes a task record (administrative use only)
func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	query := `DELETE FROM tasks WHERE id = $1`
	return c.execExpectingRow(ctx, query, id)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (c *Client) scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var buildStatus sql.NullString
	var requestJSON []byte
	var resultPath, artifactPath, errorMessage sql.NullString
	var processID sql.NullInt64

	err := row.Scan(
		&task.ID,
		&task.Status,
		&buildStatus,
		&task.CreatedAt,
		&task.UpdatedAt,
		&requestJSON,
		&resultPath,
		&artifactPath,
		&errorMessage,
		&processID,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(requestJSON, &task.RequestData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request data: %w", err)
	}

	if buildStatus.Valid {
		bs := models.BuildStatus(buildStatus.String)
		task.ApkBuildStatus = &bs
	}
	if resultPath.Valid {
		task.ResultPath = &resultPath.String
	}
	if artifactPath.Valid {
		task.ArtifactPath = &artifactPath.String
	}
	if errorMessage.Valid {
		task.ErrorMessage = &errorMessage.String
	}
	if processID.Valid {
		pid := int(processID.Int64)
		task.ProcessID = &pid
	}

	return &task, nil
}

func (c *Client) execExpectingRow(ctx context.Context, query string, args ...interface{}) error {
	result, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}

	return nil
}
