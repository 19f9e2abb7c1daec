package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"funnel/internal/config"
	"funnel/internal/constants"
	"funnel/internal/logger"
	"funnel/pkg/errors"
	"funnel/pkg/metrics"
)

// TaskClient opens follow-up tasks in the external task system.
type TaskClient struct {
	cfg    config.TasksConfig
	client *http.Client
	log    logger.Logger
}

func NewTaskClient(cfg config.TasksConfig, log logger.Logger) *TaskClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = constants.DefaultHTTPTimeout
	}
	return &TaskClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type taskRequest struct {
	ContactID string    `json:"contact_id"`
	Title     string    `json:"title"`
	Priority  string    `json:"priority"`
	DueAt     time.Time `json:"due_at"`
}

type taskResponse struct {
	ID string `json:"id"`
}

func (c *TaskClient) Create(ctx context.Context, contactID, title, priority string, dueAt time.Time) (string, error) {
	if c.cfg.BaseURL == "" {
		// No task system configured; mint a local id so callers can log it.
		taskID := uuid.New().String()
		c.log.InfowCtx(ctx, "Task creation skipped, no task system configured",
			"task_id", taskID,
			"title", title,
		)
		return taskID, nil
	}

	payload, err := json.Marshal(taskRequest{
		ContactID: contactID,
		Title:     title,
		Priority:  priority,
		DueAt:     dueAt,
	})
	if err != nil {
		return "", errors.ErrInternal.WithCause(err).AsFatal()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/tasks", bytes.NewReader(payload))
	if err != nil {
		return "", errors.ErrInternal.WithCause(err).AsFatal()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.CollaboratorFailuresTotal.WithLabelValues("tasks", "transient").Inc()
		return "", errors.ErrServiceUnavailable.WithCause(err).AsRetryable()
	}
	defer resp.Body.Close()

	if err := classifyStatus("task system", resp.StatusCode); err != nil {
		metrics.CollaboratorFailuresTotal.WithLabelValues("tasks", failureClass(err)).Inc()
		return "", err
	}

	var out taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.ErrInternal.WithCause(err).AsRetryable()
	}
	return out.ID, nil
}
