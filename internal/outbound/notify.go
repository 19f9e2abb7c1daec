package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"funnel/internal/config"
	"funnel/internal/constants"
	"funnel/internal/logger"
	"funnel/pkg/errors"
	"funnel/pkg/metrics"
)

// NotifyClient posts sales notifications to a webhook. Deliveries are rate
// limited; anything over the budget is dropped and counted rather than
// queued, a late sales ping is worth less than engine throughput.
type NotifyClient struct {
	cfg     config.NotifyConfig
	client  *http.Client
	limiter *rate.Limiter
	log     logger.Logger
}

func NewNotifyClient(cfg config.NotifyConfig, log logger.Logger) *NotifyClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = constants.DefaultHTTPTimeout
	}
	return &NotifyClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		log:     log,
	}
}

type notifyRequest struct {
	ContactID string    `json:"contact_id"`
	Message   string    `json:"message"`
	Urgency   string    `json:"urgency"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *NotifyClient) Notify(ctx context.Context, contactID, message, urgency string) error {
	if !c.limiter.Allow() {
		metrics.NotificationsDroppedTotal.Inc()
		c.log.WarnwCtx(ctx, "Notification dropped by rate limiter",
			"urgency", urgency,
		)
		return nil
	}

	if c.cfg.WebhookURL == "" {
		c.log.InfowCtx(ctx, "Notification delivery skipped, no webhook configured",
			"message", message,
			"urgency", urgency,
		)
		return nil
	}

	payload, err := json.Marshal(notifyRequest{
		ContactID: contactID,
		Message:   message,
		Urgency:   urgency,
		Timestamp: time.Now(),
	})
	if err != nil {
		return errors.ErrInternal.WithCause(err).AsFatal()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return errors.ErrInternal.WithCause(err).AsFatal()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.CollaboratorFailuresTotal.WithLabelValues("notify", "transient").Inc()
		return errors.ErrServiceUnavailable.WithCause(err).AsRetryable()
	}
	defer resp.Body.Close()

	if err := classifyStatus("notification webhook", resp.StatusCode); err != nil {
		metrics.CollaboratorFailuresTotal.WithLabelValues("notify", failureClass(err)).Inc()
		return err
	}
	return nil
}
