// Package outbound holds the HTTP clients for the engine's collaborators:
// the email provider, the task system and the sales notification webhook.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"

	"funnel/internal/config"
	"funnel/internal/constants"
	"funnel/internal/logger"
	"funnel/pkg/circuitbreaker"
	"funnel/pkg/errors"
	"funnel/pkg/metrics"
	"funnel/pkg/retry"
)

// EmailClient sends templated emails through the provider API. Transient
// provider failures are retried per the configured policy; the circuit
// breaker sheds load when the provider is down for good.
type EmailClient struct {
	cfg    config.EmailConfig
	client *http.Client
	cb     *circuitbreaker.Wrapper
	policy retry.Policy
	log    logger.Logger
}

func NewEmailClient(cfg config.EmailConfig, cbCfg config.CircuitBreakerConfig, log logger.Logger) *EmailClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = constants.DefaultHTTPTimeout
	}
	c := &EmailClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
		policy: retry.Policy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      cfg.Retry.Multiplier,
			MaxElapsedTime:  cfg.Retry.MaxElapsedTime,
		},
		log: log,
	}

	if cbCfg.Enabled {
		c.cb = circuitbreaker.NewWrapper(breakerConfig("email", cbCfg))
	}
	return c
}

type emailRequest struct {
	To       string            `json:"to"`
	From     string            `json:"from"`
	Template string            `json:"template"`
	Params   map[string]string `json:"params,omitempty"`
}

func (c *EmailClient) Send(ctx context.Context, contactID, template string, params map[string]string) error {
	if c.cfg.BaseURL == "" {
		// No provider configured; log-only delivery for local development.
		c.log.InfowCtx(ctx, "Email delivery skipped, no provider configured",
			"template", template,
		)
		return nil
	}

	send := func() error {
		return c.post(ctx, contactID, template, params)
	}

	if c.cb != nil {
		inner := send
		send = func() error {
			_, err := c.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
				return nil, inner()
			})
			return err
		}
	}

	if err := retry.Retry(ctx, c.policy, send); err != nil {
		metrics.CollaboratorFailuresTotal.WithLabelValues("email", failureClass(err)).Inc()
		return err
	}
	return nil
}

func (c *EmailClient) post(ctx context.Context, contactID, template string, params map[string]string) error {
	payload, err := json.Marshal(emailRequest{
		To:       contactID,
		From:     c.cfg.Sender,
		Template: template,
		Params:   params,
	})
	if err != nil {
		return errors.ErrInternal.WithCause(err).AsFatal()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/send", bytes.NewReader(payload))
	if err != nil {
		return errors.ErrInternal.WithCause(err).AsFatal()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.ErrServiceUnavailable.WithCause(err).AsRetryable()
	}
	defer resp.Body.Close()

	return classifyStatus("email provider", resp.StatusCode)
}

// classifyStatus maps an HTTP status to the retry taxonomy: 2xx succeeds,
// 408/429/5xx are retryable, all other 4xx are permanent.
func classifyStatus(collaborator string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return errors.ErrServiceUnavailable.
			WithDetail("message", fmt.Sprintf("%s returned status %d", collaborator, status)).
			AsRetryable()
	default:
		return errors.ErrValidation.
			WithDetail("message", fmt.Sprintf("%s rejected request with status %d", collaborator, status)).
			AsFatal()
	}
}

func failureClass(err error) string {
	if errors.IsPermanent(err) {
		return "permanent"
	}
	return "transient"
}

func breakerConfig(name string, cfg config.CircuitBreakerConfig) circuitbreaker.Config {
	out := circuitbreaker.DefaultConfig(name)
	if cfg.MaxRequests > 0 {
		out.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		out.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		out.Timeout = cfg.Timeout
	}
	if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
		ratio := cfg.FailureRatio
		minRequests := cfg.MinRequests
		out.ReadyToTrip = func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && failureRatio >= ratio
		}
	}
	return out
}
