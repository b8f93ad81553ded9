// Package notify delivers the end-of-run summary. Delivery is
// best-effort: a notifier failure is logged and never changes the run
// outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/kebairia/hostsave/internal/config"
	"github.com/kebairia/hostsave/internal/logger"
)

var ErrDeliveryFailed = errors.New("notification delivery failed")

// Status classifies a finished run for the recipient.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusWithErrors Status = "completed with errors"
	StatusFailed     Status = "failed"
)

// StatusFor maps a run's error state to its notification status.
func StatusFor(fatal bool, softErrors int) Status {
	switch {
	case fatal:
		return StatusFailed
	case softErrors > 0:
		return StatusWithErrors
	default:
		return StatusSuccess
	}
}

// StepError is one named step that failed during the run.
type StepError struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// Summary is the payload sent at the end of a run.
type Summary struct {
	Status     Status      `json:"status"`
	Subject    string      `json:"subject"`
	Body       string      `json:"body,omitempty"`
	Host       string      `json:"host"`
	Site       string      `json:"site,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	Duration   string      `json:"duration"`
	SoftErrors int         `json:"soft_errors"`
	StepErrors []StepError `json:"step_errors,omitempty"`
}

// Notifier delivers one summary per run.
type Notifier interface {
	Send(ctx context.Context, summary Summary) error
}

// NopNotifier is used when no webhook is configured.
type NopNotifier struct{}

func (NopNotifier) Send(context.Context, Summary) error { return nil }

// WebhookNotifier posts the summary as JSON with bounded retries.
type WebhookNotifier struct {
	log    logger.Logger
	url    string
	client *retryablehttp.Client
}

// New builds a notifier from config; an empty webhook URL yields a
// NopNotifier.
func New(log logger.Logger, cfg config.NotifyConfig) Notifier {
	if cfg.WebhookURL == "" {
		return NopNotifier{}
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.Retries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = nil

	return &WebhookNotifier{log: log, url: cfg.WebhookURL, client: client}
}

// Send posts the summary. Non-2xx responses fail after the client's
// retries are exhausted.
func (w *WebhookNotifier) Send(ctx context.Context, summary Summary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("%w: encode summary: %v", ErrDeliveryFailed, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: webhook returned %s", ErrDeliveryFailed, resp.Status)
	}

	w.log.Info("notification delivered", "status", string(summary.Status), "host", summary.Host)
	return nil
}
