package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hallsync/internal/config"
	"github.com/sells-group/hallsync/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailureRate AlertType = "job_failure_rate"
	AlertVenueFailures  AlertType = "venue_failures"
	AlertPendingBacklog AlertType = "pending_backlog"
	AlertStaleLock      AlertType = "stale_lock"
)

// minFinishedJobs is the sample size below which the failure rate is ignored.
const minFinishedJobs = 3

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg         config.MonitoringConfig
	environment string
	client      *http.Client
	retry       resilience.RetryConfig
}

// NewAlerter creates a new Alerter. environment tags every webhook payload.
func NewAlerter(cfg config.MonitoringConfig, environment string) *Alerter {
	return &Alerter{
		cfg:         cfg,
		environment: environment,
		client:      &http.Client{Timeout: 10 * time.Second},
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
		},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.JobsSucceeded + snap.JobsFailed
	if finished >= minFinishedJobs && snap.JobFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertJobFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.JobFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.JobsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate":    snap.JobFailRate,
				"threshold":       a.cfg.FailureRateThreshold,
				"failed":          snap.JobsFailed,
				"finished":        finished,
				"last_failed_job": snap.LastFailedJob,
			},
			Timestamp: now,
		})
	}

	// A venue-level failure means a whole hall produced nothing.
	if snap.VenueFailures > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertVenueFailures,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d venue-level extraction failure(s) in last %dh: %s",
				snap.VenueFailures, snap.LookbackHours, strings.Join(snap.FailedVenues, ", "),
			),
			Details: map[string]any{
				"failed_count": snap.VenueFailures,
				"venues":       snap.FailedVenues,
			},
			Timestamp: now,
		})
	}

	if a.cfg.PendingFailureThreshold > 0 && snap.PendingFailures > a.cfg.PendingFailureThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertPendingBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d pending failures exceed threshold %d",
				snap.PendingFailures, a.cfg.PendingFailureThreshold,
			),
			Details: map[string]any{
				"pending":   snap.PendingFailures,
				"threshold": a.cfg.PendingFailureThreshold,
			},
			Timestamp: now,
		})
	}

	if snap.LockHeld && snap.LockExpired {
		alerts = append(alerts, Alert{
			Type:     AlertStaleLock,
			Severity: "medium",
			Message:  fmt.Sprintf("Pipeline lock held by %q has expired", snap.LockHolder),
			Details: map[string]any{
				"environment": snap.LockHolder,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// webhookPayload is the body posted for each check that triggers alerts.
type webhookPayload struct {
	Service     string  `json:"service"`
	Environment string  `json:"environment,omitempty"`
	Alerts      []Alert `json:"alerts"`
}

// SendAlerts posts all alerts to the webhook in one request, retrying
// transient failures. It returns the number of alerts delivered.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	body, err := json.Marshal(webhookPayload{Service: "hallsync", Environment: a.environment, Alerts: alerts})
	if err != nil {
		zap.L().Error("monitoring: marshal alerts", zap.Error(err))
		return 0
	}

	retry := a.retry
	retry.OnRetry = resilience.RetryLogger("monitoring", "webhook")
	if err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		return a.post(ctx, body)
	}); err != nil {
		zap.L().Error("monitoring: failed to send alerts",
			zap.Int("alerts", len(alerts)),
			zap.Error(err),
		)
		return 0
	}

	for _, alert := range alerts {
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
	}
	return len(alerts)
}

func (a *Alerter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
