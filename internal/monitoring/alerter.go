package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/allabolag-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertCompanyFailureRate AlertType = "company_failure_rate"
	AlertJobsInError        AlertType = "jobs_in_error"
	AlertProxyCostOverrun   AlertType = "proxy_cost_overrun"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds and
// sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitorConfig
	client *http.Client
}

// NewAlerter creates an Alerter with the given monitor config.
func NewAlerter(cfg config.MonitorConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// The failure-rate check needs at least 20 staged companies so a tiny job
// with one bad row does not page anyone.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap.CompaniesStaged >= 20 && a.cfg.FailureRateThreshold > 0 &&
		snap.CompanyFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertCompanyFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Company failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d staged)",
				snap.CompanyFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.CompaniesFailed, snap.CompaniesStaged,
			),
			Details: map[string]any{
				"failure_rate": snap.CompanyFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.CompaniesFailed,
				"staged":       snap.CompaniesStaged,
			},
			Timestamp: now,
		})
	}

	if snap.JobsError > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertJobsInError,
			Severity: "high",
			Message:  fmt.Sprintf("%d job(s) in error state", snap.JobsError),
			Details: map[string]any{
				"jobs_error": snap.JobsError,
				"jobs_total": snap.JobsTotal,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.Proxy != nil &&
		snap.Proxy.EstimatedCostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertProxyCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Proxy cost $%.2f exceeds threshold $%.2f",
				snap.Proxy.EstimatedCostUSD, a.cfg.CostThresholdUSD,
			),
			Details: map[string]any{
				"cost_usd":      snap.Proxy.EstimatedCostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
				"requests":      snap.Proxy.TotalRequests,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
