package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/allabolag-cli/internal/config"
	"github.com/sells-group/allabolag-cli/internal/proxy"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{
		FailureRateThreshold: 0.25,
		CostThresholdUSD:     50.0,
	})

	snap := &MetricsSnapshot{
		JobsTotal:       3,
		JobsDone:        3,
		CompaniesStaged: 100,
		CompaniesFailed: 5,
		CompanyFailRate: 0.05,
		Proxy:           &proxy.StatsSnapshot{EstimatedCostUSD: 10},
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_CompanyFailureRate(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{FailureRateThreshold: 0.25})

	snap := &MetricsSnapshot{
		CompaniesStaged: 100,
		CompaniesFailed: 40,
		CompanyFailRate: 0.40,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCompanyFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_SmallSampleSuppressed(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{FailureRateThreshold: 0.25})

	// One bad row out of two is a 50% rate but not worth paging over.
	snap := &MetricsSnapshot{
		CompaniesStaged: 2,
		CompaniesFailed: 1,
		CompanyFailRate: 0.5,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_JobsInError(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{FailureRateThreshold: 0.25})

	snap := &MetricsSnapshot{JobsTotal: 5, JobsError: 2}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertJobsInError, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "2 job(s)")
}

func TestAlerter_Evaluate_ProxyCostOverrun(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{CostThresholdUSD: 25.0})

	snap := &MetricsSnapshot{
		Proxy: &proxy.StatsSnapshot{EstimatedCostUSD: 31.5, TotalRequests: 50000},
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertProxyCostOverrun, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "$31.50")
}

func TestAlerter_Evaluate_NoProxyNoCostAlert(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{CostThresholdUSD: 1.0})
	assert.Empty(t, a.Evaluate(&MetricsSnapshot{}))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	var lastType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		lastType = string(alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitorConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertJobsInError, Severity: "high", Message: "2 job(s) in error state"},
	})

	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, string(AlertJobsInError), lastType)
}

func TestAlerter_SendAlerts_WebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitorConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertJobsInError}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_NoWebhookConfigured(t *testing.T) {
	a := NewAlerter(config.MonitorConfig{})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertJobsInError}})
	assert.Equal(t, 0, sent)
}
