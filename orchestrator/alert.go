package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/halcyonlabs/mender/config"
	"github.com/halcyonlabs/mender/internal/httpclient"
)

// AlertType classifies the critical conditions worth waking an operator for
type AlertType string

const (
	AlertRunFailure        AlertType = "run_failure"
	AlertEmergencyStop     AlertType = "emergency_stop"
	AlertDeploymentFailure AlertType = "deployment_failure"
	AlertCriticalError     AlertType = "critical_error"
)

// Alerter is the notification seam consumed by the coordinator. Delivery is
// best-effort and fire-and-forget: implementations must never propagate
// failures back, because alerting can never be allowed to fail a run.
type Alerter interface {
	Send(alertType AlertType, message string, fields map[string]interface{})
}

// alertPayload is the JSON body posted to the webhook
type alertPayload struct {
	Type    AlertType              `json:"type"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
	FiredAt time.Time              `json:"fired_at"`
}

// AlertDispatcher posts alerts to an operator-configured webhook. Deliveries
// are rate limited; excess alerts are dropped with a log line rather than
// queued, matching the best-effort contract.
type AlertDispatcher struct {
	client     *httpclient.WebhookClient
	webhookURL string
	timeout    time.Duration
	limiter    *rate.Limiter
	log        *zap.SugaredLogger
}

// NewAlertDispatcher creates a dispatcher from the alerts config section.
// An empty webhook URL disables delivery; alerts are still logged.
func NewAlertDispatcher(cfg config.AlertsConfig, log *zap.SugaredLogger) *AlertDispatcher {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ratePerMinute := cfg.RatePerMinute
	if ratePerMinute <= 0 {
		ratePerMinute = 6
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 3
	}

	return &AlertDispatcher{
		client:     httpclient.NewWebhookClient(timeout),
		webhookURL: cfg.WebhookURL,
		timeout:    timeout,
		limiter:    rate.NewLimiter(rate.Limit(ratePerMinute/60.0), burst),
		log:        log,
	}
}

// Send dispatches an alert without blocking the caller. Delivery errors are
// swallowed and logged, never returned.
func (d *AlertDispatcher) Send(alertType AlertType, message string, fields map[string]interface{}) {
	d.log.Warnw("ALERT "+message,
		"alert_type", alertType,
		"fields", fields)

	if d.webhookURL == "" {
		return
	}

	if !d.limiter.Allow() {
		d.log.Warnw("Alert delivery rate limited, dropping",
			"alert_type", alertType)
		return
	}

	payload := alertPayload{
		Type:    alertType,
		Message: message,
		Fields:  fields,
		FiredAt: time.Now(),
	}

	go d.deliver(payload)
}

func (d *AlertDispatcher) deliver(payload alertPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		d.log.Errorw("Failed to marshal alert payload",
			"alert_type", payload.Type,
			"error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	resp, err := d.client.Post(ctx, d.webhookURL, "application/json", body)
	if err != nil {
		d.log.Errorw("Alert delivery failed",
			"alert_type", payload.Type,
			"error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.log.Errorw("Alert webhook returned non-2xx",
			"alert_type", payload.Type,
			"status", resp.StatusCode)
		return
	}

	d.log.Debugw("Alert delivered",
		"alert_type", payload.Type,
		"status", resp.StatusCode)
}
