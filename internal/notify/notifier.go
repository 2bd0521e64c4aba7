// Package notify delivers alert actions to operators. Alerts are queued on
// the SQLite job queue by the orchestrator and drained by a Worker.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/apollo-nexus/nexus/internal/domain"
)

// JobType is the job queue type for alert deliveries.
const JobType = "alert_notify"

// Alert is the queued payload of one alert action.
type Alert struct {
	ActionID    string          `json:"action_id"`
	RunID       string          `json:"run_id"`
	EquipmentID string          `json:"equipment_id"`
	FaultType   string          `json:"fault_type"`
	Priority    domain.Priority `json:"priority"`
	Description string          `json:"description"`
	Diagnosis   string          `json:"diagnosis"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AlertFromAction builds the payload for an alert action.
func AlertFromAction(a domain.Action, diagnosis string) Alert {
	return Alert{
		ActionID:    a.ID,
		RunID:       a.RunID,
		EquipmentID: a.EquipmentID,
		FaultType:   a.FaultType,
		Priority:    a.Priority,
		Description: a.Description,
		Diagnosis:   diagnosis,
		CreatedAt:   a.CreatedAt,
	}
}

// Notifier delivers one alert.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts to the log. Used when no webhook is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, a Alert) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("ALERT",
		"equipment_id", a.EquipmentID,
		"run_id", a.RunID,
		"fault_type", a.FaultType,
		"priority", a.Priority,
		"description", a.Description,
	)
	return nil
}

// WebhookNotifier POSTs alerts as JSON to a URL.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
