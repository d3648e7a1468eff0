package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrInvalidWebhook is returned for webhook URLs that are unsafe to call.
var ErrInvalidWebhook = errors.New("invalid webhook URL")

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeSyncFailed    AlertType = "sync_failed"
	AlertTypeCleanupFailed AlertType = "cleanup_failed"
	AlertTypeRecovery      AlertType = "recovery"
)

// Alert represents a notification alert.
type Alert struct {
	Type       AlertType
	CalendarID string
	Message    string
	Details    string
	Timestamp  time.Time
}

// Config holds notification configuration.
type Config struct {
	WebhookURL string

	// CooldownPeriod is how long to wait before re-alerting for the same calendar.
	CooldownPeriod time.Duration
}

// Notifier sends webhook alerts for failed runs.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client

	mu             sync.Mutex
	lastAlertTimes map[string]time.Time
	failing        map[string]bool
	wg             sync.WaitGroup
}

// New creates a new Notifier.
func New(cfg *Config) *Notifier {
	return &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		lastAlertTimes: make(map[string]time.Time),
		failing:        make(map[string]bool),
	}
}

// ValidateConfig validates the notification configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.WebhookURL != "" {
		if err := ValidateWebhookURL(cfg.WebhookURL); err != nil {
			return err
		}
	}
	if cfg.CooldownPeriod < time.Minute {
		return fmt.Errorf("cooldown period must be at least 1 minute")
	}
	return nil
}

// ValidateWebhookURL rejects non-HTTPS URLs and URLs pointing at local or
// private hosts.
func ValidateWebhookURL(webhookURL string) error {
	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWebhook, err)
	}
	if parsed.Scheme != "https" {
		return fmt.Errorf("%w: must use HTTPS", ErrInvalidWebhook)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("%w: cannot point to internal hosts", ErrInvalidWebhook)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("%w: cannot point to private addresses", ErrInvalidWebhook)
		}
	}
	return nil
}

// IsEnabled returns true if a webhook is configured.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookURL != ""
}

// SendFailureAlert reports a failed run for calendarID. Returns false when the
// calendar is still within its cooldown.
func (n *Notifier) SendFailureAlert(ctx context.Context, alertType AlertType, calendarID, message, details string) bool {
	if !n.IsEnabled() {
		return false
	}

	n.mu.Lock()
	if n.failing[calendarID] {
		if last, ok := n.lastAlertTimes[calendarID]; ok && time.Since(last) < n.cfg.CooldownPeriod {
			n.mu.Unlock()
			return false
		}
	}
	n.failing[calendarID] = true
	n.lastAlertTimes[calendarID] = time.Now()
	n.mu.Unlock()

	n.dispatch(ctx, Alert{
		Type:       alertType,
		CalendarID: calendarID,
		Message:    message,
		Details:    details,
		Timestamp:  time.Now(),
	})
	return true
}

// SendRecoveryAlert reports that a previously failing calendar synced cleanly.
func (n *Notifier) SendRecoveryAlert(ctx context.Context, calendarID string) bool {
	if !n.IsEnabled() {
		return false
	}

	n.mu.Lock()
	wasFailing := n.failing[calendarID]
	delete(n.failing, calendarID)
	delete(n.lastAlertTimes, calendarID)
	n.mu.Unlock()

	if !wasFailing {
		return false
	}

	n.dispatch(ctx, Alert{
		Type:       AlertTypeRecovery,
		CalendarID: calendarID,
		Message:    fmt.Sprintf("Calendar %s has recovered", calendarID),
		Details:    "Sync runs are succeeding again",
		Timestamp:  time.Now(),
	})
	return true
}

// Wait blocks until in-flight alerts have been delivered.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) dispatch(ctx context.Context, alert Alert) {
	// Delivery outlives the run that triggered it.
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.sendWebhook(ctx, alert); err != nil {
			log.Printf("[Notify] Webhook error: %v", err)
		}
	}()
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType  string `json:"alert_type"`
	CalendarID string `json:"calendar_id"`
	Message    string `json:"message"`
	Details    string `json:"details"`
	Timestamp  string `json:"timestamp"`
	// Slack-compatible fields
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	emoji := ":x:"
	if alert.Type == AlertTypeRecovery {
		emoji = ":white_check_mark:"
	}

	payload := WebhookPayload{
		AlertType:  string(alert.Type),
		CalendarID: alert.CalendarID,
		Message:    alert.Message,
		Details:    alert.Details,
		Timestamp:  alert.Timestamp.Format(time.RFC3339),
		Text:       fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	log.Printf("[Notify] Webhook sent: %s", alert.Message)
	return nil
}
