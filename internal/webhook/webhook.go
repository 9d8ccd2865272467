// Package webhook implements the "webhook" module: it forwards matching
// bus events to an HTTP endpoint as JSON POSTs.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/HerbHall/switchyard/internal/version"
	"github.com/HerbHall/switchyard/pkg/plugin"
	"go.uber.org/zap"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret
// is configured.
const SignatureHeader = "X-Switchyard-Signature"

// ErrNoURL is returned by send_test when no endpoint is configured.
var ErrNoURL = errors.New("webhook url not configured")

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
)

// Config holds the webhook plugin configuration.
type Config struct {
	URL        string        `mapstructure:"url"`
	Secret     string        `mapstructure:"secret"` //nolint:gosec // G101: config field name, not a credential
	Timeout    time.Duration `mapstructure:"timeout"`
	Types      []string      `mapstructure:"types"`
	Severities []string      `mapstructure:"severities"`
	QueueSize  int           `mapstructure:"queue_size"`
}

// DefaultConfig returns the module defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:   10 * time.Second,
		Types:     []string{"device.*", "system.alert", "plugin.failed"},
		QueueSize: 64,
	}
}

// Payload is the JSON body sent to the webhook URL.
type Payload struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Source    string          `json:"source,omitempty"`
	Severity  plugin.Severity `json:"severity"`
	Timestamp string          `json:"timestamp"`
	Data      any             `json:"data,omitempty"`
}

// Stats counts deliveries since start.
type Stats struct {
	Delivered uint64    `json:"delivered"`
	Failed    uint64    `json:"failed"`
	Dropped   uint64    `json:"dropped"`
	LastError string    `json:"last_error,omitempty"`
	LastAt    time.Time `json:"last_at,omitempty"`
}

// Module implements the Webhook notifier plugin.
type Module struct {
	*plugin.Base

	cfg    Config
	client *http.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// New creates a new Webhook plugin instance.
func New() *Module {
	m := &Module{cfg: DefaultConfig()}
	m.Base = plugin.NewBase(plugin.Metadata{
		ID:          "webhook",
		Name:        "Webhook",
		Version:     "1.0.0",
		Category:    "notification",
		Description: "Sends HTTP POST notifications to a configurable webhook URL on matching events",
		Enabled:     true,
		APIVersion:  plugin.APIVersionCurrent,
	}, m)
	return m
}

func (m *Module) OnInitialize(_ context.Context) error {
	m.cfg = DefaultConfig()
	if cfg := m.Context().Config; cfg != nil {
		m.cfg.URL = cfg.GetString("url")
		m.cfg.Secret = cfg.GetString("secret")
		if d := cfg.GetDuration("timeout"); d > 0 {
			m.cfg.Timeout = d
		}
		if cfg.IsSet("types") {
			m.cfg.Types = cfg.GetStringSlice("types")
		}
		m.cfg.Severities = cfg.GetStringSlice("severities")
		if n := cfg.GetInt("queue_size"); n > 0 {
			m.cfg.QueueSize = n
		}
	}
	for _, s := range m.cfg.Severities {
		if _, ok := plugin.ParseSeverity(s); !ok {
			return fmt.Errorf("webhook: unknown severity %q", s)
		}
	}

	m.client = &http.Client{Timeout: m.cfg.Timeout}
	m.mu.Lock()
	m.stats = Stats{}
	m.mu.Unlock()

	if m.cfg.URL == "" {
		m.Logger().Warn("webhook URL not configured; notifications will be dropped")
	}
	m.Logger().Info("webhook module initialized",
		zap.String("url", m.cfg.URL),
		zap.Duration("timeout", m.cfg.Timeout),
		zap.Strings("types", m.cfg.Types),
	)
	return nil
}

// OnStart subscribes to the configured event types. Delivery runs on a
// worker so a slow endpoint never blocks publishers; events beyond the
// queue are dropped and counted.
func (m *Module) OnStart(ctx context.Context) error {
	if m.cfg.URL == "" || len(m.cfg.Types) == 0 {
		return nil
	}
	filter := &plugin.Filter{Types: m.cfg.Types}
	for _, s := range m.cfg.Severities {
		sev, _ := plugin.ParseSeverity(s)
		filter.Severities = append(filter.Severities, sev)
	}

	queue := make(chan plugin.Event, m.cfg.QueueSize)
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.wg.Add(1)
	go m.worker(workerCtx, queue)

	enqueue := func(_ context.Context, e plugin.Event) error {
		m.enqueue(queue, e)
		return nil
	}
	if _, err := m.OnFilter(filter, enqueue); err != nil {
		m.stopWorker()
		return err
	}
	return nil
}

// OnStop drains nothing: queued events are discarded.
func (m *Module) OnStop(_ context.Context) error {
	m.stopWorker()
	return nil
}

func (m *Module) stopWorker() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.wg.Wait()
}

// OnHealthCheck degrades when unconfigured or when the last delivery failed.
func (m *Module) OnHealthCheck(_ context.Context) plugin.HealthStatus {
	if m.cfg.URL == "" {
		return plugin.HealthStatus{Status: plugin.StatusDegraded, Message: ErrNoURL.Error()}
	}
	s := m.Stats()
	details := map[string]string{
		"delivered": fmt.Sprint(s.Delivered),
		"failed":    fmt.Sprint(s.Failed),
		"dropped":   fmt.Sprint(s.Dropped),
	}
	if s.LastError != "" {
		return plugin.HealthStatus{Status: plugin.StatusDegraded, Message: s.LastError, Details: details}
	}
	return plugin.HealthStatus{Status: plugin.StatusHealthy, Details: details}
}

// Stats returns delivery counters.
func (m *Module) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Module) enqueue(queue chan<- plugin.Event, e plugin.Event) {
	select {
	case queue <- e:
	default:
		m.mu.Lock()
		m.stats.Dropped++
		m.mu.Unlock()
		m.Logger().Warn("webhook queue full, event dropped", zap.String("type", e.Type))
	}
}

func (m *Module) worker(ctx context.Context, queue <-chan plugin.Event) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-queue:
			_ = m.Deliver(ctx, e)
		}
	}
}

// Deliver posts e to the configured URL and records the outcome.
func (m *Module) Deliver(ctx context.Context, e plugin.Event) error {
	if m.cfg.URL == "" {
		return ErrNoURL
	}
	body, err := json.Marshal(Payload{
		ID:        e.ID,
		Event:     e.Type,
		Source:    e.PluginID,
		Severity:  e.Severity,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Data:      e.Payload,
	})
	if err != nil {
		m.Logger().Error("failed to marshal webhook payload", zap.String("type", e.Type), zap.Error(err))
		return err
	}

	err = m.send(ctx, body, e.Type)
	m.mu.Lock()
	m.stats.LastAt = time.Now().UTC()
	if err != nil {
		m.stats.Failed++
		m.stats.LastError = err.Error()
	} else {
		m.stats.Delivered++
		m.stats.LastError = ""
	}
	m.mu.Unlock()
	return err
}

func (m *Module) send(ctx context.Context, body []byte, eventType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Switchyard-Webhook/"+version.Short())
	if m.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(m.cfg.Secret, body))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.Logger().Warn("webhook delivery failed",
			zap.String("url", m.cfg.URL),
			zap.String("type", eventType),
			zap.Error(err),
		)
		return fmt.Errorf("webhook delivery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		m.Logger().Warn("webhook endpoint returned error",
			zap.String("url", m.cfg.URL),
			zap.String("type", eventType),
			zap.Int("status_code", resp.StatusCode),
		)
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}

	m.Logger().Debug("webhook delivered",
		zap.String("type", eventType),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Tools exposes delivery status and a test send.
func (m *Module) Tools() []plugin.Tool {
	return []plugin.Tool{
		{
			Name:        "webhook_status",
			Description: "Report webhook delivery counters and the last delivery error.",
			Handler: func(context.Context, map[string]any) (any, error) {
				return m.Stats(), nil
			},
		},
		{
			Name:        "send_test",
			Description: "Send a webhook.test event to the configured URL and report whether it was accepted. Optional argument: message.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				msg, ok := plugin.StringArg(args, "message")
				if !ok {
					msg = "test notification"
				}
				e := plugin.Event{
					ID:        fmt.Sprintf("test-%d", time.Now().UnixNano()),
					Type:      "webhook.test",
					PluginID:  m.Metadata().ID,
					Severity:  plugin.SeverityInfo,
					Timestamp: time.Now().UTC(),
					Payload:   map[string]string{"message": msg},
				}
				if err := m.Deliver(ctx, e); err != nil {
					return nil, err
				}
				return map[string]string{"status": "delivered"}, nil
			},
		},
	}
}
