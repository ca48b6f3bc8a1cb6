// Package webhook delivers status events to account-registered endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blackmichael/statusphere/internal/domain"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	userAgent       = "status-webhooks/1.0"
	headerID        = "X-Status-Webhook-Id"
	headerTimestamp = "X-Status-Webhook-Timestamp"
	headerSignature = "X-Status-Webhook-Signature"
)

// ErrInvalidWebhook is returned for webhook registrations with a bad URL.
var ErrInvalidWebhook = errors.New("invalid webhook")

var deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "statusphere_webhook_deliveries_total",
	Help: "Webhook delivery attempts by outcome",
}, []string{"result"})

// Config configures a Dispatcher.
type Config struct {
	Workers   int
	QueueSize int

	// Timeout bounds one delivery attempt.
	Timeout time.Duration

	// AllowHTTP permits plain http endpoints. Production requires https.
	AllowHTTP bool
}

// Dispatcher manages webhooks and delivers events to them from a pool of
// workers. Emit never blocks; events are dropped when the queue is full.
type Dispatcher struct {
	hooks     domain.WebhookRepository
	client    *http.Client
	queue     chan domain.StatusEvent
	workers   int
	allowHTTP bool
	logger    *slog.Logger
}

var _ domain.EventEmitter = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher. Call Run to start delivering.
func NewDispatcher(hooks domain.WebhookRepository, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = logger
	client := retryClient.StandardClient()
	client.Timeout = cfg.Timeout

	return &Dispatcher{
		hooks:     hooks,
		client:    client,
		queue:     make(chan domain.StatusEvent, cfg.QueueSize),
		workers:   cfg.Workers,
		allowHTTP: cfg.AllowHTTP,
		logger:    logger,
	}
}

// Emit queues an event for delivery.
func (d *Dispatcher) Emit(event domain.StatusEvent) {
	select {
	case d.queue <- event:
	default:
		deliveries.WithLabelValues("dropped").Inc()
		d.logger.Warn("webhook queue full, dropping event", "event", event.Event, "did", event.DID)
	}
}

// Run delivers queued events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event := <-d.queue:
					d.dispatch(ctx, event)
				}
			}
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) dispatch(ctx context.Context, event domain.StatusEvent) {
	hooks, err := d.hooks.ListWebhooks(ctx, event.DID)
	if err != nil {
		d.logger.Error("failed to load webhooks", "did", event.DID, "error", err)
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("failed to encode webhook payload", "error", err)
		return
	}

	for _, h := range hooks {
		if !h.Wants(event.Event) {
			continue
		}
		if err := d.deliver(ctx, &h, payload); err != nil {
			deliveries.WithLabelValues("failed").Inc()
			d.logger.Warn("webhook delivery failed", "webhook_id", h.ID, "url", h.URL, "error", err)
			continue
		}
		deliveries.WithLabelValues("delivered").Inc()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, h *domain.Webhook, payload []byte) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(headerID, ulid.Make().String())
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerSignature, "sha256="+Sign(h.Secret, ts, payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of ts + "." + payload.
func Sign(secret, ts string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Create registers a webhook for did. An empty secret is generated.
func (d *Dispatcher) Create(ctx context.Context, did, rawURL, secret, events string) (*domain.Webhook, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid webhook url", ErrInvalidWebhook)
	}
	if u.Scheme != "https" && !(d.allowHTTP && u.Scheme == "http") {
		return nil, fmt.Errorf("%w: webhook url must use https", ErrInvalidWebhook)
	}

	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = hex.EncodeToString(buf)
	}
	if strings.TrimSpace(events) == "" {
		events = "*"
	}

	now := time.Now().UTC()
	w := &domain.Webhook{
		DID:       did,
		URL:       u.String(),
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.hooks.CreateWebhook(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// List returns the webhooks of did.
func (d *Dispatcher) List(ctx context.Context, did string) ([]domain.Webhook, error) {
	return d.hooks.ListWebhooks(ctx, did)
}

// Delete removes a webhook owned by did.
func (d *Dispatcher) Delete(ctx context.Context, id int64, did string) error {
	return d.hooks.DeleteWebhook(ctx, id, did)
}
