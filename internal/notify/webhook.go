package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/escrowpay/internal/idgen"
	"github.com/mbd888/escrowpay/internal/retry"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Escrowpay-Event"
	HeaderTimestamp = "X-Escrowpay-Timestamp"
	HeaderSignature = "X-Escrowpay-Signature"
)

var (
	webhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowpay",
		Subsystem: "notify",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook notification deliveries by event kind and result.",
	}, []string{"kind", "result"})
)

func init() {
	prometheus.MustRegister(webhookDeliveries)
}

// WebhookNotifier POSTs events as JSON to a single endpoint, signed with
// HMAC-SHA256 over the body when a secret is configured. Delivery runs in
// the background with bounded retries.
type WebhookNotifier struct {
	url         string
	secret      string
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
	wg          sync.WaitGroup
}

// NewWebhookNotifier creates a webhook notifier for url.
func NewWebhookNotifier(url, secret string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:         url,
		secret:      secret,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
	}
}

// WithRetry overrides the delivery retry schedule.
func (w *WebhookNotifier) WithRetry(maxAttempts int, baseDelay time.Duration) *WebhookNotifier {
	w.maxAttempts = maxAttempts
	w.baseDelay = baseDelay
	return w
}

func (w *WebhookNotifier) Notify(ctx context.Context, kind Kind, ownerRef string, payload map[string]string) {
	event := Event{
		ID:        idgen.WithPrefix("evt_"),
		Kind:      kind,
		OwnerRef:  ownerRef,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		w.logger.Warn("webhook encode failed", "kind", kind, "owner", ownerRef, "error", err)
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := retry.Do(dctx, w.maxAttempts, w.baseDelay, func() error {
			return w.send(dctx, event, body)
		}); err != nil {
			webhookDeliveries.WithLabelValues(string(kind), "failed").Inc()
			w.logger.Warn("webhook delivery failed", "kind", kind, "owner", ownerRef, "eventId", event.ID, "error", err)
			return
		}
		webhookDeliveries.WithLabelValues(string(kind), "delivered").Inc()
	}()
}

// Wait blocks until in-flight deliveries finish. Called on shutdown.
func (w *WebhookNotifier) Wait() {
	w.wg.Wait()
}

var errClientStatus = errors.New("webhook endpoint rejected event")

func (w *WebhookNotifier) send(ctx context.Context, event Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Kind))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("%w: status %d", errClientStatus, resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
