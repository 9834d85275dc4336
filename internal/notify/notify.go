// Package notify delivers signed webhooks to registered endpoints when
// a transaction changes state. Delivery is fire-and-forget with bounded
// retries; state changes never wait on a subscriber.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tradegate/settlement/internal/logging"
	"github.com/tradegate/settlement/internal/metrics"
	"github.com/tradegate/settlement/internal/retry"
)

const (
	signatureHeader = "X-Settlement-Signature"
	eventHeader     = "X-Settlement-Event"
	sendTimeout     = 10 * time.Second
)

// Event is the webhook payload envelope.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Dispatcher sends events to all registered endpoints.
type Dispatcher struct {
	secret []byte
	client *http.Client

	mu        sync.RWMutex
	endpoints []string

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher signing payloads with the given
// shared secret.
func NewDispatcher(secret string, endpoints []string) *Dispatcher {
	return &Dispatcher{
		secret:    []byte(secret),
		client:    &http.Client{Timeout: sendTimeout},
		endpoints: endpoints,
	}
}

// AddEndpoint registers an additional delivery target.
func (d *Dispatcher) AddEndpoint(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints = append(d.endpoints, url)
}

// Emit queues an event for asynchronous delivery to every endpoint.
func (d *Dispatcher) Emit(ctx context.Context, eventType string, data any) {
	d.mu.RLock()
	endpoints := make([]string, len(d.endpoints))
	copy(endpoints, d.endpoints)
	d.mu.RUnlock()
	if len(endpoints) == 0 {
		return
	}

	payload, err := json.Marshal(Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		logging.L(ctx).Error("webhook payload marshal failed", "event", eventType, "error", err)
		return
	}

	log := logging.L(ctx)
	for _, url := range endpoints {
		d.wg.Add(1)
		go func(url string) {
			defer d.wg.Done()
			d.deliver(log, url, eventType, payload)
		}(url)
	}
}

// Close waits for in-flight deliveries to drain.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(log *slog.Logger, url, eventType string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := retry.Do(ctx, 3, time.Second, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(eventHeader, eventType)
		req.Header.Set(signatureHeader, d.sign(payload))

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode}
		}
		if resp.StatusCode >= 400 {
			return retry.Permanent(&statusError{code: resp.StatusCode})
		}
		return nil
	})
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("failure").Inc()
		log.Warn("webhook delivery failed", "url", url, "event", eventType, "error", err)
		return
	}
	metrics.WebhookDeliveries.WithLabelValues("success").Inc()
}

// sign computes the hex HMAC-SHA256 of the payload. Receivers verify
// with the shared secret before trusting the event.
func (d *Dispatcher) sign(payload []byte) string {
	mac := hmac.New(sha256.New, d.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against a payload. Exported for
// subscribers built on this package.
func Verify(secret string, payload []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return http.StatusText(e.code)
}
