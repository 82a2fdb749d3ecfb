package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/markb/pushlite/internal/log"
)

// flushInterval bounds how long a queued event waits when no new events
// arrive to trigger the notify channel.
const flushInterval = time.Second

// Batch is the HTTP body posted to a webhook consumer.
type Batch struct {
	TimeMS int64   `json:"time_ms"`
	Events []Event `json:"events"`
}

// Consumer drains one queue and posts event batches to its endpoint.
type Consumer struct {
	queue    *Queue
	url      string
	key      string
	secret   string
	prefetch int
	client   *http.Client
}

// NewConsumer creates a consumer for the given queue and endpoint. key and
// secret feed the X-Pushlite-Key and X-Pushlite-Signature headers the
// receiver uses to verify the batch.
func NewConsumer(q *Queue, url, key, secret string, prefetch int) *Consumer {
	if prefetch <= 0 {
		prefetch = 5
	}
	return &Consumer{
		queue:    q,
		url:      url,
		key:      key,
		secret:   secret,
		prefetch: prefetch,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Run drains the queue until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.queue.Notify():
		case <-ticker.C:
		}
		c.drain(ctx)
	}
}

func (c *Consumer) drain(ctx context.Context) {
	for {
		events, err := c.queue.Pull(c.prefetch)
		if err != nil {
			log.Error("webhook: failed to decode queued event", "error", err.Error())
		}
		if len(events) == 0 {
			return
		}
		if err := c.post(ctx, events); err != nil {
			log.Warn("webhook delivery failed", "url", c.url, "events", len(events), "error", err.Error())
		}
	}
}

func (c *Consumer) post(ctx context.Context, events []Event) error {
	body, err := json.Marshal(Batch{
		TimeMS: time.Now().UnixMilli(),
		Events: events,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pushlite-Key", c.key)
	req.Header.Set("X-Pushlite-Signature", signBody(c.secret, body))

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// signBody computes the hex HMAC-SHA256 a receiver verifies the batch with.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
