package eventbus

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WebhookSubscription is one registered HTTP delivery destination. Secret,
// when set, signs every delivery with HMAC-SHA256 the same way the
// control-plane's webhook channel driver does.
type WebhookSubscription struct {
	ID     string
	URL    string
	Secret string
	Events []EventType // empty means "all events"
}

func (s WebhookSubscription) subscribes(t EventType) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == t {
			return true
		}
	}
	return false
}

// WebhookPublisher delivers events to registered webhook subscriptions via
// signed HTTP POST, retried with exponential backoff. The retry loop
// replaces the control-plane driver's hand-rolled `time.Sleep(attempt*2s)`
// loop with cenkalti/backoff's ExponentialBackOff.
type WebhookPublisher struct {
	client *http.Client

	mu   sync.RWMutex
	subs map[string]WebhookSubscription
}

// NewWebhookPublisher builds a WebhookPublisher with a 15s per-attempt HTTP
// timeout, matching the control-plane notify service's client.
func NewWebhookPublisher() *WebhookPublisher {
	return &WebhookPublisher{
		client: &http.Client{Timeout: 15 * time.Second},
		subs:   make(map[string]WebhookSubscription),
	}
}

// Name identifies this publisher in logs.
func (p *WebhookPublisher) Name() string { return "webhook" }

// Subscribe registers or replaces a webhook subscription.
func (p *WebhookPublisher) Subscribe(sub WebhookSubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[sub.ID] = sub
}

// Unsubscribe removes a webhook subscription by id.
func (p *WebhookPublisher) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, id)
}

// Publish delivers evt to every subscription that subscribes to its type,
// concurrently, each with its own retry budget. Returns the first delivery
// error encountered, if any, purely for logging by the Bus — a failed
// delivery to one subscriber never affects the others.
func (p *WebhookPublisher) Publish(ctx context.Context, evt Event) error {
	p.mu.RLock()
	subs := make([]WebhookSubscription, 0, len(p.subs))
	for _, s := range p.subs {
		if s.subscribes(evt.Type) {
			subs = append(subs, s)
		}
	}
	p.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("eventbus: marshal webhook payload: %w", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub WebhookSubscription) {
			defer wg.Done()
			errs[i] = p.deliver(ctx, sub, evt, body)
		}(i, sub)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *WebhookPublisher) deliver(ctx context.Context, sub WebhookSubscription, evt Event, body []byte) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("eventbus: build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "process-engine-webhook/1.0")
		req.Header.Set("X-Process-Engine-Event", string(evt.Type))
		req.Header.Set("X-Process-Engine-Execution", evt.ExecutionID)
		if sub.Secret != "" {
			mac := hmac.New(sha256.New, []byte(sub.Secret))
			mac.Write(body)
			req.Header.Set("X-Process-Engine-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("eventbus: webhook %s: HTTP %d", sub.URL, resp.StatusCode))
		}
		return fmt.Errorf("eventbus: webhook %s: HTTP %d", sub.URL, resp.StatusCode)
	}, policy)
}
