package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/forgeflow/process-engine/internal/domain"
)

// channelAdapter delivers a rendered notification to one channel kind.
// Adapted from the control-plane notify service's ChannelDriver interface
// (WebhookChannelDriver is the only built-in implementation there too;
// Slack/Teams/Discord/Email are swapped in via the same interface) —
// generalized here into slack/email/webhook since the process engine has
// no separate driver-registration step, just a `channel` config field.
type channelAdapter interface {
	send(ctx context.Context, client *http.Client, target string, body []byte, secret string, auth any) error
}

var channelAdapters = map[string]channelAdapter{
	"webhook": webhookAdapter{},
	"slack":   slackAdapter{},
	"email":   emailAdapter{},
}

// NotificationHandler substitutes its rendered `message` into the
// configured channel's payload and posts it to `webhook_url`. Adapted from
// the control-plane notify service's WebhookChannelDriver.Send: same
// HMAC-SHA256 signing-when-secret-configured and bearer/api-key/basic auth
// dispatch, reused here per step rather than per registered channel.
type NotificationHandler struct {
	Client *http.Client
}

// NewNotificationHandler builds a handler with a conservative per-call
// timeout, matching the control-plane notify service's client.
func NewNotificationHandler() *NotificationHandler {
	return &NotificationHandler{Client: &http.Client{Timeout: 15 * time.Second}}
}

// Type implements StepHandler.
func (h *NotificationHandler) Type() domain.StepType { return domain.StepNotification }

// Execute implements StepHandler.
func (h *NotificationHandler) Execute(ctx context.Context, sc StepContext) Result {
	channel, _ := sc.Config["channel"].(string)
	adapter, ok := channelAdapters[channel]
	if !ok {
		return Fail(domain.ErrInvalidConfig, "notification %q: channel must be one of slack, email, webhook", sc.Step.ID)
	}
	message, _ := sc.Config["message"].(string)
	if message == "" {
		return Fail(domain.ErrInvalidConfig, "notification %q: message is required", sc.Step.ID)
	}
	target, _ := sc.Config["webhook_url"].(string)
	if target == "" {
		return Fail(domain.ErrInvalidConfig, "notification %q: webhook_url is required", sc.Step.ID)
	}
	subject, _ := sc.Config["subject"].(string)
	var recipients []string
	if raw, ok := sc.Config["recipients"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				recipients = append(recipients, s)
			}
		}
	}

	payload := map[string]any{
		"execution_id": sc.ExecutionID,
		"process_name": sc.ProcessName,
		"step_id":      sc.Step.ID,
		"subject":      subject,
		"message":      message,
		"recipients":   recipients,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Fail(domain.ErrInternal, "notification %q: marshal payload: %v", sc.Step.ID, err)
	}

	secret, _ := sc.Config["secret"].(string)
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if err := adapter.send(ctx, client, target, body, secret, sc.Config["auth"]); err != nil {
		return Fail(domain.ErrNotificationFail, "notification %q: %v", sc.Step.ID, err)
	}

	return OK(map[string]any{"channel": channel, "delivered_at": time.Now().UTC()})
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte, secret string, auth any, userAgent string, extraHeaders map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		req.Header.Set("X-Process-Engine-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	applyAuth(req, auth)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}
	return nil
}

// webhookAdapter posts the notification payload as-is — the generic
// channel kind for any HTTP endpoint expecting the engine's own schema.
type webhookAdapter struct{}

func (webhookAdapter) send(ctx context.Context, client *http.Client, target string, body []byte, secret string, auth any) error {
	return postJSON(ctx, client, target, body, secret, auth, "process-engine-notification/1.0", nil)
}

// slackAdapter reformats the payload as a Slack incoming-webhook message,
// since Slack ignores the engine's own JSON schema and expects `{"text":...}`.
type slackAdapter struct{}

func (slackAdapter) send(ctx context.Context, client *http.Client, target string, body []byte, secret string, auth any) error {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	text := payload["message"]
	if subject, _ := payload["subject"].(string); subject != "" {
		text = fmt.Sprintf("*%s*\n%v", subject, text)
	}
	slackBody, err := json.Marshal(map[string]any{"text": text})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return postJSON(ctx, client, target, slackBody, secret, auth, "process-engine-notification/1.0", nil)
}

// emailAdapter posts to an email-gateway HTTP endpoint (no SMTP config is
// part of this step type — the gateway owns mail-server details), passing
// subject/recipients/message through so the gateway can render and send.
type emailAdapter struct{}

func (emailAdapter) send(ctx context.Context, client *http.Client, target string, body []byte, secret string, auth any) error {
	return postJSON(ctx, client, target, body, secret, auth, "process-engine-notification/1.0", map[string]string{"X-Process-Engine-Channel": "email"})
}

// applyAuth adds an auth header based on a step's `config.auth` block,
// mirroring the control-plane notify service's applyAuth helper.
func applyAuth(req *http.Request, authCfg any) {
	m, ok := authCfg.(map[string]any)
	if !ok {
		return
	}
	switch authType, _ := m["type"].(string); authType {
	case "bearer":
		if token, ok := m["token"].(string); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case "api_key":
		header, _ := m["header"].(string)
		key, _ := m["key"].(string)
		if header != "" && key != "" {
			req.Header.Set(header, key)
		}
	case "basic":
		user, _ := m["username"].(string)
		pass, _ := m["password"].(string)
		req.SetBasicAuth(user, pass)
	}
}
