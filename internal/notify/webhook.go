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
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tenderline/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// HookSource returns the webhooks configured for a project.
type HookSource func(ctx context.Context, projectID string) ([]config.WebhookConfig, error)

// WebhookSink posts notifications to the project's configured webhooks.
type WebhookSink struct {
	Hooks  HookSource
	Client *http.Client
	Logger *log.Logger
}

func NewWebhookSink(hooks HookSource, logger *log.Logger) *WebhookSink {
	return &WebhookSink{Hooks: hooks, Client: &http.Client{Timeout: defaultWebhookTimeout}, Logger: logger}
}

func (s *WebhookSink) Notify(ctx context.Context, n Notification) error {
	if s.Hooks == nil {
		return nil
	}
	hooks, err := s.Hooks(ctx, n.ProjectID)
	if err != nil {
		return fmt.Errorf("webhook: load hooks: %w", err)
	}
	var errs []error
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" || !newEventFilter(hook.Events).match(n.Type) {
			continue
		}
		if err := s.post(ctx, hook, n); err != nil {
			s.logf("webhook: deliver %s to %s failed: %v", n.Type, hook.URL, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *WebhookSink) post(ctx context.Context, hook config.WebhookConfig, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := s.Client
	if client == nil || client.Timeout != timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenderline-Event", n.Type)
	req.Header.Set("X-Tenderline-Project", n.ProjectID)
	if n.Seq > 0 {
		req.Header.Set("X-Tenderline-Delivery", strconv.FormatInt(n.Seq, 10))
	}
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Tenderline-Signature", Sign(secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the signature header value for body: sha256= followed by
// the hex HMAC-SHA256 under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *WebhookSink) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

// newEventFilter matches every type when events is empty. An entry ending in
// ".*" matches a whole family such as "stage.*".
func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	if i := strings.Index(evt, "."); i > 0 {
		_, ok := f.set[evt[:i]+".*"]
		return ok
	}
	return false
}
