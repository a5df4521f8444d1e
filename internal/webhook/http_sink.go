package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/wa-gateway/backend/internal/model"
)

// Header names set on every webhook request.
const (
	HeaderAPIKey    = "x-api-key"
	HeaderEvent     = "X-Webhook-Event"
	HeaderID        = "X-Webhook-Id"
	HeaderSignature = "X-Webhook-Signature"
)

// HTTPSink POSTs events as JSON to a fixed URL.
type HTTPSink struct {
	name   string
	url    string
	kinds  map[model.EventKind]bool
	apiKey string
	secret []byte
	client *http.Client
}

// HTTPSinkConfig configures an HTTPSink.
type HTTPSinkConfig struct {
	Name   string
	URL    string
	Kinds  []model.EventKind
	APIKey string
	Secret string
	Client *http.Client
}

// NewHTTPSink returns a sink for cfg.URL.
func NewHTTPSink(cfg HTTPSinkConfig) *HTTPSink {
	kinds := make(map[model.EventKind]bool, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		kinds[k] = true
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	s := &HTTPSink{name: cfg.Name, url: cfg.URL, kinds: kinds, apiKey: cfg.APIKey, client: client}
	if cfg.Secret != "" {
		s.secret = []byte(cfg.Secret)
	}
	return s
}

func (s *HTTPSink) Name() string { return s.name }

func (s *HTTPSink) Accepts(kind model.EventKind) bool { return s.kinds[kind] }

// Deliver sends one event. Non-2xx responses are errors.
func (s *HTTPSink) Deliver(ctx context.Context, ev model.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Kind(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Kind()))
	req.Header.Set(HeaderID, uuid.NewString())
	if s.apiKey != "" {
		req.Header.Set(HeaderAPIKey, s.apiKey)
	}
	if s.secret != nil {
		req.Header.Set(HeaderSignature, Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", s.name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s: unexpected status %d", s.name, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
