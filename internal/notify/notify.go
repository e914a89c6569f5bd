package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	KindJoined  = "ticket.joined"
	KindCalled  = "ticket.called"
	KindExpired = "ticket.no_show"
)

// Intent is a fire-and-forget request to notify a visitor. Delivery,
// channel choice, and retries belong to the downstream collaborator.
type Intent struct {
	VisitorRef string                 `json:"visitor_ref"`
	Kind       string                 `json:"kind"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

type Sink interface {
	Send(ctx context.Context, intent Intent) error
}

type Config struct {
	Provider     string
	WebhookURL   string
	WebhookToken string
	Timeout      time.Duration
}

// NewSink builds a sink from config. Unknown providers fall back to the
// log sink so a misconfigured deployment still records intents somewhere.
func NewSink(cfg Config, logger zerolog.Logger) Sink {
	switch cfg.Provider {
	case "noop":
		return noopSink{}
	case "fail":
		return failSink{}
	case "webhook":
		if cfg.WebhookURL == "" {
			return logSink{logger: logger}
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		return &webhookSink{
			client: &http.Client{Timeout: timeout},
			url:    cfg.WebhookURL,
			token:  cfg.WebhookToken,
		}
	default:
		return logSink{logger: logger}
	}
}

func NewNoopSink() Sink {
	return noopSink{}
}

type logSink struct {
	logger zerolog.Logger
}

func (s logSink) Send(_ context.Context, intent Intent) error {
	s.logger.Info().
		Str("kind", intent.Kind).
		Str("visitor", intent.VisitorRef).
		Interface("payload", intent.Payload).
		Msg("notification intent")
	return nil
}

type noopSink struct{}

func (noopSink) Send(context.Context, Intent) error {
	return nil
}

type failSink struct{}

func (failSink) Send(context.Context, Intent) error {
	return errors.New("provider failure")
}

type webhookSink struct {
	client *http.Client
	url    string
	token  string
}

func (s *webhookSink) Send(ctx context.Context, intent Intent) error {
	payload, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
