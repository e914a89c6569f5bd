package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWebhookSinkPostsIntent(t *testing.T) {
	var got Intent
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer srv.Close()

	sink := NewSink(Config{
		Provider:     "webhook",
		WebhookURL:   srv.URL,
		WebhookToken: "s3cret",
		Timeout:      time.Second,
	}, zerolog.Nop())

	intent := Intent{
		VisitorRef: "alice",
		Kind:       KindCalled,
		Payload:    map[string]interface{}{"ticket_id": "t-1"},
	}
	if err := sink.Send(context.Background(), intent); err != nil {
		t.Fatalf("send: %v", err)
	}
	if auth != "Bearer s3cret" {
		t.Fatalf("authorization header %q", auth)
	}
	if got.VisitorRef != "alice" || got.Kind != KindCalled {
		t.Fatalf("posted intent %+v", got)
	}
}

func TestWebhookSinkNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewSink(Config{Provider: "webhook", WebhookURL: srv.URL}, zerolog.Nop())
	if err := sink.Send(context.Background(), Intent{Kind: KindJoined}); err == nil {
		t.Fatal("expected error on 502 response")
	}
}

func TestFailSink(t *testing.T) {
	sink := NewSink(Config{Provider: "fail"}, zerolog.Nop())
	if err := sink.Send(context.Background(), Intent{Kind: KindJoined}); err == nil {
		t.Fatal("fail sink must error")
	}
}

func TestNewSinkDefaults(t *testing.T) {
	// Unknown providers and webhook-without-URL both degrade to the log
	// sink, which always succeeds.
	for _, provider := range []string{"", "log", "something-else", "webhook"} {
		sink := NewSink(Config{Provider: provider}, zerolog.Nop())
		if err := sink.Send(context.Background(), Intent{Kind: KindExpired}); err != nil {
			t.Fatalf("provider %q: %v", provider, err)
		}
	}
}

func TestNoopSink(t *testing.T) {
	if err := NewNoopSink().Send(context.Background(), Intent{}); err != nil {
		t.Fatalf("noop sink: %v", err)
	}
}
