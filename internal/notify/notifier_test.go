package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordingSender struct {
	name     string
	err      error
	titles   []string
	messages []string
}

func (r *recordingSender) Send(_ context.Context, title, message string) error {
	r.titles = append(r.titles, title)
	r.messages = append(r.messages, message)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"security_alert", " circuit_open"}, quietLogger())

	ctx := context.Background()
	_ = n.Notify(ctx, "sync_failed", "ignored", "")
	_ = n.Notify(ctx, "circuit_open", "open", "")
	_ = n.NotifyAll(ctx, "all", "")

	if got := strings.Join(s.titles, ","); got != "open,all" {
		t.Errorf("titles = %q, want open,all", got)
	}
}

func TestAlertFormatsAndRedactsFields(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, quietLogger())

	err := n.Alert(context.Background(), "security_alert", "owner mismatch", map[string]string{
		"userId":      "u1",
		"accessToken": "abc",
		"connection":  "c1",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "accessToken: [REDACTED]\nconnection: c1\nuserId: u1"
	if s.messages[0] != want {
		t.Errorf("message = %q, want %q", s.messages[0], want)
	}
}

func TestDispatchContinuesAfterFailure(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("down")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quietLogger())

	err := n.NotifyAll(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "bad: down") {
		t.Fatalf("err = %v", err)
	}
	if len(good.titles) != 1 {
		t.Error("second sender was skipped")
	}
}

func TestTelegramSender(t *testing.T) {
	var got map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42", WithTelegramBaseURL(srv.URL+"/"))
	if err := s.Send(context.Background(), "circuit_open", "breaker: ledger"); err != nil {
		t.Fatal(err)
	}
	if path != "/bottok/sendMessage" {
		t.Errorf("path = %q", path)
	}
	if got["chat_id"] != "42" {
		t.Errorf("chat_id = %v", got["chat_id"])
	}
	if text, _ := got["text"].(string); !strings.HasPrefix(text, `*circuit\_open*`) {
		t.Errorf("text = %q", text)
	}
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL, "").Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("err = %v, want status 429", err)
	}
}
