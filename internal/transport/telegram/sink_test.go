package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSinkSendsMessage(t *testing.T) {
	var gotPath string
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"x"}}`)
	}))
	defer srv.Close()

	s, err := New(Config{Token: "123:abc", ChatID: 42, ThreadID: 5, APIURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.SendLog(context.Background(), "[WARN] push failed"); err != nil {
		t.Fatalf("SendLog: %v", err)
	}
	if !strings.HasSuffix(gotPath, "/sendMessage") {
		t.Fatalf("path = %q", gotPath)
	}
	if got["text"] != "[WARN] push failed" {
		t.Fatalf("text = %v", got["text"])
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{ChatID: 1}); err == nil {
		t.Fatalf("empty token accepted")
	}
	if _, err := New(Config{Token: "1:a"}); err == nil {
		t.Fatalf("empty chat accepted")
	}
}

func TestSendLogCanceled(t *testing.T) {
	s, err := New(Config{Token: "1:a", ChatID: 1, APIURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SendLog(ctx, "x"); err == nil {
		t.Fatalf("expected context error")
	}
}
