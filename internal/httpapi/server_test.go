package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"weatherpush/internal/eventbus"
	"weatherpush/internal/registry"
	logx "weatherpush/pkg/logx"
)

const validSub = `{"endpoint":"https://fcm.googleapis.com/fcm/send/abc","expirationTime":null,"keys":{"p256dh":"BNc","auth":"tBH"}}`

func newTestServer(t *testing.T, reg *registry.Registry, bus eventbus.Bus) *httptest.Server {
	t.Helper()
	static := t.TempDir()
	if err := os.WriteFile(filepath.Join(static, "index.html"), []byte("<h1>weather</h1>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := New(Config{StaticDir: static, MaxBodyBytes: 1024}, Deps{
		Registry:  reg,
		PublicKey: func() string { return "BPUB" },
		Status:    func() any { return map[string]int{"endpoints": reg.Len()} },
		Bus:       bus,
		Log:       logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestSubscribe(t *testing.T) {
	reg := registry.New(0)
	ts := newTestServer(t, reg, nil)

	resp, body := do(t, http.MethodPost, ts.URL+"/subscribe", validSub)
	if resp.StatusCode != http.StatusCreated || body["success"] != true {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	// Re-registering the same endpoint keeps one entry.
	resp, _ = do(t, http.MethodPost, ts.URL+"/subscribe", validSub)
	if resp.StatusCode != http.StatusCreated || reg.Len() != 1 {
		t.Fatalf("status = %d len = %d", resp.StatusCode, reg.Len())
	}
}

func TestSubscribeRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing endpoint": `{"keys":{"p256dh":"a","auth":"b"}}`,
		"empty endpoint":   `{"endpoint":"","keys":{"p256dh":"a","auth":"b"}}`,
		"missing keys":     `{"endpoint":"https://push.example/x"}`,
		"empty auth":       `{"endpoint":"https://push.example/x","keys":{"p256dh":"a","auth":""}}`,
		"not json":         `endpoint=https://push.example/x`,
		"too large":        `{"endpoint":"https://push.example/` + strings.Repeat("x", 2048) + `","keys":{"p256dh":"a","auth":"b"}}`,
	}
	reg := registry.New(0)
	ts := newTestServer(t, reg, nil)
	for name, body := range cases {
		resp, out := do(t, http.MethodPost, ts.URL+"/subscribe", body)
		if resp.StatusCode != http.StatusBadRequest || out["error"] != "Invalid subscription" {
			t.Fatalf("%s: status = %d body = %v", name, resp.StatusCode, out)
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("invalid bodies registered %d endpoints", reg.Len())
	}
}

func TestSubscribeRegistryFull(t *testing.T) {
	reg := registry.New(1)
	ts := newTestServer(t, reg, nil)
	do(t, http.MethodPost, ts.URL+"/subscribe", validSub)
	other := strings.Replace(validSub, "abc", "def", 1)
	resp, _ := do(t, http.MethodPost, ts.URL+"/subscribe", other)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestUnsubscribe(t *testing.T) {
	reg := registry.New(0)
	ts := newTestServer(t, reg, nil)
	do(t, http.MethodPost, ts.URL+"/subscribe", validSub)

	resp, body := do(t, http.MethodDelete, ts.URL+"/subscribe", `{"endpoint":"https://fcm.googleapis.com/fcm/send/abc"}`)
	if resp.StatusCode != http.StatusOK || body["removed"] != true || reg.Len() != 0 {
		t.Fatalf("status = %d body = %v len = %d", resp.StatusCode, body, reg.Len())
	}
	_, body = do(t, http.MethodDelete, ts.URL+"/subscribe", `{"endpoint":"https://fcm.googleapis.com/fcm/send/abc"}`)
	if body["removed"] != false {
		t.Fatalf("second removal body = %v", body)
	}
}

func TestReadOnlyRoutes(t *testing.T) {
	ts := newTestServer(t, registry.New(0), nil)

	_, body := do(t, http.MethodGet, ts.URL+"/vapid-public-key", "")
	if body["publicKey"] != "BPUB" {
		t.Fatalf("public key body = %v", body)
	}
	_, body = do(t, http.MethodGet, ts.URL+"/status", "")
	if body["endpoints"] != float64(0) {
		t.Fatalf("status body = %v", body)
	}

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("static status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/subscribe", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight status = %d headers = %v", resp.StatusCode, resp.Header)
	}
}

func TestEventStream(t *testing.T) {
	bus := eventbus.New()
	reg := registry.New(0)
	ts := newTestServer(t, reg, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	// The handler subscribes after the upgrade; a registration keeps
	// publishing until the stream has picked one up.
	got := make(chan eventbus.Event, 1)
	go func() {
		var ev eventbus.Event
		if err := wsjson.Read(ctx, c, &ev); err == nil {
			got <- ev
		}
	}()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-got:
			if ev.Type != eventbus.TypeEndpoint {
				t.Fatalf("event type = %q", ev.Type)
			}
			return
		case <-tick.C:
			do(t, http.MethodPost, ts.URL+"/subscribe", validSub)
		case <-ctx.Done():
			t.Fatalf("no event received")
		}
	}
}

func TestMetricsRouteOptional(t *testing.T) {
	reg := registry.New(0)
	for _, tc := range []struct {
		name    string
		metrics http.Handler
		want    int
	}{
		{"mounted", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("up 1\n")) }), http.StatusOK},
		{"absent", nil, http.StatusNotFound},
	} {
		s, err := New(Config{}, Deps{Registry: reg, Metrics: tc.metrics})
		if err != nil {
			t.Fatalf("%s: New: %v", tc.name, err)
		}
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rec.Code != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}
