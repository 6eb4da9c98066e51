package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
mqtt:
  broker: tcp://broker.example:1883
  qos: 1
  topics:
    esp32/rain: rain
    esp32/hum: humidity
channels:
  - id: rain
    kind: sentinel
    active: 0
  - id: humidity
    kind: threshold
    threshold: 95
webpush:
  subject: mailto:ops@example.com
  public_key: pub
dispatch:
  rate_per_sec: 5
storage:
  driver: sqlite
  path: ./data/audit.db
`

const sampleJSON = `{
  "logging": {"level": "debug"},
  "mqtt": {"broker": "tcp://broker.example:1883", "qos": 1, "topics": {"esp32/rain": "rain", "esp32/hum": "humidity"}},
  "channels": [
    {"id": "rain", "kind": "sentinel", "active": 0},
    {"id": "humidity", "kind": "threshold", "threshold": 95}
  ],
  "webpush": {"subject": "mailto:ops@example.com", "public_key": "pub"},
  "dispatch": {"rate_per_sec": 5},
  "storage": {"driver": "sqlite", "path": "./data/audit.db"}
}`

func noEnv(string) (string, bool) { return "", false }

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestYAMLAndJSONDecodeEqual(t *testing.T) {
	y, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	j, err := Decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if !reflect.DeepEqual(y, j) {
		t.Fatalf("yaml and json differ:\n%+v\n%+v", y, j)
	}
	if y.Dispatch.RatePerSec != 5 || y.Dispatch.Concurrency != 8 || *y.Dispatch.Enabled != true {
		t.Fatalf("dispatch = %+v", y.Dispatch)
	}
	if *y.Channels[1].Threshold != 95 || y.Channels[0].URL != "/" {
		t.Fatalf("channels = %+v", y.Channels)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{"logging": {"levle": "info"}}`)); err == nil {
		t.Fatalf("unknown field accepted")
	}
	if _, err := Decode("c.yaml", []byte("mqtt:\n  brokr: x\n")); err == nil {
		t.Fatalf("unknown yaml field accepted")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("trailing data err = %v", err)
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Channels) != 3 || cfg.MQTT.Topics["esp32/temp"] != "temperature" {
		t.Fatalf("default channels = %+v topics = %v", cfg.Channels, cfg.MQTT.Topics)
	}
	if cfg.Channels[1].Title != "💧 High Humidity Alert" {
		t.Fatalf("humidity title = %q", cfg.Channels[1].Title)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"threshold without value", func(c *Config) { c.Channels[1].Threshold = nil }, "threshold: required"},
		{"unknown kind", func(c *Config) { c.Channels[0].Kind = "edge" }, "unknown kind"},
		{"duplicate channel", func(c *Config) { c.Channels[2].ID = "rain" }, "duplicate id"},
		{"topic to missing channel", func(c *Config) { c.MQTT.Topics["x/y"] = "wind" }, "not configured"},
		{"bad duration", func(c *Config) { c.Dispatch.DeliveryTimeout = "soon" }, "dispatch.delivery_timeout"},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"bad broker", func(c *Config) { c.MQTT.Broker = "broker:1883" }, "mqtt.broker"},
		{"sqlite without path", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.path"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"telegram without token", func(c *Config) { c.Logging.Telegram.Enabled = true; c.Logging.Telegram.ChatID = 1 }, "telegram.token"},
		{"bad urgency", func(c *Config) { c.WebPush.Urgency = "asap" }, "webpush.urgency"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mut(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvVAPIDPrivateKey: "secret",
		EnvMQTTPassword:    " pw ",
		EnvPort:            "8080",
	}
	cfg := Default()
	ApplyEnv(cfg, func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if cfg.WebPush.PrivateKey != "secret" || cfg.MQTT.Password != "pw" || cfg.HTTP.Addr != ":8080" {
		t.Fatalf("env not applied: webpush=%+v mqtt.password=%q addr=%q", cfg.WebPush, cfg.MQTT.Password, cfg.HTTP.Addr)
	}
}

func TestChanged(t *testing.T) {
	a, b := Default(), Default()
	b.Dispatch.RatePerSec = 1
	b.MQTT.Broker = "tcp://other:1883"
	got := Changed(a, b)
	if !reflect.DeepEqual(got, []string{"mqtt", "dispatch"}) {
		t.Fatalf("Changed = %v", got)
	}
	if !Reloadable("dispatch") || Reloadable("mqtt") {
		t.Fatalf("Reloadable mismatch")
	}
}

func TestManagerLoadAndWatch(t *testing.T) {
	p := writeFile(t, "weatherpush.yaml", sampleYAML)
	m := NewManager(p)
	m.SetEnv(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("level = %q", m.Get().Logging.Level)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	// Let the watcher register before writing.
	time.Sleep(200 * time.Millisecond)

	// An invalid edit is rejected and never published.
	if err := os.WriteFile(p, []byte(strings.Replace(sampleYAML, "threshold: 95", "", 1)), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config published: %+v", cfg.Channels)
	case <-time.After(700 * time.Millisecond):
	}

	if err := os.WriteFile(p, []byte(strings.Replace(sampleYAML, "rate_per_sec: 5", "rate_per_sec: 7", 1)), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-ch:
		if cfg.Dispatch.RatePerSec != 7 {
			t.Fatalf("rate = %d", cfg.Dispatch.RatePerSec)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("reload not published")
	}
	if m.Get().Dispatch.RatePerSec != 7 {
		t.Fatalf("reload not committed")
	}
}

func TestManagerLoadMissingFile(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	if _, err := m.Load(); err == nil {
		t.Fatalf("missing file loaded")
	}
}
