package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks a config after defaults were applied. It reports every
// problem at once.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if t := cfg.Logging.Telegram; t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			add("logging.telegram.token: required when enabled")
		}
		if t.ChatID == 0 {
			add("logging.telegram.chat_id: required when enabled")
		}
	}

	durations := map[string]string{
		"http.read_timeout":         cfg.HTTP.ReadTimeout,
		"http.write_timeout":        cfg.HTTP.WriteTimeout,
		"mqtt.keepalive":            cfg.MQTT.KeepAlive,
		"mqtt.connect_timeout":      cfg.MQTT.ConnectTimeout,
		"webpush.ttl":               cfg.WebPush.TTL,
		"webpush.timeout":           cfg.WebPush.Timeout,
		"dispatch.delivery_timeout": cfg.Dispatch.DeliveryTimeout,
		"storage.busy_timeout":      cfg.Storage.BusyTimeout,
		"storage.retention":         cfg.Storage.Retention,
	}
	for field, raw := range durations {
		if _, err := ParseDuration(field, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		add("mqtt.qos: must be 0, 1 or 2")
	}
	if !hasScheme(cfg.MQTT.Broker, "tcp://", "ssl://", "tls://", "ws://", "wss://", "mqtt://", "mqtts://") {
		add("mqtt.broker: %q needs a tcp://, ssl://, ws:// or wss:// scheme", cfg.MQTT.Broker)
	}

	ids := map[string]bool{}
	for i, ch := range cfg.Channels {
		at := fmt.Sprintf("channels[%d]", i)
		if strings.TrimSpace(ch.ID) == "" {
			add("%s.id: required", at)
			continue
		}
		at = fmt.Sprintf("channels[%s]", ch.ID)
		if ids[ch.ID] {
			add("%s: duplicate id", at)
		}
		ids[ch.ID] = true
		switch ch.Kind {
		case "sentinel":
		case "threshold":
			if ch.Threshold == nil {
				add("%s.threshold: required for threshold channels", at)
			}
		case "passive":
		default:
			add("%s.kind: unknown kind %q", at, ch.Kind)
		}
	}
	for topic, id := range cfg.MQTT.Topics {
		if !ids[id] {
			add("mqtt.topics[%s]: channel %q is not configured", topic, id)
		}
	}

	switch cfg.WebPush.Urgency {
	case "very-low", "low", "normal", "high":
	default:
		add("webpush.urgency: unknown value %q", cfg.WebPush.Urgency)
	}
	if !hasScheme(cfg.WebPush.Subject, "mailto:", "https://") {
		add("webpush.subject: must be a mailto: or https:// contact")
	}

	if cfg.Registry.MaxEndpoints < 0 {
		add("registry.max_endpoints: must be >= 0")
	}

	switch strings.ToLower(cfg.Storage.Driver) {
	case "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path: required for driver %s", cfg.Storage.Driver)
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add("storage.dsn: required for driver postgres")
		}
	default:
		add("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}

	return errors.Join(errs...)
}

func hasScheme(s string, schemes ...string) bool {
	low := strings.ToLower(strings.TrimSpace(s))
	for _, p := range schemes {
		if strings.HasPrefix(low, p) {
			return true
		}
	}
	return false
}
