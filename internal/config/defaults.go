package config

// Reference channel set: the weather station publishes a rain sensor
// digital pin (0 = wet), relative humidity and temperature.
const (
	rainTitle     = "🌧 Rain Detected"
	rainBody      = "Rain detected by your ESP32 weather station!"
	humidityTitle = "💧 High Humidity Alert"
	humidityBody  = "Humidity level is {{.Value}}% — possible rain soon!"
)

// Default returns a complete config for the reference deployment.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

func ptr[T any](v T) *T { return &v }

// ApplyDefaults fills omitted fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Console == nil {
		cfg.Logging.Console = ptr(true)
	}
	if cfg.Logging.Telegram.MinLevel == "" {
		cfg.Logging.Telegram.MinLevel = "warn"
	}
	if cfg.Logging.Telegram.RatePerSec <= 0 {
		cfg.Logging.Telegram.RatePerSec = 1
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":3000"
	}
	if cfg.HTTP.StaticDir == "" {
		cfg.HTTP.StaticDir = "./public"
	}
	if cfg.HTTP.Metrics == nil {
		cfg.HTTP.Metrics = ptr(true)
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = 16 << 10
	}
	if cfg.HTTP.ReadTimeout == "" {
		cfg.HTTP.ReadTimeout = "10s"
	}
	if cfg.HTTP.WriteTimeout == "" {
		cfg.HTTP.WriteTimeout = "10s"
	}

	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://broker.hivemq.com:1883"
	}
	if len(cfg.MQTT.Topics) == 0 {
		cfg.MQTT.Topics = map[string]string{
			"esp32/rain": "rain",
			"esp32/hum":  "humidity",
			"esp32/temp": "temperature",
		}
	}
	if cfg.MQTT.KeepAlive == "" {
		cfg.MQTT.KeepAlive = "30s"
	}
	if cfg.MQTT.ConnectTimeout == "" {
		cfg.MQTT.ConnectTimeout = "10s"
	}

	if len(cfg.Channels) == 0 {
		cfg.Channels = []ChannelConfig{
			{ID: "rain", Kind: "sentinel", Active: ptr(int64(0)), Title: rainTitle, Body: rainBody},
			{ID: "humidity", Kind: "threshold", Threshold: ptr(95.0), Title: humidityTitle, Body: humidityBody},
			{ID: "temperature", Kind: "passive"},
		}
	}
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		if ch.Kind == "sentinel" && ch.Active == nil {
			ch.Active = ptr(int64(0))
		}
		if ch.URL == "" {
			ch.URL = "/"
		}
	}

	if cfg.WebPush.Subject == "" {
		cfg.WebPush.Subject = "mailto:admin@example.com"
	}
	if cfg.WebPush.TTL == "" {
		cfg.WebPush.TTL = "24h"
	}
	if cfg.WebPush.Urgency == "" {
		cfg.WebPush.Urgency = "high"
	}
	if cfg.WebPush.Timeout == "" {
		cfg.WebPush.Timeout = "15s"
	}

	if cfg.Dispatch.Enabled == nil {
		cfg.Dispatch.Enabled = ptr(true)
	}
	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = 2
	}
	if cfg.Dispatch.QueueSize <= 0 {
		cfg.Dispatch.QueueSize = 64
	}
	if cfg.Dispatch.Concurrency <= 0 {
		cfg.Dispatch.Concurrency = 8
	}
	if cfg.Dispatch.RatePerSec <= 0 {
		cfg.Dispatch.RatePerSec = 20
	}
	if cfg.Dispatch.DeliveryTimeout == "" {
		cfg.Dispatch.DeliveryTimeout = "30s"
	}
	if cfg.Dispatch.HistorySize <= 0 {
		cfg.Dispatch.HistorySize = 50
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "none"
	}
	if cfg.Storage.Retention == "" {
		cfg.Storage.Retention = "720h"
	}
	if cfg.Storage.PruneSchedule == "" {
		cfg.Storage.PruneSchedule = "@daily"
	}
	if cfg.Scheduler.DigestSchedule == "" {
		cfg.Scheduler.DigestSchedule = "@hourly"
	}
}
