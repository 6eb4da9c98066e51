package config

import (
	"os"
	"strings"
)

// Environment overrides. Secrets are usually injected this way rather than
// written to the config file.
const (
	EnvVAPIDPrivateKey = "WEATHERPUSH_VAPID_PRIVATE_KEY"
	EnvVAPIDPublicKey  = "WEATHERPUSH_VAPID_PUBLIC_KEY"
	EnvMQTTPassword    = "WEATHERPUSH_MQTT_PASSWORD"
	EnvTelegramToken   = "WEATHERPUSH_TELEGRAM_TOKEN"
	EnvPort            = "PORT"
)

// ApplyEnv overlays environment overrides onto cfg. lookup is usually
// os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvVAPIDPrivateKey, &cfg.WebPush.PrivateKey)
	set(EnvVAPIDPublicKey, &cfg.WebPush.PublicKey)
	set(EnvMQTTPassword, &cfg.MQTT.Password)
	set(EnvTelegramToken, &cfg.Logging.Telegram.Token)

	var port string
	set(EnvPort, &port)
	if port != "" {
		cfg.HTTP.Addr = ":" + strings.TrimPrefix(port, ":")
	}
}
