package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("30s", "24h"). Omitted fields take the
// defaults from ApplyDefaults.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Channels  []ChannelConfig `json:"channels"`
	WebPush   WebPushConfig   `json:"webpush"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Registry  RegistryConfig  `json:"registry"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type LoggingConfig struct {
	Level    string            `json:"level"`
	Console  *bool             `json:"console,omitempty"`
	File     FileLogConfig     `json:"file"`
	Telegram TelegramLogConfig `json:"telegram"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TelegramLogConfig forwards warn+ lines to an operator chat.
type TelegramLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type HTTPConfig struct {
	Addr         string `json:"addr"`
	StaticDir    string `json:"static_dir"`
	Pprof        bool   `json:"pprof"`
	Metrics      *bool  `json:"metrics,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type MQTTConfig struct {
	Broker             string            `json:"broker"`
	ClientID           string            `json:"client_id,omitempty"`
	Username           string            `json:"username,omitempty"`
	Password           string            `json:"password,omitempty"`
	QoS                int               `json:"qos"`
	KeepAlive          string            `json:"keepalive,omitempty"`
	ConnectTimeout     string            `json:"connect_timeout,omitempty"`
	InsecureSkipVerify bool              `json:"insecure_skip_verify,omitempty"`
	Topics             map[string]string `json:"topics"`
}

// ChannelConfig declares one logical channel.
//
// Active is used by sentinel channels, Threshold by threshold channels.
// Threshold is a pointer so an omitted value is distinguishable from 0.
type ChannelConfig struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	Active    *int64   `json:"active,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	Title     string   `json:"title,omitempty"`
	Body      string   `json:"body,omitempty"`
	URL       string   `json:"url,omitempty"`
}

type WebPushConfig struct {
	Subject    string `json:"subject"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key,omitempty"`
	TTL        string `json:"ttl,omitempty"`
	Urgency    string `json:"urgency,omitempty"`
	Topic      string `json:"topic,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type DispatchConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	Concurrency     int    `json:"concurrency,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	DeliveryTimeout string `json:"delivery_timeout,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
}

type RegistryConfig struct {
	MaxEndpoints int `json:"max_endpoints,omitempty"` // 0 means unbounded
}

type StorageConfig struct {
	Driver        string `json:"driver"` // none|file|sqlite|postgres
	Path          string `json:"path,omitempty"`
	DSN           string `json:"dsn,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"`
	Retention     string `json:"retention,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

type SchedulerConfig struct {
	Timezone       string `json:"timezone,omitempty"`
	DigestSchedule string `json:"digest_schedule,omitempty"`
}
