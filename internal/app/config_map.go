package app

import (
	"fmt"
	"strings"
	"time"

	"weatherpush/internal/channel"
	"weatherpush/internal/config"
	"weatherpush/internal/dispatch"
	"weatherpush/internal/httpapi"
	"weatherpush/internal/storage"
	"weatherpush/internal/transport/mqtt"
	"weatherpush/internal/transport/telegram"
	"weatherpush/internal/transport/webpush"
	logx "weatherpush/pkg/logx"
)

// The mappers below assume config.Validate already passed, so durations
// parse cleanly.

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console == nil || *lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Remote: logx.RemoteConfig{
			Enabled:    lc.Telegram.Enabled,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	t := cfg.Logging.Telegram
	return telegram.Config{Token: t.Token, ChatID: t.ChatID, ThreadID: t.ThreadID}
}

func mapChannelSpecs(cfg *config.Config) ([]channel.Spec, error) {
	out := make([]channel.Spec, 0, len(cfg.Channels))
	for _, c := range cfg.Channels {
		kind, err := channel.ParseKind(c.Kind)
		if err != nil {
			return nil, fmt.Errorf("channels[%s]: %w", c.ID, err)
		}
		sp := channel.Spec{ID: c.ID, Kind: kind, Title: c.Title, Body: c.Body, URL: c.URL}
		if c.Active != nil {
			sp.Active = *c.Active
		}
		if c.Threshold != nil {
			sp.Threshold = *c.Threshold
		}
		out = append(out, sp)
	}
	return out, nil
}

func mapDispatchConfig(cfg *config.Config) dispatch.Config {
	d := cfg.Dispatch
	return dispatch.Config{
		Enabled:         d.Enabled == nil || *d.Enabled,
		Workers:         d.Workers,
		QueueSize:       d.QueueSize,
		Concurrency:     d.Concurrency,
		RatePerSec:      d.RatePerSec,
		DeliveryTimeout: config.MustDuration(d.DeliveryTimeout),
		HistorySize:     d.HistorySize,
	}
}

func mapMQTTConfig(cfg *config.Config) mqtt.Config {
	m := cfg.MQTT
	return mqtt.Config{
		Broker:             m.Broker,
		ClientID:           m.ClientID,
		Username:           m.Username,
		Password:           m.Password,
		QoS:                byte(m.QoS),
		KeepAlive:          config.MustDuration(m.KeepAlive),
		ConnectTimeout:     config.MustDuration(m.ConnectTimeout),
		InsecureSkipVerify: m.InsecureSkipVerify,
		Topics:             m.Topics,
	}
}

func mapWebPushConfig(cfg *config.Config) webpush.Config {
	w := cfg.WebPush
	return webpush.Config{
		Subject:    w.Subject,
		PublicKey:  w.PublicKey,
		PrivateKey: w.PrivateKey,
		TTL:        config.MustDuration(w.TTL),
		Urgency:    w.Urgency,
		Topic:      w.Topic,
		Timeout:    config.MustDuration(w.Timeout),
	}
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	h := cfg.HTTP
	return httpapi.Config{
		Addr:         h.Addr,
		StaticDir:    h.StaticDir,
		Pprof:        h.Pprof,
		MaxBodyBytes: h.MaxBodyBytes,
		ReadTimeout:  config.MustDuration(h.ReadTimeout),
		WriteTimeout: config.MustDuration(h.WriteTimeout),
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	s := cfg.Storage
	busy := config.MustDuration(s.BusyTimeout)
	if busy <= 0 {
		busy = time.Second
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(s.Driver)),
		Path:        strings.TrimSpace(s.Path),
		DSN:         s.DSN,
		BusyTimeout: busy,
	}
}
