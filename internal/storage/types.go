package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome values stored in DeliveryRecord.Outcome.
const (
	OutcomeDelivered = "delivered"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
)

// DeliveryRecord is one delivery attempt to one endpoint.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	At        time.Time `json:"at"`
	EventID   string    `json:"event_id"`
	Channel   string    `json:"channel"`
	Endpoint  string    `json:"endpoint"`
	Outcome   string    `json:"outcome"`
	Status    int       `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
}
