package dispatch

import (
	"context"
	"time"

	"weatherpush/internal/registry"
)

// Outcome classifies one delivery attempt.
type Outcome int

const (
	// Delivered means the push service accepted the message.
	Delivered Outcome = iota
	// Transient means the attempt failed but the endpoint stays registered.
	Transient
	// Permanent means the endpoint is gone and must be forgotten.
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Result is what a Sender reports for one endpoint.
type Result struct {
	Outcome Outcome
	Status  int // transport status code, 0 if none
	Err     error
}

// Sender is the push-delivery capability.
//
// Send must honour ctx and must classify every attempt; it is called
// concurrently for different endpoints.
type Sender interface {
	Send(ctx context.Context, ep registry.Endpoint, payload []byte) Result
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, ep registry.Endpoint, payload []byte) Result

func (f SenderFunc) Send(ctx context.Context, ep registry.Endpoint, payload []byte) Result {
	return f(ctx, ep, payload)
}

// Registry is the part of the endpoint registry the engine needs: it reads
// snapshots and requests removals, nothing else.
type Registry interface {
	Snapshot() registry.Snapshot
	Remove(ep registry.Endpoint) bool
}

// Config controls the dispatch pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	Concurrency     int
	RatePerSec      int
	DeliveryTimeout time.Duration
	HistorySize     int
}

// Pass summarizes one fan-out of one event.
type Pass struct {
	EventID   string        `json:"event_id"`
	Channel   string        `json:"channel"`
	Title     string        `json:"title"`
	Total     int           `json:"total"`
	Delivered int           `json:"delivered"`
	Transient int           `json:"transient"`
	Pruned    int           `json:"pruned"`
	Skipped   int           `json:"skipped,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// PrunedEvent is published on the bus when an endpoint is removed.
type PrunedEvent struct {
	EventID  string `json:"event_id"`
	Endpoint string `json:"endpoint"` // short hash
	Status   int    `json:"status,omitempty"`
}

// Stats are cumulative counters since start-up.
type Stats struct {
	Running   bool   `json:"running"`
	QueueLen  int    `json:"queue_len"`
	QueueCap  int    `json:"queue_cap"`
	Passes    uint64 `json:"passes"`
	Delivered uint64 `json:"delivered"`
	Transient uint64 `json:"transient"`
	Pruned    uint64 `json:"pruned"`
	Dropped   uint64 `json:"dropped"`
}
