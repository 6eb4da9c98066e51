// Package feed is the boundary between the telemetry transport and the engine.
package feed

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"weatherpush/internal/channel"
	"weatherpush/internal/eventbus"
	logx "weatherpush/pkg/logx"
)

// Observer evaluates readings. *channel.Tracker implements it.
type Observer interface {
	Observe(channelID, raw string) (channel.Event, bool, error)
}

// Dispatcher accepts detected events. *dispatch.Engine implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev channel.Event) error
}

// Reading is published on the bus for every message received.
type Reading struct {
	Channel string `json:"channel"`
	Raw     string `json:"raw"`
}

// Rejection is published when a message could not be evaluated.
type Rejection struct {
	Channel string `json:"channel"`
	Raw     string `json:"raw"`
	Reason  string `json:"reason"`
}

type Counters struct {
	Received  uint64 `json:"received"`
	Unknown   uint64 `json:"unknown"`
	Malformed uint64 `json:"malformed"`
	Events    uint64 `json:"events"`
	Enqueue   uint64 `json:"enqueue_failures"`
}

// Router routes (channel, raw) pairs from the transport to the tracker and
// forwards detected events to the dispatcher. It never blocks on delivery.
type Router struct {
	obs  Observer
	disp Dispatcher
	log  logx.Logger
	bus  eventbus.Bus

	received  atomic.Uint64
	unknown   atomic.Uint64
	malformed atomic.Uint64
	events    atomic.Uint64
	enqueue   atomic.Uint64
}

func NewRouter(obs Observer, disp Dispatcher, log logx.Logger, bus eventbus.Bus) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Router{obs: obs, disp: disp, log: log, bus: bus}
}

// HandleMessage processes one reading. The returned error is informational;
// every failure has already been logged.
func (r *Router) HandleMessage(ctx context.Context, channelID, raw string) error {
	r.received.Add(1)
	raw = strings.TrimSpace(raw)
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeReading, Data: Reading{Channel: channelID, Raw: raw}})

	ev, fired, err := r.obs.Observe(channelID, raw)
	switch {
	case errors.Is(err, channel.ErrUnknownChannel):
		r.unknown.Add(1)
		r.log.Warn("reading for unknown channel", logx.String("channel", channelID))
		r.reject(channelID, raw, "unknown channel")
		return err
	case errors.Is(err, channel.ErrParse):
		r.malformed.Add(1)
		r.log.Warn("malformed reading", logx.String("channel", channelID), logx.String("raw", raw), logx.Err(err))
		r.reject(channelID, raw, "malformed")
		return err
	case err != nil:
		r.log.Error("reading evaluation failed", logx.String("channel", channelID), logx.Err(err))
		r.reject(channelID, raw, err.Error())
		return err
	}

	r.log.Debug("reading", logx.String("channel", channelID), logx.String("value", raw), logx.Bool("fired", fired))
	if !fired {
		return nil
	}

	r.events.Add(1)
	r.log.Info("event detected",
		logx.String("event_id", ev.ID),
		logx.String("channel", ev.Channel),
		logx.String("value", ev.Value),
		logx.String("title", ev.Title),
	)
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeDetected, Data: ev})

	if err := r.disp.Dispatch(ctx, ev); err != nil {
		r.enqueue.Add(1)
		r.log.Error("event not dispatched", logx.String("event_id", ev.ID), logx.Err(err))
		return err
	}
	return nil
}

func (r *Router) reject(channelID, raw, reason string) {
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeRejected, Data: Rejection{Channel: channelID, Raw: raw, Reason: reason}})
}

func (r *Router) Counters() Counters {
	return Counters{
		Received:  r.received.Load(),
		Unknown:   r.unknown.Load(),
		Malformed: r.malformed.Load(),
		Events:    r.events.Load(),
		Enqueue:   r.enqueue.Load(),
	}
}
