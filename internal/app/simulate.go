package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"weatherpush/internal/channel"
	"weatherpush/internal/config"
	"weatherpush/internal/dispatch"
	"weatherpush/internal/feed"
	"weatherpush/internal/registry"
	"weatherpush/internal/transport/webpush"
	logx "weatherpush/pkg/logx"
)

type SimulateOptions struct {
	// Send delivers detected events to Subscriptions through Web Push.
	Send          bool
	Subscriptions []registry.Endpoint
	Log           logx.Logger
}

// SimulateLine is one JSON line of simulate output.
type SimulateLine struct {
	Channel string         `json:"channel"`
	Raw     string         `json:"raw"`
	Error   string         `json:"error,omitempty"`
	Event   *channel.Event `json:"event,omitempty"`
	Pass    *dispatch.Pass `json:"pass,omitempty"`
}

// Simulate replays readings from in through the configured channels and
// writes one JSON line per reading to out. Input lines are
// "<topic-or-channel> <value>"; blank lines and # comments are skipped.
func Simulate(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, opts SimulateOptions) error {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	specs, err := mapChannelSpecs(cfg)
	if err != nil {
		return err
	}
	tracker, err := channel.NewTracker(specs)
	if err != nil {
		return err
	}

	sink := &simulateSink{}
	if opts.Send {
		sender, err := webpush.New(mapWebPushConfig(cfg), log)
		if err != nil {
			return err
		}
		reg := registry.New(0)
		for _, ep := range opts.Subscriptions {
			if _, err := reg.Add(ep); err != nil {
				return fmt.Errorf("subscription %s: %w", ep.ShortKey(), err)
			}
		}
		dcfg := mapDispatchConfig(cfg)
		dcfg.Enabled = true
		sink.engine = dispatch.New(dcfg, reg, sender, log, nil, nil)
	}
	router := feed.NewRouter(tracker, sink, log, nil)

	enc := json.NewEncoder(out)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, raw, _ := strings.Cut(line, " ")
		ch := key
		if mapped, ok := cfg.MQTT.Topics[key]; ok {
			ch = mapped
		}

		sink.reset()
		res := SimulateLine{Channel: ch, Raw: strings.TrimSpace(raw)}
		if err := router.HandleMessage(ctx, ch, raw); err != nil {
			res.Error = err.Error()
		}
		res.Event, res.Pass = sink.event, sink.pass
		if err := enc.Encode(res); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return sc.Err()
}

// simulateSink is a synchronous feed.Dispatcher that remembers the last
// event and, when sending, the pass it produced.
type simulateSink struct {
	engine *dispatch.Engine
	event  *channel.Event
	pass   *dispatch.Pass
}

func (s *simulateSink) reset() { s.event, s.pass = nil, nil }

func (s *simulateSink) Dispatch(ctx context.Context, ev channel.Event) error {
	s.event = &ev
	if s.engine == nil {
		return nil
	}
	p := s.engine.Run(ctx, ev)
	s.pass = &p
	if p.Skipped > 0 {
		return errors.New("pass interrupted")
	}
	return nil
}
