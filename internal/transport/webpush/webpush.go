// Package webpush delivers payloads to browser push services using VAPID.
package webpush

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	wp "github.com/SherClockHolmes/webpush-go"

	"weatherpush/internal/dispatch"
	"weatherpush/internal/registry"
	logx "weatherpush/pkg/logx"
)

var ErrNoKeys = errors.New("webpush: VAPID keys are not configured")

type Config struct {
	Subject    string // mailto: or https: contact
	PublicKey  string
	PrivateKey string
	TTL        time.Duration
	Urgency    string // very-low|low|normal|high
	Topic      string
	Timeout    time.Duration
}

// Sender implements dispatch.Sender.
type Sender struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.PublicKey) == "" || strings.TrimSpace(cfg.PrivateKey) == "" {
		return nil, ErrNoKeys
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	switch cfg.Urgency {
	case "", "very-low", "low", "normal", "high":
	default:
		return nil, fmt.Errorf("webpush: invalid urgency %q", cfg.Urgency)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}, nil
}

func (s *Sender) PublicKey() string { return s.cfg.PublicKey }

// Send encrypts payload for ep and posts it to the push service.
func (s *Sender) Send(ctx context.Context, ep registry.Endpoint, payload []byte) dispatch.Result {
	sub := &wp.Subscription{
		Endpoint: ep.Key(),
		Keys:     wp.Keys{P256dh: ep.Keys.P256dh, Auth: ep.Keys.Auth},
	}
	opts := &wp.Options{
		HTTPClient:      s.client,
		Subscriber:      subscriber(s.cfg.Subject),
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey,
		TTL:             int(s.cfg.TTL / time.Second),
		Urgency:         wp.Urgency(s.cfg.Urgency),
		Topic:           s.cfg.Topic,
	}

	// The library pads the message in place through bytes.NewBuffer, which
	// writes into spare capacity of the caller's slice. One payload is
	// shared by every attempt of a pass, so hand it a private copy.
	resp, err := wp.SendNotificationWithContext(ctx, bytes.Clone(payload), sub, opts)
	if err != nil {
		// Encryption errors (bad keys) and network errors both land here.
		// Neither proves the endpoint is gone.
		return dispatch.Result{Outcome: dispatch.Transient, Err: fmt.Errorf("webpush send: %w", err)}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	out := Classify(resp.StatusCode)
	res := dispatch.Result{Outcome: out, Status: resp.StatusCode}
	if out != dispatch.Delivered {
		res.Err = fmt.Errorf("push service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return res
}

// subscriber returns the VAPID "sub" claim in the form the library expects:
// an https URL as is, an e-mail address without its mailto: prefix.
func subscriber(subject string) string {
	return strings.TrimPrefix(strings.TrimSpace(subject), "mailto:")
}

// Classify maps a push-service status code to a delivery outcome.
// 404 and 410 mean the subscription expired or was revoked.
func Classify(status int) dispatch.Outcome {
	switch {
	case status >= 200 && status < 300:
		return dispatch.Delivered
	case status == http.StatusNotFound, status == http.StatusGone:
		return dispatch.Permanent
	default:
		return dispatch.Transient
	}
}

// Keys is a VAPID key pair, base64url encoded.
type Keys struct {
	Public  string `json:"public_key"`
	Private string `json:"private_key"`
}

func GenerateKeys() (Keys, error) {
	priv, pub, err := wp.GenerateVAPIDKeys()
	if err != nil {
		return Keys{}, err
	}
	return Keys{Public: pub, Private: priv}, nil
}
