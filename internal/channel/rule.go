package channel

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind selects how a channel parses readings and when it fires.
type Kind string

const (
	// KindSentinel channels carry an integer code; one code means "active".
	KindSentinel Kind = "sentinel"
	// KindThreshold channels carry a float and fire on an upward crossing.
	KindThreshold Kind = "threshold"
	// KindPassive channels carry a float, are tracked, and never fire.
	KindPassive Kind = "passive"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindSentinel, KindThreshold, KindPassive:
		return k, nil
	default:
		return "", fmt.Errorf("unknown channel kind %q", s)
	}
}

// Value is a parsed reading.
type Value struct {
	Text string  `json:"text"`
	Num  float64 `json:"num"`
}

// Rule parses raw readings and decides whether a transition is notifiable.
// Implementations are pure.
type Rule interface {
	Parse(raw string) (Value, error)
	// Fires reports whether moving from prev (nil when there was no previous
	// reading) to next is a notifiable edge.
	Fires(prev *Value, next Value) bool
}

// SentinelRule fires when the reading becomes Active.
type SentinelRule struct {
	Active int64
}

func (r SentinelRule) Parse(raw string) (Value, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return Value{}, err
	}
	return Value{Text: strconv.FormatInt(n, 10), Num: float64(n)}, nil
}

// Fires treats an absent previous reading as "not active", so the very first
// active reading after start-up is a transition.
func (r SentinelRule) Fires(prev *Value, next Value) bool {
	active := float64(r.Active)
	return next.Num == active && (prev == nil || prev.Num != active)
}

// ThresholdRule fires when the reading rises above Limit.
type ThresholdRule struct {
	Limit float64
}

func (r ThresholdRule) Parse(raw string) (Value, error) { return parseFloat(raw) }

// Fires treats an absent previous reading as "at or below", so a first
// reading already above the limit is a transition.
func (r ThresholdRule) Fires(prev *Value, next Value) bool {
	return next.Num > r.Limit && (prev == nil || prev.Num <= r.Limit)
}

// PassiveRule records readings and never fires.
type PassiveRule struct{}

func (PassiveRule) Parse(raw string) (Value, error) { return parseFloat(raw) }
func (PassiveRule) Fires(*Value, Value) bool        { return false }

func parseFloat(raw string) (Value, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return Value{}, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("non-finite reading %q", raw)
	}
	return Value{Text: strconv.FormatFloat(f, 'f', -1, 64), Num: f}, nil
}
