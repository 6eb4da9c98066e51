// Package channel tracks the last reading of every monitored sensor channel
// and detects the transitions worth notifying about.
//
// Each channel is serialized by its own lock: readings for one channel are
// evaluated strictly in the order Observe is called, while different channels
// never contend.
package channel

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrParse          = errors.New("malformed reading")
)

// ParseError reports a reading that could not be parsed for its channel.
type ParseError struct {
	Channel string
	Raw     string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("channel %s: malformed reading %q: %v", e.Channel, e.Raw, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// Spec configures one channel.
//
// Title, Body and URL are text/template strings rendered with TemplateData.
type Spec struct {
	ID        string
	Kind      Kind
	Active    int64
	Threshold float64
	Title     string
	Body      string
	URL       string
}

// TemplateData is passed to the notification templates.
type TemplateData struct {
	Channel string
	Value   string
	Num     float64
}

// Event is a detected transition, ready for dispatch.
type Event struct {
	ID      string    `json:"id"`
	Channel string    `json:"channel"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	URL     string    `json:"url"`
	Value   string    `json:"value"`
	At      time.Time `json:"at"`
}

// Payload is the JSON document delivered to the browser.
//
// title, body and url are the contract the service worker parses; type is
// additive and lets the worker tag notifications per channel.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
	Type  string `json:"type,omitempty"`
}

func (e Event) Payload() Payload {
	return Payload{Title: e.Title, Body: e.Body, URL: e.URL, Type: e.Channel}
}

// Status is a read-only view of one channel for operators.
type Status struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Last          *Value    `json:"last,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
	Readings      uint64    `json:"readings"`
	Events        uint64    `json:"events"`
	ParseFailures uint64    `json:"parse_failures"`
}

type state struct {
	mu sync.Mutex

	id    string
	kind  Kind
	rule  Rule
	title *template.Template
	body  *template.Template
	url   *template.Template

	last      *Value
	updatedAt time.Time
	readings  uint64
	events    uint64
	malformed uint64
}

// Tracker owns the state of every configured channel.
type Tracker struct {
	states map[string]*state
	now    func() time.Time
	newID  func() string
}

type Option func(*Tracker)

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithIDs overrides the event id generator.
func WithIDs(fn func() string) Option { return func(t *Tracker) { t.newID = fn } }

func NewTracker(specs []Spec, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		states: make(map[string]*state, len(specs)),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(t)
	}
	for _, sp := range specs {
		st, err := newState(sp)
		if err != nil {
			return nil, err
		}
		if _, dup := t.states[st.id]; dup {
			return nil, fmt.Errorf("channel %q configured twice", st.id)
		}
		t.states[st.id] = st
	}
	return t, nil
}

func newState(sp Spec) (*state, error) {
	id := strings.TrimSpace(sp.ID)
	if id == "" {
		return nil, errors.New("channel id is required")
	}
	var rule Rule
	switch sp.Kind {
	case KindSentinel:
		rule = SentinelRule{Active: sp.Active}
	case KindThreshold:
		rule = ThresholdRule{Limit: sp.Threshold}
	case KindPassive:
		rule = PassiveRule{}
	default:
		return nil, fmt.Errorf("channel %s: unknown kind %q", id, sp.Kind)
	}

	st := &state{id: id, kind: sp.Kind, rule: rule}
	var err error
	if st.title, err = parseTemplate(id, "title", sp.Title, "{{.Channel}} alert"); err != nil {
		return nil, err
	}
	if st.body, err = parseTemplate(id, "body", sp.Body, "{{.Channel}} reading is {{.Value}}"); err != nil {
		return nil, err
	}
	if st.url, err = parseTemplate(id, "url", sp.URL, "/"); err != nil {
		return nil, err
	}
	return st, nil
}

func parseTemplate(id, field, text, def string) (*template.Template, error) {
	if strings.TrimSpace(text) == "" {
		text = def
	}
	tpl, err := template.New(id + "." + field).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %s template: %w", id, field, err)
	}
	return tpl, nil
}

// Observe evaluates one raw reading for channelID.
//
// It returns the event and true only when the reading is a notifiable edge.
// A malformed reading returns a *ParseError and leaves the last value
// untouched; every other reading becomes the new last value.
func (t *Tracker) Observe(channelID, raw string) (Event, bool, error) {
	st, ok := t.states[channelID]
	if !ok {
		return Event{}, false, fmt.Errorf("%w: %q", ErrUnknownChannel, channelID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	v, err := st.rule.Parse(raw)
	if err != nil {
		st.malformed++
		return Event{}, false, &ParseError{Channel: st.id, Raw: raw, Err: err}
	}

	fire := st.rule.Fires(st.last, v)
	now := t.now()
	st.last = &v
	st.updatedAt = now
	st.readings++
	if !fire {
		return Event{}, false, nil
	}

	ev, err := st.render(v)
	if err != nil {
		return Event{}, false, err
	}
	st.events++
	ev.ID = t.newID()
	ev.At = now
	return ev, true, nil
}

func (st *state) render(v Value) (Event, error) {
	data := TemplateData{Channel: st.id, Value: v.Text, Num: v.Num}
	var out [3]string
	for i, tpl := range []*template.Template{st.title, st.body, st.url} {
		var b bytes.Buffer
		if err := tpl.Execute(&b, data); err != nil {
			return Event{}, fmt.Errorf("channel %s: render %s: %w", st.id, tpl.Name(), err)
		}
		out[i] = b.String()
	}
	return Event{Channel: st.id, Title: out[0], Body: out[1], URL: out[2], Value: v.Text}, nil
}

// Last returns the last parsed value of channelID.
func (t *Tracker) Last(channelID string) (Value, bool) {
	st, ok := t.states[channelID]
	if !ok {
		return Value{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.last == nil {
		return Value{}, false
	}
	return *st.last, true
}

// Has reports whether channelID is configured.
func (t *Tracker) Has(channelID string) bool {
	_, ok := t.states[channelID]
	return ok
}

// Channels returns the status of every channel sorted by id.
func (t *Tracker) Channels() []Status {
	out := make([]Status, 0, len(t.states))
	for _, st := range t.states {
		st.mu.Lock()
		s := Status{
			ID:            st.id,
			Kind:          st.kind,
			UpdatedAt:     st.updatedAt,
			Readings:      st.readings,
			Events:        st.events,
			ParseFailures: st.malformed,
		}
		if st.last != nil {
			v := *st.last
			s.Last = &v
		}
		st.mu.Unlock()
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate checks that sp builds a channel and that its templates render.
func Validate(sp Spec) error {
	st, err := newState(sp)
	if err != nil {
		return err
	}
	_, err = st.render(Value{Text: "0", Num: 0})
	return err
}
