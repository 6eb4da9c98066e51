package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"weatherpush/internal/eventbus"
	"weatherpush/internal/registry"
	logx "weatherpush/pkg/logx"
)

// A browser PushSubscription.toJSON() document. Extra members are allowed;
// browsers add fields over time.
const subscriptionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["endpoint", "keys"],
  "properties": {
    "endpoint": {"type": "string", "pattern": "^https?://\\S+$"},
    "expirationTime": {"type": ["integer", "null"]},
    "keys": {
      "type": "object",
      "required": ["p256dh", "auth"],
      "properties": {
        "p256dh": {"type": "string", "minLength": 1},
        "auth": {"type": "string", "minLength": 1}
      }
    }
  }
}`

const unsubscribeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["endpoint"],
  "properties": {"endpoint": {"type": "string", "minLength": 1}}
}`

type subscriptionSchema struct {
	subscribe   *jsonschema.Schema
	unsubscribe *jsonschema.Schema
}

func compileSubscriptionSchema() (*subscriptionSchema, error) {
	c := jsonschema.NewCompiler()
	load := func(name, text string) (*jsonschema.Schema, error) {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, err
		}
		return c.Compile(name)
	}
	sub, err := load("subscription.json", subscriptionSchemaJSON)
	if err != nil {
		return nil, err
	}
	unsub, err := load("unsubscribe.json", unsubscribeSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &subscriptionSchema{subscribe: sub, unsubscribe: unsub}, nil
}

// readValidated reads a capped body, checks it against sch and decodes it
// into dst.
func (s *Server) readValidated(w http.ResponseWriter, r *http.Request, sch *jsonschema.Schema, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	if err := sch.Validate(inst); err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

// EndpointEvent is published when the registry changes through the API.
type EndpointEvent struct {
	Action   string `json:"action"` // added|refreshed|removed
	Endpoint string `json:"endpoint"`
	Total    int    `json:"total"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var ep registry.Endpoint
	if err := s.readValidated(w, r, s.schema.subscribe, &ep); err != nil {
		s.log.Debug("subscription rejected", logx.Err(err))
		writeError(w, http.StatusBadRequest, "Invalid subscription")
		return
	}

	added, err := s.deps.Registry.Add(ep)
	switch {
	case errors.Is(err, registry.ErrInvalidEndpoint):
		writeError(w, http.StatusBadRequest, "Invalid subscription")
		return
	case errors.Is(err, registry.ErrRegistryFull):
		s.log.Warn("subscription refused, registry full", logx.Int("endpoints", s.deps.Registry.Len()))
		writeError(w, http.StatusServiceUnavailable, "Subscription limit reached")
		return
	case err != nil:
		s.log.Error("subscription failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "Subscription failed")
		return
	}

	action := "refreshed"
	if added {
		action = "added"
	}
	total := s.deps.Registry.Len()
	s.log.Info("subscription "+action, logx.String("endpoint", ep.ShortKey()), logx.Int("endpoints", total))
	s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeEndpoint, Data: EndpointEvent{Action: action, Endpoint: ep.ShortKey(), Total: total}})
	writeJSON(w, http.StatusCreated, map[string]bool{"success": true})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := s.readValidated(w, r, s.schema.unsubscribe, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid subscription")
		return
	}
	key := strings.TrimSpace(req.Endpoint)
	removed := s.deps.Registry.RemoveKey(key)
	if removed {
		total := s.deps.Registry.Len()
		s.log.Info("subscription removed", logx.String("endpoint", registry.ShortKey(key)), logx.Int("endpoints", total))
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeEndpoint, Data: EndpointEvent{Action: "removed", Endpoint: registry.ShortKey(key), Total: total}})
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true, "removed": removed})
}
