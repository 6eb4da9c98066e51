package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"weatherpush/internal/channel"
	"weatherpush/internal/dispatch"
	"weatherpush/internal/eventbus"
	"weatherpush/internal/feed"
	"weatherpush/internal/httpapi"
)

func TestObserveCounts(t *testing.T) {
	c := New(Gauges{})
	for _, e := range []eventbus.Event{
		{Type: eventbus.TypeReading, Data: feed.Reading{Channel: "rain", Raw: "0"}},
		{Type: eventbus.TypeReading, Data: feed.Reading{Channel: "rain", Raw: "1"}},
		{Type: eventbus.TypeRejected, Data: feed.Rejection{Channel: "rain", Raw: "x", Reason: "malformed"}},
		{Type: eventbus.TypeRejected, Data: feed.Rejection{Channel: "hum", Raw: "9", Reason: "channel hum: render title: boom"}},
		{Type: eventbus.TypeDetected, Data: channel.Event{Channel: "rain"}},
		{Type: eventbus.TypePass, Data: dispatch.Pass{Total: 3, Delivered: 1, Transient: 1, Pruned: 1, Duration: 20 * time.Millisecond}},
		{Type: eventbus.TypeEndpoint, Data: httpapi.EndpointEvent{Action: "added"}},
		{Type: "unrelated", Data: 42},
	} {
		c.Observe(e)
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"readings rain", testutil.ToFloat64(c.readings.WithLabelValues("rain")), 2},
		{"rejected malformed", testutil.ToFloat64(c.rejected.WithLabelValues("malformed")), 1},
		{"rejected error", testutil.ToFloat64(c.rejected.WithLabelValues("error")), 1},
		{"events rain", testutil.ToFloat64(c.events.WithLabelValues("rain")), 1},
		{"delivered", testutil.ToFloat64(c.deliveries.WithLabelValues("delivered")), 1},
		{"permanent", testutil.ToFloat64(c.deliveries.WithLabelValues("permanent")), 1},
		{"registry added", testutil.ToFloat64(c.registry.WithLabelValues("added")), 1},
	}
	for _, tc := range checks {
		if tc.got != tc.want {
			t.Fatalf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestHandlerServesGauges(t *testing.T) {
	c := New(Gauges{
		Endpoints:     func() int { return 2 },
		QueueLen:      func() int { return 0 },
		MQTTConnected: func() bool { return true },
	})
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"weatherpush_registry_endpoints 2", "weatherpush_mqtt_connected 1", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestRunConsumesBus(t *testing.T) {
	bus := eventbus.New()
	c := New(Gauges{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, bus)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(c.readings.WithLabelValues("humidity")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("reading never counted")
		}
		bus.Publish(eventbus.Event{Type: eventbus.TypeReading, Data: feed.Reading{Channel: "humidity", Raw: "50"}})
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
