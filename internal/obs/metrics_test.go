package obs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/m-mizutani/gt"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"autocheckin/internal/eventbus"
	"autocheckin/internal/state"
)

func value(c prometheus.Metric) float64 {
	var d dto.Metric
	if err := c.Write(&d); err != nil {
		return -1
	}
	if d.Counter != nil {
		return d.Counter.GetValue()
	}
	return d.Gauge.GetValue()
}

func TestObserveCountsEvents(t *testing.T) {
	t.Parallel()
	m := New()
	m.Observe(eventbus.Event{Type: eventbus.TypeCheckinAccepted, Data: eventbus.CheckinAccepted{Attempts: 3}})
	m.Observe(eventbus.Event{Type: eventbus.TypeCheckinAccepted, Data: eventbus.CheckinAccepted{Attempts: 1}})
	m.Observe(eventbus.Event{Type: eventbus.TypeSessionFailed, Data: eventbus.SessionFailed{Email: "a@x"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeCycleCompleted, Data: eventbus.CycleCompleted{
		Trigger: "schedule", Processed: 8, Failed: 2, Duration: time.Minute,
	}})

	gt.Value(t, value(m.checkinsTotal)).Equal(2.0)
	gt.Value(t, value(m.sessionFailures)).Equal(1.0)
	gt.Value(t, value(m.cyclesTotal.WithLabelValues("schedule"))).Equal(1.0)
	gt.Value(t, value(m.cycleUsers.WithLabelValues("processed"))).Equal(8.0)
	gt.Value(t, value(m.cycleUsers.WithLabelValues("failed"))).Equal(2.0)
}

func TestConsumeStopsOnCancel(t *testing.T) {
	t.Parallel()
	m := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Consume(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for value(m.sessionFailures) == 0 && time.Now().Before(deadline) {
		bus.Publish(eventbus.Event{Type: eventbus.TypeSessionFailed, Data: eventbus.SessionFailed{}})
		time.Sleep(5 * time.Millisecond)
	}
	gt.Number(t, value(m.sessionFailures)).GreaterOrEqual(1)
	cancel()
	select {
	case err := <-done:
		gt.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Consume did not stop")
	}
}

func TestInstrumentUsesRoutePattern(t *testing.T) {
	t.Parallel()
	m := New()
	st := state.New(10)
	st.Update(state.Connected(true))
	m.RegisterState(st)

	r := chi.NewRouter()
	r.Use(m.Instrument)
	r.Get("/users/{email}", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	r.Handle("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/someone@uni.ac.uk", nil))
	gt.Value(t, rec.Code).Equal(http.StatusTeapot)
	gt.Value(t, value(m.httpRequestsTotal.WithLabelValues("GET", "/users/{email}", "418"))).Equal(1.0)

	srv := httptest.NewServer(r)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	gt.NoError(t, err).Required()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	gt.NoError(t, err).Required()
	gt.String(t, string(body)).Contains("autocheckin_connected 1")
	gt.Bool(t, strings.Contains(string(body), "someone@uni.ac.uk")).False()
}
