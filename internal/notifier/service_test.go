package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"autocheckin/internal/eventbus"
	logx "autocheckin/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []string
	calls int
}

func (f *fakeSender) SendText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram: 502")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Checkins:      true,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeSender{}, logx.Nop())
	gt.Error(t, s.Notify(context.Background(), "hi")).Is(ErrDisabled)

	s = New(testConfig(), nil, logx.Nop())
	gt.Bool(t, s.Enabled()).False()
}

func TestNotifyBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), &fakeSender{}, logx.Nop())
	gt.Error(t, s.Notify(context.Background(), "hi")).Is(ErrStopped)
}

func TestDeliversAndRetries(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{fails: 2}
	s := New(testConfig(), snd, logx.Nop())
	s.Start(context.Background())

	gt.NoError(t, s.Notify(context.Background(), "checked in"))
	stop(t, s)

	gt.Value(t, snd.Sent()).Equal([]string{"checked in"})
	gt.Value(t, snd.calls).Equal(3)
	gt.Array(t, s.History()).Length(1)
}

func TestDedupSuppressesRepeats(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	s := New(testConfig(), snd, logx.Nop())
	s.Start(context.Background())

	for i := 0; i < 3; i++ {
		gt.NoError(t, s.Notify(context.Background(), "same"))
	}
	gt.NoError(t, s.Notify(context.Background(), "other"))
	stop(t, s)

	gt.Array(t, snd.Sent()).Length(2)
}

func TestStopRejectsNewWork(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), &fakeSender{}, logx.Nop())
	s.Start(context.Background())
	stop(t, s)
	gt.Error(t, s.Notify(context.Background(), "late")).Is(ErrStopped)
}

func TestConsumeForwardsEvents(t *testing.T) {
	t.Parallel()
	snd := &fakeSender{}
	s := New(testConfig(), snd, logx.Nop())
	s.Start(context.Background())

	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Consume(ctx, bus) }()

	// Subscription happens inside Consume.
	deadline := time.Now().Add(2 * time.Second)
	for len(snd.Sent()) == 0 && time.Now().Before(deadline) {
		bus.Publish(eventbus.Event{Type: eventbus.TypeSessionFailed, Data: eventbus.SessionFailed{Email: "a@uni.ac.uk", Reason: "login rejected"}})
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	gt.Error(t, <-done).Is(context.Canceled)
	stop(t, s)

	sent := snd.Sent()
	gt.Array(t, sent).Length(1)
	gt.String(t, sent[0]).Contains("a@uni.ac.uk")
}

func TestFormat(t *testing.T) {
	t.Parallel()
	ev := eventbus.Event{Data: eventbus.CheckinAccepted{Email: "a@x", Activity: "Lecture", Code: "424242", Attempts: 2}}
	text, ok := Format(ev, true)
	gt.Bool(t, ok).True()
	gt.String(t, text).Contains("424242")
	gt.String(t, text).Contains("Lecture")

	_, ok = Format(ev, false)
	gt.Bool(t, ok).False()

	text, ok = Format(eventbus.Event{Data: eventbus.CycleCompleted{Trigger: "scheduled", Total: 5, Processed: 4, Failed: 1, Duration: 90 * time.Second}}, false)
	gt.Bool(t, ok).True()
	gt.String(t, text).Contains("4/5 users processed, 1 failed in 1m30s")

	_, ok = Format(eventbus.Event{Data: eventbus.CycleCompleted{}}, true)
	gt.Bool(t, ok).False()

	_, ok = Format(eventbus.Event{Type: "other"}, true)
	gt.Bool(t, ok).False()
}

func TestRetryDelayCapped(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		d := retryDelay(cfg, attempt)
		gt.Bool(t, d > 0 && d <= time.Second).True()
	}
}
