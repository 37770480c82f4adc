package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the check-in engine.
const (
	TypeCheckinAccepted = "checkin.accepted"
	TypeCycleCompleted  = "cycle.completed"
	TypeSessionFailed   = "session.failed"
	TypeLogAppended     = "state.log"
)

// Event is a small in-memory signal. Publish never blocks; a slow subscriber
// loses events once its buffer is full.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// CheckinAccepted is the Data of TypeCheckinAccepted.
type CheckinAccepted struct {
	Email    string
	EventID  string
	Activity string
	Code     string
	Attempts int
}

// CycleCompleted is the Data of TypeCycleCompleted.
type CycleCompleted struct {
	RunID     string
	Trigger   string
	Total     int
	Processed int
	Failed    int
	Duration  time.Duration
}

// SessionFailed is the Data of TypeSessionFailed.
type SessionFailed struct {
	Email  string
	Reason string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
