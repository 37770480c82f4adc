package eventbus

import (
	"testing"

	"github.com/m-mizutani/gt"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubC()

	b.Publish(Event{Type: TypeCheckinAccepted, Data: CheckinAccepted{Email: "a@x"}})

	ev := <-a
	gt.Value(t, ev.Type).Equal(TypeCheckinAccepted)
	gt.Bool(t, ev.Time.IsZero()).False()
	gt.Value(t, (<-c).Data.(CheckinAccepted).Email).Equal("a@x")

	unsubA()
	unsubA()
	b.Publish(Event{Type: TypeCycleCompleted})
	_, open := <-a
	gt.Bool(t, open).False()
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: "one"})
	b.Publish(Event{Type: "two"})
	gt.Value(t, (<-ch).Type).Equal("one")
	gt.Value(t, len(ch)).Equal(0)
}
