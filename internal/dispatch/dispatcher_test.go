package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Hara602/usbmon/internal/model"
	"go.uber.org/zap/zaptest"
)

func event(i int) model.StateChangeEvent {
	return model.StateChangeEvent{Kind: model.StateAttached, Device: model.DeviceDescriptor{ID: fmt.Sprintf("dev-%d", i)}}
}

func drain(t *testing.T, s *Subscription) []model.StateChangeEvent {
	t.Helper()
	var got []model.StateChangeEvent
	timeout := time.After(time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("subscription was not closed")
		}
	}
}

func TestPublish_PreservesOrder(t *testing.T) {
	d := New(128, zaptest.NewLogger(t))
	s := d.Subscribe(context.Background())

	for i := 0; i < 100; i++ {
		d.Publish(event(i))
	}
	d.Close(nil)

	got := drain(t, s)
	if len(got) != 100 {
		t.Fatalf("got %d events, want 100", len(got))
	}
	for i, ev := range got {
		if ev.Device.ID != fmt.Sprintf("dev-%d", i) {
			t.Fatalf("event %d = %s, out of order", i, ev.Device.ID)
		}
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v, want nil on clean close", s.Err())
	}
}

func TestPublish_SlowSubscriberDropsOldest(t *testing.T) {
	d := New(4, zaptest.NewLogger(t))
	stalled := d.Subscribe(context.Background(), WithName("stalled"))
	healthy := d.Subscribe(context.Background(), WithDepth(64), WithName("healthy"))

	for i := 0; i < 10; i++ {
		d.Publish(event(i))
	}
	d.Close(nil)

	if stalled.Dropped() != 6 {
		t.Errorf("stalled dropped = %d, want 6", stalled.Dropped())
	}
	got := drain(t, stalled)
	if len(got) != 4 {
		t.Fatalf("stalled kept %d events, want 4", len(got))
	}
	// the newest events survive, still in order
	for i, ev := range got {
		if want := fmt.Sprintf("dev-%d", i+6); ev.Device.ID != want {
			t.Errorf("stalled event %d = %s, want %s", i, ev.Device.ID, want)
		}
	}

	if healthy.Dropped() != 0 {
		t.Errorf("healthy dropped = %d, want 0", healthy.Dropped())
	}
	if n := len(drain(t, healthy)); n != 10 {
		t.Errorf("healthy got %d events, want 10", n)
	}
	if st := d.Stats(); st.Dropped != 6 || st.Published != 10 {
		t.Errorf("stats = %+v, want 6 dropped, 10 published", st)
	}
}

func TestPublish_NeverBlocks(t *testing.T) {
	d := New(1, zaptest.NewLogger(t))
	d.Subscribe(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			d.Publish(event(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a subscriber that never drains")
	}
}

func TestUnsubscribe(t *testing.T) {
	d := New(8, zaptest.NewLogger(t))
	s := d.Subscribe(context.Background())
	d.Publish(event(0))
	s.Unsubscribe()
	s.Unsubscribe() // idempotent
	d.Publish(event(1))

	got := drain(t, s)
	if len(got) != 1 {
		t.Errorf("got %d events, want 1", len(got))
	}
	if st := d.Stats(); st.Subscribers != 0 {
		t.Errorf("subscribers = %d, want 0", st.Subscribers)
	}
}

func TestSubscribe_ContextCancelUnsubscribes(t *testing.T) {
	d := New(8, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	s := d.Subscribe(ctx)
	cancel()

	drain(t, s)
	if st := d.Stats(); st.Subscribers != 0 {
		t.Errorf("subscribers = %d, want 0", st.Subscribers)
	}
}

func TestClose_TerminalError(t *testing.T) {
	d := New(8, zaptest.NewLogger(t))
	s := d.Subscribe(context.Background())
	failure := fmt.Errorf("%w: netlink gone", model.ErrMonitorFailed)
	d.Close(failure)
	d.Close(nil) // second close is ignored

	drain(t, s)
	if !errors.Is(s.Err(), model.ErrMonitorFailed) {
		t.Errorf("Err() = %v, want ErrMonitorFailed", s.Err())
	}

	late := d.Subscribe(context.Background())
	drain(t, late)
	if !errors.Is(late.Err(), model.ErrMonitorFailed) {
		t.Errorf("late Err() = %v, want ErrMonitorFailed", late.Err())
	}
}

type recorder struct {
	mu     sync.Mutex
	events []model.StateChangeEvent
	failed error
}

func (r *recorder) OnStateChange(ev model.StateChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) OnMonitorFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = err
}

func TestAttach_DeliversAndReportsFailure(t *testing.T) {
	d := New(64, zaptest.NewLogger(t))
	rec := &recorder{}
	d.Attach(context.Background(), rec)

	for i := 0; i < 20; i++ {
		d.Publish(event(i))
	}
	d.Close(model.ErrMonitorFailed)
	d.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 20 {
		t.Fatalf("observer got %d events, want 20", len(rec.events))
	}
	for i, ev := range rec.events {
		if ev.Device.ID != fmt.Sprintf("dev-%d", i) {
			t.Fatalf("event %d = %s, out of order", i, ev.Device.ID)
		}
	}
	if !errors.Is(rec.failed, model.ErrMonitorFailed) {
		t.Errorf("failed = %v, want ErrMonitorFailed", rec.failed)
	}
}

func TestAttach_PanickingObserverIsRemoved(t *testing.T) {
	d := New(8, zaptest.NewLogger(t))
	other := d.Subscribe(context.Background())
	d.Attach(context.Background(), ObserverFunc(func(model.StateChangeEvent) { panic("boom") }))

	d.Publish(event(0))
	d.Wait()

	if st := d.Stats(); st.Subscribers != 1 {
		t.Errorf("subscribers = %d, want 1", st.Subscribers)
	}
	d.Publish(event(1))
	d.Close(nil)
	if n := len(drain(t, other)); n != 2 {
		t.Errorf("other subscriber got %d events, want 2", n)
	}
}
