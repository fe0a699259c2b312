package registry

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/lovebridge/bus"
	"github.com/vinayprograms/lovebridge/logging"
)

func newTestRegistry(t *testing.T) (*Registry, *bus.MemoryBus) {
	t.Helper()
	b := bus.NewMemoryBus(bus.DefaultConfig())
	r := New(b, DefaultConfig(), nil)
	t.Cleanup(func() {
		r.Close()
		b.Close()
	})
	return r, b
}

// next reads one delivery from the inbox and dispatches it.
func next(t *testing.T, r *Registry) Delivery {
	t.Helper()
	select {
	case d := <-r.Deliveries():
		r.Dispatch(d)
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return Delivery{}
	}
}

// --- Unit Tests ---

func TestSubscribe_Validation(t *testing.T) {
	r, _ := newTestRegistry(t)
	noop := func(Delivery) {}

	tests := []struct {
		name          string
		topic         string
		discriminator string
		cb            Callback
		wantErr       error
	}{
		{"empty topic", "", "1", noop, ErrInvalidTopic},
		{"wildcard discriminator", "Script.logevent_state", "*", noop, ErrInvalidTopic},
		{"space", "Script state", "1", noop, ErrInvalidTopic},
		{"nil callback", "Script.logevent_state", "1", nil, ErrNilCallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Subscribe(tt.topic, tt.discriminator, tt.cb)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribe_IdempotentSharesHandle(t *testing.T) {
	r, b := newTestRegistry(t)

	var first, second int
	r.Subscribe("Script.logevent_state", "100", func(Delivery) { first++ })
	r.Subscribe("Script.logevent_state", "100", func(Delivery) { second++ })

	if b.Subscribers() != 1 {
		t.Errorf("bus subscriptions = %d, want 1", b.Subscribers())
	}
	if r.Stats().Subscriptions != 1 {
		t.Errorf("Subscriptions = %d, want 1", r.Stats().Subscriptions)
	}

	b.Publish("Script.logevent_state.100", []byte("x"))
	next(t, r)

	if first != 0 || second != 1 {
		t.Errorf("callbacks first=%d second=%d, want 0 and 1", first, second)
	}
}

func TestSubscribe_ManyDiscriminatorsOneHandle(t *testing.T) {
	r, b := newTestRegistry(t)
	noop := func(Delivery) {}

	r.Subscribe("Script.logevent_state", "100", noop)
	r.Subscribe("Script.logevent_state", "101", noop)
	r.Subscribe("Script.logevent_checkpoints", "100", noop)

	if r.Active() != 2 {
		t.Errorf("Active = %d, want 2", r.Active())
	}
	if b.Subscribers() != 2 {
		t.Errorf("bus subscriptions = %d, want 2", b.Subscribers())
	}

	r.Unsubscribe("Script.logevent_state", "100")
	if r.Active() != 2 {
		t.Errorf("Active after partial release = %d, want 2", r.Active())
	}

	r.Unsubscribe("Script.logevent_state", "101")
	if r.Active() != 1 {
		t.Errorf("Active after last release = %d, want 1", r.Active())
	}
	if b.Subscribers() != 1 {
		t.Errorf("bus subscriptions = %d, want 1", b.Subscribers())
	}
}

func TestUnsubscribe_AbsentIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Unsubscribe("Script.logevent_state", "404")
	r.Subscribe("Script.logevent_state", "1", func(Delivery) {})
	r.Unsubscribe("Script.logevent_state", "1")
	r.Unsubscribe("Script.logevent_state", "1")

	if r.Active() != 0 {
		t.Errorf("Active = %d, want 0", r.Active())
	}
}

func TestDispatch_RoutesByDiscriminator(t *testing.T) {
	r, b := newTestRegistry(t)

	got := map[string][]string{}
	cb := func(d Delivery) {
		got[d.Discriminator] = append(got[d.Discriminator], string(d.Message.Data))
	}
	r.Subscribe("Script.logevent_state", "100", cb)
	r.Subscribe("Script.logevent_state", "101", cb)

	b.Publish("Script.logevent_state.100", []byte("a"))
	b.Publish("Script.logevent_state.101", []byte("b"))
	b.Publish("Script.logevent_state.100", []byte("c"))
	for i := 0; i < 3; i++ {
		next(t, r)
	}

	if len(got["100"]) != 2 || got["100"][0] != "a" || got["100"][1] != "c" {
		t.Errorf("100 = %v, want [a c]", got["100"])
	}
	if len(got["101"]) != 1 || got["101"][0] != "b" {
		t.Errorf("101 = %v, want [b]", got["101"])
	}
}

func TestDispatch_PerPairOrder(t *testing.T) {
	r, b := newTestRegistry(t)

	var seen []string
	r.Subscribe("Script.logevent_state", "7", func(d Delivery) {
		seen = append(seen, string(d.Message.Data))
	})

	want := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
	for _, s := range want {
		b.Publish("Script.logevent_state.7", []byte(s))
	}
	for range want {
		next(t, r)
	}

	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("order = %v, want %v", seen, want)
		}
	}
}

func TestDispatch_UnsubscribedIsStale(t *testing.T) {
	r, b := newTestRegistry(t)
	noop := func(Delivery) {}
	r.Subscribe("Script.logevent_state", "1", noop)
	r.Subscribe("Script.logevent_state", "2", noop)

	b.Publish("Script.logevent_state.3", []byte("x"))
	d := next(t, r)
	if d.Discriminator != "3" {
		t.Errorf("Discriminator = %q, want 3", d.Discriminator)
	}
	if r.Stats().Stale != 1 {
		t.Errorf("Stale = %d, want 1", r.Stats().Stale)
	}
}

func TestSubscribe_BareTopic(t *testing.T) {
	r, b := newTestRegistry(t)

	var got Delivery
	r.Subscribe("ScriptQueue.logevent_queue", "", func(d Delivery) { got = d })
	b.Publish("ScriptQueue.logevent_queue", []byte("q"))
	next(t, r)

	if got.Topic != "ScriptQueue.logevent_queue" || got.Discriminator != "" {
		t.Errorf("delivery = %+v", got)
	}
}

func TestClose(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	r := New(b, DefaultConfig(), nil)

	r.Subscribe("Script.logevent_state", "1", func(Delivery) {})
	r.Subscribe("Script.logevent_description", "1", func(Delivery) {})

	if err := r.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if b.Subscribers() != 0 {
		t.Errorf("bus subscriptions after Close = %d, want 0", b.Subscribers())
	}
	if err := r.Subscribe("x", "1", func(Delivery) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after Close = %v, want ErrClosed", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestClose_BlockedPumpExits(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	r := New(b, Config{InboxSize: 1}, nil)

	r.Subscribe("Script.logevent_state", "1", func(Delivery) {})
	for i := 0; i < 5; i++ {
		b.Publish("Script.logevent_state.1", []byte("x"))
	}

	done := make(chan struct{})
	go func() {
		r.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a full inbox")
	}
}

func TestPump_CountsBufferOverflow(t *testing.T) {
	b := bus.NewMemoryBus(bus.Config{BufferSize: 4})
	defer b.Close()
	var buf bytes.Buffer
	logger := logging.New()
	logger.SetOutput(&buf)
	r := New(b, Config{InboxSize: 1}, logger)

	r.Subscribe("Script.logevent_state", "1", func(Delivery) {})
	for i := 0; i < 20; i++ {
		b.Publish("Script.logevent_state.1", []byte("x"))
	}

	deadline := time.After(2 * time.Second)
	for {
		st := r.Stats()
		if st.Delivered+st.Dropped == 20 {
			break
		}
		select {
		case d := <-r.Deliveries():
			r.Dispatch(d)
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("stats = %+v, want delivered+dropped = 20", r.Stats())
		}
	}

	// Inbox 1, one in hand, buffer 4: at least 14 lost.
	if st := r.Stats(); st.Dropped < 14 {
		t.Errorf("Dropped = %d, want >= 14", st.Dropped)
	}
	r.Close()
	if !strings.Contains(buf.String(), "sample_dropped") {
		t.Errorf("log missing sample_dropped: %s", buf.String())
	}
}
