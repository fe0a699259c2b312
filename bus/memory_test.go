package bus

import (
	"fmt"
	"testing"
	"time"

	bridgeerr "github.com/vinayprograms/lovebridge/errors"
)

// --- Unit Tests ---

func TestErrorsClassified(t *testing.T) {
	tests := []struct {
		err  error
		want bridgeerr.ErrorCode
	}{
		{ErrTimeout, bridgeerr.ErrCodeTimeout},
		{ErrNoResponders, bridgeerr.ErrCodeBusUnavailable},
		{ErrClosed, bridgeerr.ErrCodeBusUnavailable},
		{ErrInvalidSubject, bridgeerr.ErrCodeInvalidInput},
		{ErrNoSample, bridgeerr.ErrCodeNotFound},
	}
	for _, tt := range tests {
		wrapped := fmt.Errorf("request: %w", tt.err)
		if got := bridgeerr.Wrap(wrapped, "x").Code(); got != tt.want {
			t.Errorf("%v: code = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		wantErr bool
	}{
		{"Script", false},
		{"Script.logevent_state", false},
		{"Script.logevent_state.100017", false},
		{"Script.*.1", false},
		{"Script.>", false},
		{"", true},
		{"Script..state", true},
		{"Script.>.state", true},
		{"has space", true},
	}

	for _, tt := range tests {
		err := ValidateSubject(tt.subject)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSubject(%q) = %v, wantErr %v", tt.subject, err, tt.wantErr)
		}
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("Script.logevent_state", "7"); got != "Script.logevent_state.7" {
		t.Errorf("Subject = %q", got)
	}
	if got := Subject("ScriptQueue.logevent_queue", ""); got != "ScriptQueue.logevent_queue" {
		t.Errorf("Subject with empty discriminator = %q", got)
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"a.b", "a.b", true},
		{"a.*", "a.b", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c", true},
		{"a.>", "a", false},
		{"a.*.c", "a.x.c", true},
		{"a.b", "a.c", false},
		{"a.b.c", "a.b", false},
	}
	for _, tt := range tests {
		if got := MatchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("MatchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestMemoryBus_PublishInvalidSubject(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	if err := bus.Publish("", []byte("hello")); err != ErrInvalidSubject {
		t.Errorf("expected ErrInvalidSubject, got %v", err)
	}
	if err := bus.Publish("a.*", []byte("hello")); err != ErrInvalidSubject {
		t.Errorf("publish to wildcard: expected ErrInvalidSubject, got %v", err)
	}
}

// --- Integration Tests ---

func TestMemoryBus_Subscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("test")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish("test", []byte("hello"))

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello" {
			t.Errorf("data = %q, want %q", msg.Data, "hello")
		}
		if msg.Subject != "test" {
			t.Errorf("subject = %q, want %q", msg.Subject, "test")
		}
		if msg.Received.IsZero() {
			t.Error("Received should be stamped")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestMemoryBus_WildcardOrder(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("Script.logevent_state.>")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	for i := 0; i < 10; i++ {
		bus.Publish(Subject("Script.logevent_state", "1"), []byte(fmt.Sprint(i)))
	}
	bus.Publish("Other.topic.1", []byte("x"))

	for i := 0; i < 10; i++ {
		select {
		case msg := <-sub.Messages():
			if string(msg.Data) != fmt.Sprint(i) {
				t.Fatalf("message %d = %q, out of order", i, msg.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}

	select {
	case msg := <-sub.Messages():
		t.Errorf("unexpected message on %s", msg.Subject)
	default:
	}
}

func TestMemoryBus_ReadLatest(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	if _, err := bus.ReadLatest("ATDome.tel_position.0"); err != ErrNoSample {
		t.Errorf("expected ErrNoSample, got %v", err)
	}

	bus.Publish("ATDome.tel_position.0", []byte("1"))
	bus.Publish("ATDome.tel_position.0", []byte("2"))

	msg, err := bus.ReadLatest("ATDome.tel_position.0")
	if err != nil {
		t.Fatalf("ReadLatest error: %v", err)
	}
	if string(msg.Data) != "2" {
		t.Errorf("latest = %q, want %q", msg.Data, "2")
	}
}

func TestMemoryBus_Request(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("Script.cmd_setLogging.5")
	defer sub.Unsubscribe()

	go func() {
		msg := <-sub.Messages()
		bus.Publish(msg.Reply, []byte("ack:"+string(msg.Data)))
	}()

	reply, err := bus.Request("Script.cmd_setLogging.5", []byte("10"), time.Second)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if string(reply.Data) != "ack:10" {
		t.Errorf("reply = %q", reply.Data)
	}
}

func TestMemoryBus_RequestNoResponders(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	if _, err := bus.Request("nobody", []byte("x"), 50*time.Millisecond); err != ErrNoResponders {
		t.Errorf("expected ErrNoResponders, got %v", err)
	}
}

func TestMemoryBus_RequestTimeout(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("silent")
	defer sub.Unsubscribe()

	if _, err := bus.Request("silent", []byte("x"), 50*time.Millisecond); err != ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

// --- Failure Tests ---

func TestMemoryBus_AfterClose(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	bus.Close()

	if err := bus.Publish("test", nil); err != ErrClosed {
		t.Errorf("Publish: expected ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe("test"); err != ErrClosed {
		t.Errorf("Subscribe: expected ErrClosed, got %v", err)
	}
	if _, err := bus.ReadLatest("test"); err != ErrClosed {
		t.Errorf("ReadLatest: expected ErrClosed, got %v", err)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("test")
	if bus.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d", bus.Subscribers())
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe should be a no-op, got %v", err)
	}
	if bus.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d after unsubscribe", bus.Subscribers())
	}

	if _, ok := <-sub.Messages(); ok {
		t.Error("channel should be closed")
	}
}

func TestMemoryBus_CloseClosesSubscriptions(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	sub, _ := bus.Subscribe("test")
	bus.Close()

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed")
	}
}

func TestMemoryBus_BufferFull(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 2})
	defer bus.Close()

	sub, _ := bus.Subscribe("test")
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		if err := bus.Publish("test", []byte{byte(i)}); err != nil {
			t.Fatalf("Publish must not block or fail when full: %v", err)
		}
	}
	if n := len(sub.Messages()); n != 2 {
		t.Errorf("buffered = %d, want 2", n)
	}
	if n := sub.Dropped(); n != 3 {
		t.Errorf("Dropped = %d, want 3", n)
	}
}
