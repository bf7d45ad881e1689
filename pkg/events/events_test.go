package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/fluxorio/ocworker/pkg/core"
)

func runTestNATSServer(t *testing.T) *natssrv.Server {
	t.Helper()

	s, err := natssrv.NewServer(&natssrv.Options{Port: -1})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func TestNATSPublisher_Publish(t *testing.T) {
	s := runTestNATSServer(t)

	sub, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	if _, err := sub.ChanSubscribe("ocw.test.>", msgs); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub, err := NewNATSPublisher(Config{URL: s.ClientURL(), Prefix: "ocw.test", Name: "test"})
	if err != nil {
		t.Fatalf("NewNATSPublisher: %v", err)
	}
	defer pub.Close()

	ctx := core.WithRequestID(context.Background(), "req-7")
	err = pub.Publish(ctx, Event{
		Type:      TypeRunCompleted,
		WorkerID:  "w1",
		EventID:   42,
		SourceUID: "src",
		Func:      "matmul",
		Duration:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Subject != "ocw.test.w1.run.completed" {
			t.Errorf("subject = %q", msg.Subject)
		}
		if got := msg.Header.Get("X-Request-ID"); got != "req-7" {
			t.Errorf("X-Request-ID = %q, want req-7", got)
		}
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if e.EventID != 42 || e.Func != "matmul" || e.Time.IsZero() {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}
}

func TestNATSPublisher_RejectsEmptyType(t *testing.T) {
	s := runTestNATSServer(t)
	pub, err := NewNATSPublisher(Config{URL: s.ClientURL()})
	if err != nil {
		t.Fatalf("NewNATSPublisher: %v", err)
	}
	defer pub.Close()

	if err := pub.Publish(context.Background(), Event{WorkerID: "w"}); err == nil {
		t.Error("expected an error for an empty event type")
	}
}

func TestNATSPublisher_Subject(t *testing.T) {
	p := &NATSPublisher{prefix: DefaultPrefix}
	if got := p.Subject(Event{Type: TypeProgramLoaded}); got != "ocworker._.program.loaded" {
		t.Errorf("Subject() = %q", got)
	}
}

func TestNewNATSPublisher_Unreachable(t *testing.T) {
	if _, err := NewNATSPublisher(Config{URL: "nats://127.0.0.1:1"}); err == nil {
		t.Error("expected a connect error")
	}
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), Event{Type: TypeConnected}); err != nil {
		t.Errorf("Nop.Publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Nop.Close: %v", err)
	}
}
