package events

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func TestNATSPublisher_ForwardsBusEvents(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url)
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	sub, err := NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe(SubjectPrefix + "run.>")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancel()

	eb := NewEventBus()
	defer eb.Stop()
	pub.Attach(eb)

	errs := eb.PublishSync(context.Background(), Event{Type: RunTerminal, RunID: "42", Status: "completed"})
	if len(errs) != 0 {
		t.Fatalf("PublishSync returned errors: %v", errs)
	}
	if err := pub.Flush(); err != nil {
		t.Fatalf("flushing: %v", err)
	}

	select {
	case event := <-ch:
		if event.Type != RunTerminal || event.RunID != "42" || event.Status != "completed" {
			t.Errorf("unexpected event %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestNATSSubscriber_Cancel(t *testing.T) {
	url := startTestNATS(t)

	sub, err := NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe(SubjectPrefix + ">")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	cancel()
	cancel() // idempotent

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}
}

func TestSubject(t *testing.T) {
	if got := Subject(RunWaiting); got != "procurement.run.waiting" {
		t.Fatalf("Subject(%q) = %q", RunWaiting, got)
	}
}
