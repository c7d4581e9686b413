package nats

import (
	"context"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
)

func runServer(t *testing.T) string {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	url := runServer(t)

	q, err := New(url, "ingest.test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan domain.IngestTask, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := q.Subscribe(ctx, func(_ context.Context, task domain.IngestTask) error {
			select {
			case received <- task:
			default:
			}
			return nil
		})
		if err != nil {
			t.Errorf("Subscribe() error = %v", err)
		}
	}()

	want := domain.IngestTask{Domain: "med", Hash: "abc"}
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	// Publish until the subscription is registered.
	for done := false; !done; {
		if err := q.Publish(context.Background(), want); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		select {
		case got := <-received:
			if got.Domain != want.Domain || got.Hash != want.Hash || got.EnqueuedAt.IsZero() {
				t.Fatalf("unexpected task %+v", got)
			}
			done = true
		case <-tick.C:
		case <-deadline:
			t.Fatalf("timed out waiting for task")
		}
	}

	cancel()
	wg.Wait()
}

func TestPublishAfterCloseIsTemporary(t *testing.T) {
	url := runServer(t)
	q, err := New(url, "ingest.test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	q.Close()

	err = q.Publish(context.Background(), domain.IngestTask{Domain: "med", Hash: "abc"})
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}
}
