package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tevix/nodeflow/internal/store"
	"github.com/tevix/nodeflow/pkg/schema"
)

func TestDispatcherExecutesEnqueuedRuns(t *testing.T) {
	st := store.NewMemoryStore()
	def := defWith([]schema.NodeSpec{node("start", "manual_trigger")}, nil)
	e := testEngine(t, st, passthrough("manual_trigger"))
	runID := seedRun(t, st, def, nil)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDispatcher(e, 2, 8, logger, nil)
	d.Start(context.Background())

	if err := d.Enqueue(runID); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatal(err)
		}
		if run.Status.Terminal() {
			if run.Status != schema.RunStatusSuccess {
				t.Fatalf("run status = %s, want success", run.Status)
			}
			d.Shutdown()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run never reached a terminal state")
}

func TestDispatcherQueueFull(t *testing.T) {
	st := store.NewMemoryStore()
	e := testEngine(t, st, passthrough("manual_trigger"))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDispatcher(e, 1, 1, logger, nil)
	// Not started, so nothing drains the queue.

	if err := d.Enqueue("run-a"); err != nil {
		t.Fatal(err)
	}
	if err := d.Enqueue("run-b"); err != ErrQueueFull {
		t.Errorf("Enqueue on full queue = %v, want ErrQueueFull", err)
	}

	d.Shutdown()
	if err := d.Enqueue("run-c"); err != ErrPoolShutdown {
		t.Errorf("Enqueue after shutdown = %v, want ErrPoolShutdown", err)
	}
}
