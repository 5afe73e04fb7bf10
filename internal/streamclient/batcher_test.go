package streamclient

import (
	"sync"
	"testing"
	"time"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches []string
}

func (r *flushRecorder) flush(data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, data)
}

func (r *flushRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.batches...)
}

func TestBatcherFlushesImmediatelyOnLineTerminator(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	b := NewInputBatcher(time.Hour, rec.flush) // debounce never fires in this test

	b.Write("ls")
	b.Write(" -la")
	if got := rec.get(); len(got) != 0 {
		t.Fatalf("expected no flush before line terminator, got %v", got)
	}

	b.Write("\r")
	got := rec.get()
	if len(got) != 1 || got[0] != "ls -la\r" {
		t.Fatalf("expected one batch %q, got %v", "ls -la\r", got)
	}
}

func TestBatcherFlushesAfterDebounce(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	b := NewInputBatcher(20*time.Millisecond, rec.flush)

	b.Write("x")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := rec.get(); len(got) == 1 {
			if got[0] != "x" {
				t.Fatalf("unexpected batch %q", got[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("debounce flush never happened")
}

func TestBatcherCloseFlushesRemainder(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	b := NewInputBatcher(time.Hour, rec.flush)

	b.Write("pending")
	b.Close()
	got := rec.get()
	if len(got) != 1 || got[0] != "pending" {
		t.Fatalf("expected close to flush %q, got %v", "pending", got)
	}
}

func TestBatcherEmptyWritesAndFlushesAreNoops(t *testing.T) {
	t.Parallel()
	rec := &flushRecorder{}
	b := NewInputBatcher(time.Hour, rec.flush)

	b.Write("")
	b.Flush()
	b.Close()
	if got := rec.get(); len(got) != 0 {
		t.Fatalf("expected no batches, got %v", got)
	}
}
