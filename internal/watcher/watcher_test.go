package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingInvalidator) InvalidatePaths(paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := append([]string(nil), paths...)
	r.calls = append(r.calls, cp)
}

func (r *recordingInvalidator) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestWatcherCoalescesAndInvalidates(t *testing.T) {
	dir := t.TempDir()
	inv := &recordingInvalidator{}
	w, err := New([]string{dir}, Options{Debounce: 30 * time.Millisecond}, inv)
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	defer w.Stop()

	fn := filepath.Join(dir, "a.ts")
	if err := os.WriteFile(fn, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	// A second write shortly after should land in the same coalesced batch.
	time.Sleep(5 * time.Millisecond)
	if err := os.WriteFile(fn, []byte("xy"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for inv.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if inv.callCount() == 0 {
		t.Fatal("expected at least one invalidation batch")
	}
}

func TestMultipleInvalidatorsAllReceiveBatch(t *testing.T) {
	dir := t.TempDir()
	a := &recordingInvalidator{}
	b := &recordingInvalidator{}
	w, err := New([]string{dir}, Options{Debounce: 20 * time.Millisecond}, a, b)
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "b.ts"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for (a.callCount() == 0 || b.callCount() == 0) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if a.callCount() == 0 || b.callCount() == 0 {
		t.Fatal("expected both invalidators to receive the coalesced batch")
	}
}
