package pathfs

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWatcherReportsExternalWrite(t *testing.T) {
	sb, dir := newTestSandbox(t)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 1)

	w, err := NewWatcher(sb, func(paths []string) {
		mu.Lock()
		got = append(got, paths...)
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "external.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fs-changed notification")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatal("expected at least one changed path")
	}
}

func TestWatcherSuppressesOwnWrites(t *testing.T) {
	sb, dir := newTestSandbox(t)

	notified := make(chan struct{}, 1)
	w, err := NewWatcher(sb, func(paths []string) {
		select {
		case notified <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	target := filepath.Join(dir, "own.txt")
	w.SuppressNext(target)
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-notified:
		t.Fatal("expected suppressed write to produce no notification")
	case <-time.After(coalesceWindow + 150*time.Millisecond):
	}
}
