package fonts

import (
	"context"
	"testing"
	"time"
)

// TestRegistry_Watch_StopsOnCancel verifies the watch loop honors context
// cancellation.
func TestRegistry_Watch_StopsOnCancel(t *testing.T) {
	dir := writeFontDir(t, "a.woff2")
	r, err := NewRegistry(dir, []FamilyConfig{
		{Name: "A", Src: []SrcEntry{{Path: "a.woff2"}}},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Watch(ctx, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Watch() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch() did not stop after cancel")
	}
}

// TestRegistry_Watch_MissingDir verifies a watch on a nonexistent directory
// fails fast instead of looping.
func TestRegistry_Watch_MissingDir(t *testing.T) {
	r := &Registry{dir: "/nonexistent/font/dir"}
	if err := r.Watch(context.Background(), nil); err == nil {
		t.Fatal("Watch() error = nil for missing dir, want error")
	}
}
