package shutdown

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStopTriggersCallbacksOnce(t *testing.T) {
	ctl := New(Config{}, nil)
	calls := 0
	ctl.OnStop(func(reason string) { calls++ })
	ctl.OnStop(func(reason string) { calls++ })

	ctl.Stop("test")
	ctl.Stop("test again")

	if calls != 2 {
		t.Fatalf("expected each callback to fire exactly once, got %d calls", calls)
	}
	if !ctl.IsStopped() {
		t.Fatal("expected controller to report stopped")
	}
}

func TestStopChannelClosesOnStop(t *testing.T) {
	ctl := New(Config{}, nil)
	select {
	case <-ctl.StopChannel():
		t.Fatal("stop channel should not be closed yet")
	default:
	}

	ctl.Stop("test")

	select {
	case <-ctl.StopChannel():
	case <-time.After(time.Second):
		t.Fatal("expected stop channel to close")
	}
}

func TestStopFileTriggersShutdown(t *testing.T) {
	dir := t.TempDir()
	stopFile := filepath.Join(dir, "stop")

	ctl := New(Config{StopFile: stopFile, PollInterval: 10 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctl.Start(ctx)

	if err := os.WriteFile(stopFile, []byte("1"), 0644); err != nil {
		t.Fatalf("failed to write stop file: %v", err)
	}

	select {
	case <-ctl.StopChannel():
	case <-time.After(2 * time.Second):
		t.Fatal("expected stop file to trigger shutdown")
	}
}
