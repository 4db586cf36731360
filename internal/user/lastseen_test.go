package user

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/pulsechat/pulse/internal/logger"
)

type fakeToucher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeToucher) TouchLastSeen(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return nil
}

func (f *fakeToucher) touched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string{}, f.calls...)
	sort.Strings(out)
	return out
}

func TestLastSeenWriterFlushesOnShutdown(t *testing.T) {
	toucher := &fakeToucher{}
	log := logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
	w := NewLastSeenWriter(toucher, log)

	w.Record("alice")
	w.Record("bob")
	w.Shutdown()

	got := toucher.touched()
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Errorf("touched = %v, want both stamps flushed", got)
	}
}

func TestLastSeenWriterIgnoresAfterShutdown(t *testing.T) {
	toucher := &fakeToucher{}
	log := logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
	w := NewLastSeenWriter(toucher, log)
	w.Shutdown()

	w.Record("alice")

	if got := toucher.touched(); len(got) != 0 {
		t.Errorf("touched = %v, want none after shutdown", got)
	}
}

func TestLastSeenWriterIgnoresEmptyID(t *testing.T) {
	toucher := &fakeToucher{}
	log := logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
	w := NewLastSeenWriter(toucher, log)

	w.Record("")
	w.Shutdown()

	if got := toucher.touched(); len(got) != 0 {
		t.Errorf("touched = %v, want none for empty id", got)
	}
}
