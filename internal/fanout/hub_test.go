package fanout

import (
	"log/slog"
	"testing"
	"time"

	"betterbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestHub_SignalThenMonotonicContext(t *testing.T) {
	h := NewHub(4, testLogger())
	ch, unsubscribe := h.Subscribe()
	defer unsubscribe()

	sig := types.Signal{SignalID: "s1", ContextVersion: 0}
	h.BroadcastSignal(sig)

	h.BroadcastContext(types.SignalContext{SignalID: "s1", ContextVersion: 2})
	// Stale/duplicate version must be dropped.
	h.BroadcastContext(types.SignalContext{SignalID: "s1", ContextVersion: 1})
	h.BroadcastContext(types.SignalContext{SignalID: "s1", ContextVersion: 2})
	// Higher version delivered.
	h.BroadcastContext(types.SignalContext{SignalID: "s1", ContextVersion: 3})

	var got []Message
	for len(got) < 3 {
		select {
		case m := <-ch:
			got = append(got, m)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for messages, got %d", len(got))
		}
	}

	if got[0].Kind != KindSignal {
		t.Fatalf("first message kind = %v, want signal", got[0].Kind)
	}
	if got[1].Context.ContextVersion != 2 || got[2].Context.ContextVersion != 3 {
		t.Fatalf("context versions not strictly increasing: %+v", got)
	}

	select {
	case m := <-ch:
		t.Fatalf("unexpected extra message: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_OverflowDisconnects(t *testing.T) {
	h := NewHub(1, testLogger())
	ch, _ := h.Subscribe()

	h.BroadcastSignal(types.Signal{SignalID: "a"})
	h.BroadcastSignal(types.Signal{SignalID: "b"}) // queue cap 1, second publish overflows

	if h.Count() != 0 {
		t.Fatalf("expected subscriber to be dropped on overflow, count=%d", h.Count())
	}

	// Channel should still drain the one buffered message, then close.
	<-ch
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after overflow disconnect")
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(4, testLogger())
	ch, unsubscribe := h.Subscribe()
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
	if h.Count() != 0 {
		t.Fatalf("count after unsubscribe = %d, want 0", h.Count())
	}
}
