package spotfeed

import (
	"log/slog"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLatestNotReadyBeforeFirstSample(t *testing.T) {
	t.Parallel()

	f := New("wss://example.test", "BTC", testLogger())
	if f.Ready() {
		t.Fatalf("new feed should not be Ready()")
	}
	if _, err := f.Latest(); err != ErrNotReady {
		t.Fatalf("Latest() error = %v, want ErrNotReady", err)
	}
}

func TestHandleSinglePointUpdate(t *testing.T) {
	t.Parallel()

	f := New("wss://example.test", "BTC", testLogger())
	f.handleMessage([]byte(`{"symbol":"BTC","timestamp":1700000000,"value":89800.5}`))

	if !f.Ready() {
		t.Fatalf("expected Ready() after single-point update")
	}
	got, err := f.Latest()
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if got != 89800.5 {
		t.Fatalf("Latest() = %v, want 89800.5", got)
	}
}

func TestHandleMessageIgnoresNonPositiveValue(t *testing.T) {
	t.Parallel()

	f := New("wss://example.test", "BTC", testLogger())
	f.handleMessage([]byte(`{"symbol":"BTC","timestamp":1700000000,"value":-5}`))

	if f.Ready() {
		t.Fatalf("non-positive value should not mark feed ready")
	}
}

func TestHandleMessageIgnoresMismatchedSymbol(t *testing.T) {
	t.Parallel()

	f := New("wss://example.test", "BTC", testLogger())
	f.handleMessage([]byte(`{"symbol":"ETH","timestamp":1700000000,"value":3000}`))

	if f.Ready() {
		t.Fatalf("mismatched symbol should not update the feed")
	}
}

func TestHandleHistoricalDump(t *testing.T) {
	t.Parallel()

	f := New("wss://example.test", "BTC", testLogger())
	f.handleMessage([]byte(`{"symbol":"BTC","data":[{"timestamp":1,"value":89700},{"timestamp":2,"value":89800}]}`))

	got, err := f.Latest()
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if got != 89800 {
		t.Fatalf("Latest() after dump = %v, want last element 89800", got)
	}

	ref, ok := f.StrikeReference()
	if !ok || ref != 89700 {
		t.Fatalf("StrikeReference() = (%v, %v), want (89700, true)", ref, ok)
	}
}
