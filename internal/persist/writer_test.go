package persist

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type savedDoc struct {
	code     string
	id       int64
	content  string
	revision int64
}

type fakeSaver struct {
	mu    sync.Mutex
	saves []savedDoc
	fail  int
}

func (f *fakeSaver) SaveDocument(_ context.Context, code string, id int64, content string, revision int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("database unavailable")
	}
	f.saves = append(f.saves, savedDoc{code: code, id: id, content: content, revision: revision})
	return nil
}

func (f *fakeSaver) snapshot() []savedDoc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]savedDoc(nil), f.saves...)
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestWriterCoalescesBurst(t *testing.T) {
	saver := &fakeSaver{}
	w := NewWriter(saver, 30*time.Millisecond, testLogger())

	for i := 1; i <= 10; i++ {
		w.Schedule("ABC234", 1, "draft", int64(i))
	}

	waitFor(t, time.Second, func() bool { return len(saver.snapshot()) == 1 })
	got := saver.snapshot()[0]
	if got.revision != 10 || got.code != "ABC234" || got.id != 1 {
		t.Fatalf("expected latest snapshot persisted, got %+v", got)
	}

	// Quiet period: nothing further should be written.
	time.Sleep(80 * time.Millisecond)
	if n := len(saver.snapshot()); n != 1 {
		t.Fatalf("expected exactly one write, got %d", n)
	}
}

func TestWriterSeparateKeys(t *testing.T) {
	saver := &fakeSaver{}
	w := NewWriter(saver, 20*time.Millisecond, testLogger())

	w.Schedule("ABC234", 1, "one", 3)
	w.Schedule("ABC234", 2, "two", 4)
	w.Schedule("XYZ789", 1, "three", 5)

	waitFor(t, time.Second, func() bool { return len(saver.snapshot()) == 3 })
}

func TestWriterRetriesFailedWrite(t *testing.T) {
	saver := &fakeSaver{fail: 1}
	w := NewWriter(saver, 20*time.Millisecond, testLogger())

	w.Schedule("ABC234", 1, "content", 7)

	waitFor(t, 2*time.Second, func() bool { return len(saver.snapshot()) == 1 })
	if got := saver.snapshot()[0]; got.revision != 7 {
		t.Fatalf("expected revision 7 after retry, got %+v", got)
	}
}

func TestWriterFlushPersistsPending(t *testing.T) {
	saver := &fakeSaver{}
	w := NewWriter(saver, time.Hour, testLogger())

	w.Schedule("ABC234", 1, "unsaved", 12)
	w.Schedule("ABC234", 2, "also unsaved", 3)

	w.Flush(context.Background())

	if n := len(saver.snapshot()); n != 2 {
		t.Fatalf("expected 2 flushed writes, got %d", n)
	}

	// After flush the writer accepts no further work.
	w.Schedule("ABC234", 3, "late", 1)
	time.Sleep(30 * time.Millisecond)
	if n := len(saver.snapshot()); n != 2 {
		t.Fatalf("expected closed writer to drop writes, got %d", n)
	}
}

func TestWriterDropRoom(t *testing.T) {
	saver := &fakeSaver{}
	w := NewWriter(saver, 20*time.Millisecond, testLogger())

	w.Schedule("ABC234", 1, "doomed", 2)
	w.Schedule("XYZ789", 1, "kept", 9)
	w.DropRoom("ABC234")

	waitFor(t, time.Second, func() bool { return len(saver.snapshot()) == 1 })
	if got := saver.snapshot()[0]; got.code != "XYZ789" {
		t.Fatalf("expected only XYZ789 persisted, got %+v", got)
	}

	time.Sleep(60 * time.Millisecond)
	if n := len(saver.snapshot()); n != 1 {
		t.Fatalf("dropped room must not be written, got %d writes", n)
	}
}
