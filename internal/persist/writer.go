package persist

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Saver persists one document snapshot.
type Saver interface {
	SaveDocument(ctx context.Context, code string, id int64, content string, revision int64) error
}

// Cleaner removes every persisted row for a room.
type Cleaner interface {
	CleanupRoom(ctx context.Context, code string) error
}

const defaultDebounce = 2 * time.Second

type writeKey struct {
	code string
	id   int64
}

// pendingWrite carries the room code and editor id as structured fields so
// they are never re-parsed out of a composite key.
type pendingWrite struct {
	code     string
	id       int64
	content  string
	revision int64
	timer    *time.Timer
}

// Writer coalesces document snapshots into debounced database writes. Each
// (room, document) pair has at most one pending write; a newer snapshot
// replaces the older one and re-arms the timer, so a burst of edits costs a
// single save once the document goes quiet.
type Writer struct {
	saver   Saver
	delay   time.Duration
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[writeKey]*pendingWrite
	closed  bool
}

// NewWriter constructs a debounced writer around the given saver.
func NewWriter(saver Saver, delay time.Duration, logger zerolog.Logger) *Writer {
	if delay <= 0 {
		delay = defaultDebounce
	}
	return &Writer{
		saver:   saver,
		delay:   delay,
		logger:  logger,
		timeout: 10 * time.Second,
		pending: make(map[writeKey]*pendingWrite),
	}
}

// Schedule records the latest snapshot for a document and (re)arms its
// debounce timer. Never blocks on the database.
func (w *Writer) Schedule(code string, id int64, content string, revision int64) {
	key := writeKey{code: code, id: id}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if p, ok := w.pending[key]; ok {
		p.content = content
		p.revision = revision
		p.timer.Reset(w.delay)
		return
	}

	p := &pendingWrite{code: code, id: id, content: content, revision: revision}
	p.timer = time.AfterFunc(w.delay, func() { w.fire(key, p) })
	w.pending[key] = p
	pendingWrites.Set(float64(len(w.pending)))
}

// DropDocument discards any pending write for one document.
func (w *Writer) DropDocument(code string, id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := writeKey{code: code, id: id}
	if p, ok := w.pending[key]; ok {
		p.timer.Stop()
		delete(w.pending, key)
		pendingWrites.Set(float64(len(w.pending)))
	}
}

// DropRoom discards pending writes for the room without persisting them.
// Used right before the room's rows are deleted.
func (w *Writer) DropRoom(code string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, p := range w.pending {
		if key.code != code {
			continue
		}
		p.timer.Stop()
		delete(w.pending, key)
	}
	pendingWrites.Set(float64(len(w.pending)))
}

// Flush synchronously persists everything still pending. Called during
// graceful shutdown.
func (w *Writer) Flush(ctx context.Context) {
	w.mu.Lock()
	w.closed = true
	writes := make([]*pendingWrite, 0, len(w.pending))
	for key, p := range w.pending {
		p.timer.Stop()
		writes = append(writes, p)
		delete(w.pending, key)
	}
	pendingWrites.Set(0)
	w.mu.Unlock()

	for _, p := range writes {
		if err := w.saver.SaveDocument(ctx, p.code, p.id, p.content, p.revision); err != nil {
			w.logger.Error().Err(err).Str("room", p.code).Int64("editor", p.id).Msg("flush write failed")
		}
	}
}

func (w *Writer) fire(key writeKey, armed *pendingWrite) {
	w.mu.Lock()
	p, ok := w.pending[key]
	if !ok || p != armed {
		// Replaced or dropped after the timer fired; the newer record owns
		// the next write.
		w.mu.Unlock()
		return
	}
	delete(w.pending, key)
	pendingWrites.Set(float64(len(w.pending)))
	snapshot := *p
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := w.saver.SaveDocument(ctx, snapshot.code, snapshot.id, snapshot.content, snapshot.revision); err != nil {
		w.logger.Error().Err(err).Str("room", snapshot.code).Int64("editor", snapshot.id).Int64("revision", snapshot.revision).Msg("debounced write failed; rescheduling")
		w.reschedule(key, snapshot)
		return
	}
	debouncedWrites.Inc()
}

// reschedule re-queues a failed write unless a newer snapshot arrived in the
// meantime.
func (w *Writer) reschedule(key writeKey, snapshot pendingWrite) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if _, ok := w.pending[key]; ok {
		return
	}
	p := &pendingWrite{code: snapshot.code, id: snapshot.id, content: snapshot.content, revision: snapshot.revision}
	p.timer = time.AfterFunc(w.delay, func() { w.fire(key, p) })
	w.pending[key] = p
	pendingWrites.Set(float64(len(w.pending)))
}
