package document

import (
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/collab-edit/internal/ot"
)

var (
	// ErrRevisionTooOld is returned when the client's base revision has
	// already been evicted from the history window; the caller must resync.
	ErrRevisionTooOld = errors.New("base revision older than retained history")
	// ErrFutureRevision is returned when the client claims a revision the
	// server has not reached yet.
	ErrFutureRevision = errors.New("base revision ahead of document")
)

// DefaultHistoryLimit is the number of applied operations retained for
// transforming stale submissions.
const DefaultHistoryLimit = 100

// Store owns the canonical state of one document. All mutations are
// serialized behind a single mutex, so concurrent Ingest calls from multiple
// clients are linearized per document while distinct documents proceed in
// parallel.
type Store struct {
	ID       int64
	Name     string
	Language string

	mu       sync.Mutex
	content  string
	revision int64
	history  []ot.Operation
	limit    int
}

// NewStore creates an empty document at revision 0.
func NewStore(id int64, name, language string, historyLimit int) *Store {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Store{ID: id, Name: name, Language: language, limit: historyLimit}
}

// Ingest validates, transforms and applies a client operation authored
// against baseRevision. It returns the operation as applied (transformed when
// the client was behind) together with the new revision.
func (s *Store) Ingest(op ot.Operation, baseRevision int64) (ot.Operation, int64, error) {
	timer := prometheus.NewTimer(ingestLatency)
	defer timer.ObserveDuration()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case baseRevision > s.revision:
		ingestOutcomes.WithLabelValues("future_revision").Inc()
		return nil, 0, fmt.Errorf("%w: base %d, document at %d", ErrFutureRevision, baseRevision, s.revision)
	case baseRevision < s.oldestRevision():
		ingestOutcomes.WithLabelValues("revision_too_old").Inc()
		return nil, 0, fmt.Errorf("%w: base %d, oldest retained %d", ErrRevisionTooOld, baseRevision, s.oldestRevision())
	}

	op = ot.Compact(op)
	if baseRevision < s.revision {
		tail := s.history[baseRevision-s.oldestRevision():]
		historyDepth.Observe(float64(len(tail)))
		for _, applied := range tail {
			transformed, err := ot.Transform(op, applied, ot.SideLeft)
			if err != nil {
				ingestOutcomes.WithLabelValues("incompatible").Inc()
				return nil, 0, fmt.Errorf("transform against revision history: %w", err)
			}
			op = transformed
		}
	}

	if !ot.Validate(op, utf8.RuneCountInString(s.content)) {
		ingestOutcomes.WithLabelValues("invalid").Inc()
		return nil, 0, fmt.Errorf("%w: length mismatch at revision %d", ot.ErrInvalidOperation, s.revision)
	}

	next, err := ot.Apply(s.content, op)
	if err != nil {
		ingestOutcomes.WithLabelValues("invalid").Inc()
		return nil, 0, err
	}
	ingestOutcomes.WithLabelValues("applied").Inc()

	s.content = next
	s.revision++
	s.history = append(s.history, op)
	if len(s.history) > s.limit {
		s.history = s.history[len(s.history)-s.limit:]
	}

	return op, s.revision, nil
}

// Snapshot returns the current content and revision.
func (s *Store) Snapshot() (string, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content, s.revision
}

// Reset replaces the document state, discarding history. Used when loading a
// persisted snapshot after a restart.
func (s *Store) Reset(content string, revision int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content = content
	s.revision = revision
	s.history = nil
}

// oldestRevision is the base revision of the oldest retained history entry.
// Callers must hold s.mu.
func (s *Store) oldestRevision() int64 {
	return s.revision - int64(len(s.history))
}
