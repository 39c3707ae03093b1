package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/collab-edit/internal/document"
	"github.com/example/collab-edit/internal/room"
)

const (
	defaultInterval     = 30 * time.Second
	defaultMinRevisions = int64(50)
)

// Payload is the JSON document uploaded for each archived snapshot.
type Payload struct {
	RoomCode   string    `json:"room_code"`
	EditorID   int64     `json:"editor_id"`
	Name       string    `json:"name"`
	Language   string    `json:"language"`
	Content    string    `json:"content"`
	Revision   int64     `json:"revision"`
	ArchivedAt time.Time `json:"archived_at"`
}

type archiveKey struct {
	code string
	id   int64
}

// Worker periodically sweeps the live rooms and uploads document snapshots to
// object storage once a document has advanced far enough since its last
// archive. Archival is an offline convenience; it never blocks ingest and
// failures simply wait for the next tick.
type Worker struct {
	registry *room.Registry
	object   *minio.Client
	bucket   string

	interval     time.Duration
	minRevisions int64

	mu       sync.Mutex
	archived map[archiveKey]int64

	logger zerolog.Logger
}

// Config tunes the worker.
type Config struct {
	Interval     time.Duration
	MinRevisions int64
}

// NewWorker constructs an archive worker with sane defaults. object may be
// nil, which disables archival.
func NewWorker(registry *room.Registry, object *minio.Client, bucket string, logger zerolog.Logger, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MinRevisions <= 0 {
		cfg.MinRevisions = defaultMinRevisions
	}
	return &Worker{
		registry:     registry,
		object:       object,
		bucket:       bucket,
		interval:     cfg.Interval,
		minRevisions: cfg.MinRevisions,
		archived:     make(map[archiveKey]int64),
		logger:       logger,
	}
}

// Start begins the periodic archive loop.
func (w *Worker) Start(ctx context.Context) {
	if w.object == nil {
		w.logger.Info().Msg("object storage not configured; archival disabled")
		return
	}
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	for _, r := range w.registry.Rooms() {
		for _, doc := range r.Documents() {
			if err := w.processDocument(ctx, r.Code, doc); err != nil {
				w.logger.Error().Err(err).Str("room", r.Code).Int64("editor", doc.ID).Msg("archive upload failed")
			}
		}
	}
	w.prune()
}

func (w *Worker) processDocument(ctx context.Context, code string, doc *document.Store) error {
	content, revision := doc.Snapshot()

	key := archiveKey{code: code, id: doc.ID}
	w.mu.Lock()
	last := w.archived[key]
	w.mu.Unlock()

	if revision-last < w.minRevisions {
		return nil
	}

	payload := Payload{
		RoomCode:   code,
		EditorID:   doc.ID,
		Name:       doc.Name,
		Language:   doc.Language,
		Content:    content,
		Revision:   revision,
		ArchivedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode archive payload: %w", err)
	}

	objectPath := fmt.Sprintf("archives/%s/%d/rev-%d.json", code, doc.ID, revision)
	if _, err := w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}

	w.mu.Lock()
	w.archived[key] = revision
	w.mu.Unlock()

	archivesUploaded.Inc()
	w.logger.Info().Str("room", code).Int64("editor", doc.ID).Int64("revision", revision).Msg("document archived")
	return nil
}

// prune forgets rooms that are no longer loaded.
func (w *Worker) prune() {
	live := make(map[string]struct{})
	for _, r := range w.registry.Rooms() {
		live[r.Code] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for key := range w.archived {
		if _, ok := live[key.code]; !ok {
			delete(w.archived, key)
		}
	}
}
