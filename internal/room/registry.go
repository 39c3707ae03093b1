package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/collab-edit/internal/document"
	"github.com/example/collab-edit/internal/ot"
	"github.com/example/collab-edit/internal/persist"
)

var (
	// ErrRoomNotFound is returned for joins with an unknown code.
	ErrRoomNotFound = errors.New("room not found")
	// ErrNotInRoom is returned for document commands from a participant who
	// has not joined a room.
	ErrNotInRoom = errors.New("not in a room")
	// ErrAlreadyInRoom is returned when a participant tries to create or
	// join a second room on the same session.
	ErrAlreadyInRoom = errors.New("already in a room")
	// ErrEditorNotFound is returned for operations against an unknown editor
	// id.
	ErrEditorNotFound = errors.New("editor not found")
	// ErrNotHost is returned when a non-host issues a host-only command.
	ErrNotHost = errors.New("only the host may do that")
	// ErrLastEditor is returned when removing the only remaining editor; the
	// transport ignores it silently.
	ErrLastEditor = errors.New("cannot remove the last editor")
)

const (
	// DefaultRoomTTL is how long an empty room survives before expiry.
	DefaultRoomTTL = 30 * time.Minute

	defaultDocName     = "Untitled"
	defaultDocLanguage = "plaintext"
)

// Persistence is the durable-store surface the registry depends on.
type Persistence interface {
	InitDocuments(ctx context.Context, code string, ids []int64) error
	LoadDocuments(ctx context.Context, code string) ([]persist.DocumentRecord, error)
	CleanupRoom(ctx context.Context, code string) error
}

// WriteScheduler debounces document snapshot writes.
type WriteScheduler interface {
	Schedule(code string, id int64, content string, revision int64)
	DropDocument(code string, id int64)
	DropRoom(code string)
}

// Roster mirrors membership into a shared cache. All methods are best-effort;
// implementations log their own failures.
type Roster interface {
	ReserveCode(ctx context.Context, code string) bool
	ReleaseCode(ctx context.Context, code string)
	TouchMember(ctx context.Context, code, id, username, color string)
	RemoveMember(ctx context.Context, code, id string)
}

// Config tunes registry behaviour.
type Config struct {
	RoomTTL      time.Duration
	HistoryLimit int
}

// Registry owns every live room and routes participant commands to them.
// Lock order is always registry, then room, then document.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	byPart map[string]string // participant id -> room code

	codes  *codeGenerator
	store  Persistence
	writer WriteScheduler
	roster Roster
	logger zerolog.Logger
	cfg    Config
}

// NewRegistry wires the registry to its durability collaborators. roster may
// be nil.
func NewRegistry(store Persistence, writer WriteScheduler, roster Roster, logger zerolog.Logger, cfg Config) *Registry {
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = DefaultRoomTTL
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = document.DefaultHistoryLimit
	}
	return &Registry{
		rooms:  make(map[string]*Room),
		byPart: make(map[string]string),
		codes:  newCodeGenerator(),
		store:  store,
		writer: writer,
		roster: roster,
		logger: logger,
		cfg:    cfg,
	}
}

// CreateRoom makes a new room with one default document and the caller as
// host.
func (g *Registry) CreateRoom(ctx context.Context, sub Subscriber, username, color string) (RoomState, error) {
	g.mu.Lock()
	if _, ok := g.byPart[sub.ID()]; ok {
		g.mu.Unlock()
		return RoomState{}, ErrAlreadyInRoom
	}

	var code string
	for {
		code = g.codes.Next()
		if _, taken := g.rooms[code]; !taken {
			break
		}
	}

	r := newRoom(code, g.cfg.HistoryLimit)
	r.mu.Lock()
	doc := r.addDocument(defaultDocName, defaultDocLanguage)
	r.addMember(sub, username, color)
	state := r.stateSnapshot(sub.ID())
	r.mu.Unlock()

	g.rooms[code] = r
	g.byPart[sub.ID()] = code
	roomsActive.Set(float64(len(g.rooms)))
	g.mu.Unlock()

	if g.roster != nil {
		if !g.roster.ReserveCode(ctx, code) {
			g.logger.Warn().Str("room", code).Msg("room code reservation degraded to in-memory uniqueness")
		}
		g.roster.TouchMember(ctx, code, sub.ID(), username, color)
	}

	if err := g.store.InitDocuments(ctx, code, []int64{doc.ID}); err != nil {
		// In-memory state stays authoritative; the first debounced save will
		// upsert the row.
		g.logger.Error().Err(err).Str("room", code).Msg("failed to initialize room documents")
	}

	g.logger.Info().Str("room", code).Str("host", sub.ID()).Msg("room created")
	return state, nil
}

// JoinRoom adds the caller to an existing room. When the room is not in
// memory but has persisted rows (process restart), it is rebuilt from the
// durable store and the caller becomes its host.
func (g *Registry) JoinRoom(ctx context.Context, sub Subscriber, username, color, code string) (RoomState, error) {
	g.mu.RLock()
	if _, ok := g.byPart[sub.ID()]; ok {
		g.mu.RUnlock()
		return RoomState{}, ErrAlreadyInRoom
	}
	r := g.rooms[code]
	g.mu.RUnlock()

	if r == nil {
		var err error
		r, err = g.recoverRoom(ctx, code)
		if err != nil {
			return RoomState{}, err
		}
	}

	r.mu.Lock()
	if r.state == StateExpired {
		r.mu.Unlock()
		return RoomState{}, ErrRoomNotFound
	}
	m := r.addMember(sub, username, color)
	state := r.stateSnapshot(sub.ID())
	r.mu.Unlock()

	g.mu.Lock()
	g.byPart[sub.ID()] = code
	g.mu.Unlock()

	r.broadcast(EventUserJoined, m.info, sub.ID())
	if g.roster != nil {
		g.roster.TouchMember(ctx, code, sub.ID(), username, color)
	}

	g.logger.Info().Str("room", code).Str("participant", sub.ID()).Msg("participant joined")
	return state, nil
}

// recoverRoom loads persisted documents for a code and registers the rebuilt
// room. Returns ErrRoomNotFound when nothing is persisted.
func (g *Registry) recoverRoom(ctx context.Context, code string) (*Room, error) {
	records, err := g.store.LoadDocuments(ctx, code)
	if err != nil {
		g.logger.Error().Err(err).Str("room", code).Msg("failed to load persisted room")
		return nil, ErrRoomNotFound
	}
	if len(records) == 0 {
		return nil, ErrRoomNotFound
	}

	r := newRoom(code, g.cfg.HistoryLimit)
	r.mu.Lock()
	for _, rec := range records {
		r.restoreDocument(rec.ID, fmt.Sprintf("Editor %d", rec.ID), defaultDocLanguage, rec.Content, rec.Revision)
	}
	r.mu.Unlock()

	g.mu.Lock()
	if existing := g.rooms[code]; existing != nil {
		// Lost the race against a concurrent join; use the winner.
		g.mu.Unlock()
		return existing, nil
	}
	g.rooms[code] = r
	roomsActive.Set(float64(len(g.rooms)))
	g.mu.Unlock()

	roomsRecovered.Inc()
	g.logger.Info().Str("room", code).Int("documents", len(records)).Msg("room recovered from durable store")
	return r, nil
}

// roomFor resolves a participant to its room.
func (g *Registry) roomFor(participantID string) (*Room, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	code, ok := g.byPart[participantID]
	if !ok {
		return nil, ErrNotInRoom
	}
	r := g.rooms[code]
	if r == nil {
		return nil, ErrNotInRoom
	}
	return r, nil
}

// AddDocument creates a new editor in the caller's room and announces it to
// every member.
func (g *Registry) AddDocument(ctx context.Context, participantID, name, language string) (DocumentInfo, error) {
	r, err := g.roomFor(participantID)
	if err != nil {
		return DocumentInfo{}, err
	}
	if name == "" {
		name = defaultDocName
	}
	if language == "" {
		language = defaultDocLanguage
	}

	r.mu.Lock()
	doc := r.addDocument(name, language)
	r.mu.Unlock()

	info := DocumentInfo{ID: doc.ID, Name: doc.Name, Language: doc.Language}
	r.broadcast(EventEditorAdded, info, "")
	g.writer.Schedule(r.Code, doc.ID, "", 0)
	return info, nil
}

// RemoveDocument deletes an editor, provided it is not the last one.
func (g *Registry) RemoveDocument(participantID string, docID int64) error {
	r, err := g.roomFor(participantID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if _, ok := r.documents[docID]; !ok {
		r.mu.Unlock()
		return ErrEditorNotFound
	}
	if len(r.documents) <= 1 {
		r.mu.Unlock()
		return ErrLastEditor
	}
	delete(r.documents, docID)
	for id := range r.subs[docID] {
		r.unsubscribeLocked(id, docID)
	}
	r.mu.Unlock()

	r.broadcast(EventEditorRemoved, EditorRemovedPayload{EditorID: docID}, "")
	g.writer.DropDocument(r.Code, docID)
	return nil
}

// Subscribe puts the caller on the document's topic and returns the snapshot
// it should bootstrap from.
func (g *Registry) Subscribe(participantID string, docID int64, sub Subscriber) (SyncPayload, error) {
	r, err := g.roomFor(participantID)
	if err != nil {
		return SyncPayload{}, err
	}

	r.mu.Lock()
	doc, ok := r.documents[docID]
	if !ok {
		r.mu.Unlock()
		return SyncPayload{}, ErrEditorNotFound
	}
	r.subscribe(participantID, docID, sub)
	r.mu.Unlock()

	content, revision := doc.Snapshot()
	return SyncPayload{EditorID: docID, Content: content, Revision: revision}, nil
}

// Unsubscribe removes the caller from the document's topic.
func (g *Registry) Unsubscribe(participantID string, docID int64) error {
	r, err := g.roomFor(participantID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.unsubscribeLocked(participantID, docID)
	r.mu.Unlock()
	return nil
}

// RequestSync returns a fresh snapshot without changing topic membership.
func (g *Registry) RequestSync(participantID string, docID int64) (SyncPayload, error) {
	r, err := g.roomFor(participantID)
	if err != nil {
		return SyncPayload{}, err
	}

	r.mu.Lock()
	doc, ok := r.documents[docID]
	r.mu.Unlock()
	if !ok {
		return SyncPayload{}, ErrEditorNotFound
	}

	content, revision := doc.Snapshot()
	return SyncPayload{EditorID: docID, Content: content, Revision: revision}, nil
}

// SendOperation routes a client edit to its document, broadcasts the applied
// form to the topic (author included, as its acknowledgment) and schedules a
// durable write. On a base revision older than the retained history the
// author is resynchronized with a fresh snapshot instead of an error.
func (g *Registry) SendOperation(participantID string, docID int64, op ot.Operation, baseRevision int64, author Subscriber) error {
	r, err := g.roomFor(participantID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	doc, ok := r.documents[docID]
	r.mu.Unlock()
	if !ok {
		return ErrEditorNotFound
	}

	// The emit lock extends the document's serialization boundary across the
	// broadcast, so receive_operation fan-out order matches apply order.
	emit := r.emitLock(docID)
	emit.Lock()
	applied, revision, err := doc.Ingest(op, baseRevision)
	if err != nil {
		emit.Unlock()
		if errors.Is(err, document.ErrRevisionTooOld) {
			content, rev := doc.Snapshot()
			author.Send(EventEditorSynced, SyncPayload{EditorID: docID, Content: content, Revision: rev})
			g.logger.Debug().Str("room", r.Code).Int64("editor", docID).Str("participant", participantID).Msg("resynced client behind history window")
			return nil
		}
		return err
	}

	r.broadcastTopic(docID, EventReceiveOperation, OperationPayload{
		EditorID:       docID,
		Operation:      applied,
		Revision:       revision,
		AuthorSocketID: participantID,
	})
	content, _ := doc.Snapshot()
	emit.Unlock()

	g.writer.Schedule(r.Code, docID, content, revision)
	operationsRouted.Inc()
	return nil
}

// KickUser removes a member at the host's request.
func (g *Registry) KickUser(participantID, targetID string) error {
	r, err := g.roomFor(participantID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.hostID != participantID {
		r.mu.Unlock()
		return ErrNotHost
	}
	target, ok := r.members[targetID]
	if !ok {
		r.mu.Unlock()
		return ErrNotInRoom
	}
	newHost, _ := r.removeMember(targetID)
	r.mu.Unlock()

	g.mu.Lock()
	delete(g.byPart, targetID)
	g.mu.Unlock()

	target.sub.Send(EventKicked, MessagePayload{Message: "removed from the room by the host"})
	r.broadcast(EventUserLeft, UserLeftPayload{SocketID: targetID}, "")
	if newHost != "" {
		r.broadcast(EventHostTransferred, HostTransferPayload{NewHostID: newHost}, "")
	}
	if g.roster != nil {
		g.roster.RemoveMember(context.Background(), r.Code, targetID)
	}
	g.logger.Info().Str("room", r.Code).Str("participant", targetID).Msg("participant kicked")
	return nil
}

// CloseRoom tears the room down at the host's request: members are notified,
// pending writes dropped and persisted rows removed transactionally.
func (g *Registry) CloseRoom(ctx context.Context, participantID string) error {
	r, err := g.roomFor(participantID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.hostID != participantID {
		r.mu.Unlock()
		return ErrNotHost
	}
	r.state = StateExpired
	if r.expiry != nil {
		r.expiry.Stop()
		r.expiry = nil
	}
	memberIDs := make([]string, 0, len(r.members))
	subs := make([]Subscriber, 0, len(r.members))
	for id, m := range r.members {
		memberIDs = append(memberIDs, id)
		subs = append(subs, m.sub)
	}
	r.members = make(map[string]*member)
	r.subs = make(map[int64]map[string]Subscriber)
	r.hostID = ""
	r.mu.Unlock()

	g.mu.Lock()
	delete(g.rooms, r.Code)
	for _, id := range memberIDs {
		delete(g.byPart, id)
	}
	roomsActive.Set(float64(len(g.rooms)))
	g.mu.Unlock()

	for _, sub := range subs {
		sub.Send(EventRoomClosed, MessagePayload{Message: "the host closed the room"})
	}

	g.cleanupDurable(r.Code, memberIDs)
	g.logger.Info().Str("room", r.Code).Msg("room closed by host")
	return nil
}

// Disconnect removes a participant after its connection terminated,
// transferring the host role and arming the expiry timer as needed.
func (g *Registry) Disconnect(participantID string) {
	g.mu.Lock()
	code, ok := g.byPart[participantID]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.byPart, participantID)
	r := g.rooms[code]
	g.mu.Unlock()
	if r == nil {
		return
	}

	r.mu.Lock()
	newHost, empty := r.removeMember(participantID)
	if empty && r.state != StateExpired {
		ttl := g.cfg.RoomTTL
		r.expiry = time.AfterFunc(ttl, func() { g.expireRoom(code) })
		g.logger.Info().Str("room", code).Dur("ttl", ttl).Msg("room empty; expiry armed")
	}
	r.mu.Unlock()

	r.broadcast(EventUserLeft, UserLeftPayload{SocketID: participantID}, "")
	if newHost != "" {
		r.broadcast(EventHostTransferred, HostTransferPayload{NewHostID: newHost}, "")
		g.logger.Info().Str("room", code).Str("host", newHost).Msg("host transferred")
	}
	if g.roster != nil {
		g.roster.RemoveMember(context.Background(), code, participantID)
	}
}

// Relay forwards a passthrough event (code execution contract) to every other
// member of the caller's room.
func (g *Registry) Relay(participantID, event string, payload any) error {
	r, err := g.roomFor(participantID)
	if err != nil {
		return err
	}
	r.broadcast(event, payload, participantID)
	return nil
}

// Rooms snapshots the live rooms, for background workers.
func (g *Registry) Rooms() []*Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	return out
}

// expireRoom fires when the empty-room TTL elapses without a rejoin.
func (g *Registry) expireRoom(code string) {
	g.mu.Lock()
	r := g.rooms[code]
	if r == nil {
		g.mu.Unlock()
		return
	}
	r.mu.Lock()
	if len(r.members) > 0 {
		// Rejoined between the timer firing and this goroutine running.
		r.mu.Unlock()
		g.mu.Unlock()
		return
	}
	r.state = StateExpired
	r.mu.Unlock()
	delete(g.rooms, code)
	roomsActive.Set(float64(len(g.rooms)))
	g.mu.Unlock()

	roomsExpired.Inc()
	g.cleanupDurable(code, nil)
	g.logger.Info().Str("room", code).Msg("room expired")
}

// cleanupDurable drops pending writes, removes persisted rows and releases
// the room code. Failures are logged; expiry never blocks on persistence.
func (g *Registry) cleanupDurable(code string, memberIDs []string) {
	g.writer.DropRoom(code)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.store.CleanupRoom(ctx, code); err != nil {
		g.logger.Error().Err(err).Str("room", code).Msg("failed to remove persisted room documents")
	}
	if g.roster != nil {
		for _, id := range memberIDs {
			g.roster.RemoveMember(ctx, code, id)
		}
		g.roster.ReleaseCode(ctx, code)
	}
}
