package room

import (
	"sort"
	"sync"
	"time"

	"github.com/example/collab-edit/internal/document"
)

// State tracks where a room is in its lifecycle.
type State int

const (
	// StateActive: at least one live member.
	StateActive State = iota
	// StateEmpty: no members; the expiry timer is armed.
	StateEmpty
	// StateExpired: terminal; the room is gone and its rows removed.
	StateExpired
)

type member struct {
	info       UserInfo
	sub        Subscriber
	joinSeq    int64
	currentDoc int64 // 0 when not in any editor topic
}

// Room holds the live state of one collaborative session: its documents,
// members, per-document topic subscriptions and host. All fields are guarded
// by mu; document content itself is guarded by each document.Store.
type Room struct {
	Code string

	mu           sync.Mutex
	state        State
	documents    map[int64]*document.Store
	nextDocID    int64
	members      map[string]*member
	joinSeq      int64
	hostID       string
	subs         map[int64]map[string]Subscriber
	emitLocks    map[int64]*sync.Mutex
	expiry       *time.Timer
	historyLimit int
}

func newRoom(code string, historyLimit int) *Room {
	return &Room{
		Code:         code,
		documents:    make(map[int64]*document.Store),
		nextDocID:    1,
		members:      make(map[string]*member),
		subs:         make(map[int64]map[string]Subscriber),
		emitLocks:    make(map[int64]*sync.Mutex),
		historyLimit: historyLimit,
	}
}

// emitLock returns the per-document lock that keeps broadcast order equal to
// apply order. Distinct documents keep their own locks so they fan out in
// parallel.
func (r *Room) emitLock(docID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.emitLocks[docID]
	if !ok {
		l = &sync.Mutex{}
		r.emitLocks[docID] = l
	}
	return l
}

// addDocument allocates the next id. Callers hold r.mu.
func (r *Room) addDocument(name, language string) *document.Store {
	doc := document.NewStore(r.nextDocID, name, language, r.historyLimit)
	r.documents[doc.ID] = doc
	r.nextDocID++
	return doc
}

// restoreDocument rebuilds a document loaded from the durable store. Callers
// hold r.mu.
func (r *Room) restoreDocument(id int64, name, language, content string, revision int64) *document.Store {
	doc := document.NewStore(id, name, language, r.historyLimit)
	doc.Reset(content, revision)
	r.documents[id] = doc
	if id >= r.nextDocID {
		r.nextDocID = id + 1
	}
	return doc
}

// addMember registers a participant; the first member becomes host. Callers
// hold r.mu.
func (r *Room) addMember(sub Subscriber, username, color string) *member {
	r.joinSeq++
	m := &member{
		info:    UserInfo{SocketID: sub.ID(), Username: username, Color: color},
		sub:     sub,
		joinSeq: r.joinSeq,
	}
	r.members[sub.ID()] = m
	if len(r.members) == 1 {
		r.hostID = sub.ID()
	}
	r.state = StateActive
	if r.expiry != nil {
		r.expiry.Stop()
		r.expiry = nil
	}
	return m
}

// removeMember drops a participant and its topic subscriptions. It returns
// the id of the new host when the host role moved, and whether the room is
// now empty. Callers hold r.mu.
func (r *Room) removeMember(id string) (newHost string, empty bool) {
	m, ok := r.members[id]
	if !ok {
		return "", len(r.members) == 0
	}
	delete(r.members, id)
	if m.currentDoc != 0 {
		r.unsubscribeLocked(id, m.currentDoc)
	}

	if len(r.members) == 0 {
		r.hostID = ""
		r.state = StateEmpty
		return "", true
	}

	if r.hostID == id {
		// Oldest remaining member by join order inherits the host role.
		var oldest *member
		for _, candidate := range r.members {
			if oldest == nil || candidate.joinSeq < oldest.joinSeq {
				oldest = candidate
			}
		}
		r.hostID = oldest.info.SocketID
		return r.hostID, false
	}
	return "", false
}

// subscribe moves the participant onto the document's topic, dropping any
// previous topic membership (one topic per session). Callers hold r.mu.
func (r *Room) subscribe(id string, docID int64, sub Subscriber) {
	m := r.members[id]
	if m != nil && m.currentDoc != 0 && m.currentDoc != docID {
		r.unsubscribeLocked(id, m.currentDoc)
	}
	if r.subs[docID] == nil {
		r.subs[docID] = make(map[string]Subscriber)
	}
	r.subs[docID][id] = sub
	if m != nil {
		m.currentDoc = docID
	}
}

func (r *Room) unsubscribeLocked(id string, docID int64) {
	if topic := r.subs[docID]; topic != nil {
		delete(topic, id)
		if len(topic) == 0 {
			delete(r.subs, docID)
		}
	}
	if m := r.members[id]; m != nil && m.currentDoc == docID {
		m.currentDoc = 0
	}
}

// memberSubscribers snapshots every member's handle, optionally skipping one
// participant. The snapshot is taken under the lock and sends happen outside
// it.
func (r *Room) memberSubscribers(skip string) []Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscriber, 0, len(r.members))
	for id, m := range r.members {
		if id == skip {
			continue
		}
		out = append(out, m.sub)
	}
	return out
}

// topicSubscribers snapshots the subscriber set of one document topic.
func (r *Room) topicSubscribers(docID int64) []Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	topic := r.subs[docID]
	out := make([]Subscriber, 0, len(topic))
	for _, sub := range topic {
		out = append(out, sub)
	}
	return out
}

// broadcast sends an event to every member except skip.
func (r *Room) broadcast(event string, payload any, skip string) {
	for _, sub := range r.memberSubscribers(skip) {
		sub.Send(event, payload)
	}
}

// broadcastTopic sends an event to every subscriber of one document topic,
// including the author when present.
func (r *Room) broadcastTopic(docID int64, event string, payload any) {
	for _, sub := range r.topicSubscribers(docID) {
		sub.Send(event, payload)
	}
}

// Documents returns the room's document stores ordered by id.
func (r *Room) Documents() []*document.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*document.Store, 0, len(r.documents))
	for _, doc := range r.documents {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// stateSnapshot builds the room_created/room_joined payload. Callers hold
// r.mu.
func (r *Room) stateSnapshot(forID string) RoomState {
	editors := make([]DocumentInfo, 0, len(r.documents))
	for _, doc := range r.documents {
		editors = append(editors, DocumentInfo{ID: doc.ID, Name: doc.Name, Language: doc.Language})
	}
	sort.Slice(editors, func(i, j int) bool { return editors[i].ID < editors[j].ID })

	users := make([]UserInfo, 0, len(r.members))
	ordered := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].joinSeq < ordered[j].joinSeq })
	for _, m := range ordered {
		users = append(users, m.info)
	}

	return RoomState{
		RoomCode: r.Code,
		Editors:  editors,
		Users:    users,
		IsHost:   r.hostID == forID,
	}
}
