// Package room tracks which sessions are viewing which document. A room
// exists only while it has members.
package room

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"galaxydocs/api/internal/protocol"
	"galaxydocs/api/internal/rbac"
	"galaxydocs/api/internal/store"
)

var (
	ErrNotJoined     = errors.New("session has not joined this document")
	ErrSessionClosed = errors.New("session is closed")
)

// Member is a live session as seen by the registry.
type Member interface {
	SessionID() string
	UserID() string
	DisplayName() string
	Color() string
	// Send queues msg without blocking. It returns false when the session
	// could not take the message and has been dropped.
	Send(msg protocol.Outbound) bool
	Closed() bool
}

type Authorizer interface {
	Authorize(ctx context.Context, userID, documentID string, action rbac.Action) (store.Document, error)
}

// Observer receives membership changes. Callbacks run on the joining or
// leaving session's goroutine, after the room lock is released.
type Observer interface {
	MemberJoined(ctx context.Context, snapshot Snapshot, member Member)
	MemberLeft(documentID string, member Member)
	RoomClosed(documentID string)
}

// Snapshot is the room state handed to a joiner. Members excludes the
// joiner itself.
type Snapshot struct {
	DocumentID string
	Document   store.Document
	Members    []Member
	Rejoined   bool
}

type Info struct {
	DocumentID    string   `json:"documentId"`
	Members       int      `json:"numConnections"`
	ConnectionIDs []string `json:"connectionIds"`
}

type room struct {
	mu      sync.Mutex
	members map[string]Member
	order   []string
	closed  bool
}

type membership struct {
	mu         sync.Mutex
	documentID string
	gone       bool
}

type Registry struct {
	guard     Authorizer
	logger    zerolog.Logger
	observers []Observer

	mu    sync.RWMutex
	rooms map[string]*room

	sessionsMu sync.Mutex
	sessions   map[string]*membership
}

func NewRegistry(guard Authorizer, logger zerolog.Logger) *Registry {
	return &Registry{
		guard:    guard,
		logger:   logger,
		rooms:    map[string]*room{},
		sessions: map[string]*membership{},
	}
}

// Observe registers o. It must be called before the registry is shared.
func (r *Registry) Observe(o Observer) {
	r.observers = append(r.observers, o)
}

// Join authorizes member for view access, moves it into documentID's room
// and returns the other members. Joining the room the session is already in
// returns the current snapshot without notifying observers.
func (r *Registry) Join(ctx context.Context, member Member, documentID string) (Snapshot, error) {
	doc, err := r.guard.Authorize(ctx, member.UserID(), documentID, rbac.ActionView)
	if err != nil {
		return Snapshot{}, err
	}

	m := r.membershipFor(member.SessionID())
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gone || member.Closed() {
		return Snapshot{}, ErrSessionClosed
	}

	if m.documentID == documentID {
		if others, ok := r.othersIn(documentID, member.SessionID()); ok {
			return Snapshot{DocumentID: documentID, Document: doc, Members: others, Rejoined: true}, nil
		}
	}
	if m.documentID != "" {
		r.leaveLocked(m, member, m.documentID)
	}

	others := r.addMember(documentID, member)
	m.documentID = documentID

	snapshot := Snapshot{DocumentID: documentID, Document: doc, Members: others}
	for _, o := range r.observers {
		o.MemberJoined(ctx, snapshot, member)
	}
	r.logger.Debug().
		Str("document_id", documentID).
		Str("session_id", member.SessionID()).
		Int("members", len(others)+1).
		Msg("joined room")
	return snapshot, nil
}

// Leave removes member from documentID's room. It is a no-op when the
// session is not in that room.
func (r *Registry) Leave(member Member, documentID string) {
	m := r.existingMembership(member.SessionID())
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.documentID != documentID {
		return
	}
	r.leaveLocked(m, member, documentID)
}

// Disconnect leaves the session's current room and forgets the session.
// Later joins with the same member fail with ErrSessionClosed.
func (r *Registry) Disconnect(member Member) {
	m := r.existingMembership(member.SessionID())
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.documentID != "" {
		r.leaveLocked(m, member, m.documentID)
	}
	m.gone = true
	m.mu.Unlock()

	r.sessionsMu.Lock()
	if r.sessions[member.SessionID()] == m {
		delete(r.sessions, member.SessionID())
	}
	r.sessionsMu.Unlock()
}

// Evict sends notice to every member of documentID's room and removes
// them, closing the room. It returns how many sessions were removed.
func (r *Registry) Evict(documentID string, notice protocol.Outbound) int {
	members := r.Members(documentID)
	for _, member := range members {
		member.Send(notice)
		r.Leave(member, documentID)
	}
	if len(members) > 0 {
		r.logger.Info().Str("document_id", documentID).Int("members", len(members)).Msg("room evicted")
	}
	return len(members)
}

func (r *Registry) leaveLocked(m *membership, member Member, documentID string) {
	removed, closed := r.removeMember(documentID, member.SessionID())
	m.documentID = ""
	if !removed {
		return
	}
	for _, o := range r.observers {
		o.MemberLeft(documentID, member)
	}
	if closed {
		for _, o := range r.observers {
			o.RoomClosed(documentID)
		}
		r.logger.Debug().Str("document_id", documentID).Msg("room closed")
	}
}

func (r *Registry) membershipFor(sessionID string) *membership {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	m, ok := r.sessions[sessionID]
	if !ok {
		m = &membership{}
		r.sessions[sessionID] = m
	}
	return m
}

func (r *Registry) existingMembership(sessionID string) *membership {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	return r.sessions[sessionID]
}

// addMember inserts member, creating the room if needed. A room that was
// closed between lookup and lock is replaced, so two concurrent first
// joiners always end up in the same room.
func (r *Registry) addMember(documentID string, member Member) []Member {
	for {
		rm := r.getOrCreate(documentID)
		rm.mu.Lock()
		if rm.closed {
			// being removed from the map by the last leaver
			rm.mu.Unlock()
			runtime.Gosched()
			continue
		}
		others := rm.snapshotExcept(member.SessionID())
		if _, exists := rm.members[member.SessionID()]; !exists {
			rm.members[member.SessionID()] = member
			rm.order = append(rm.order, member.SessionID())
		}
		rm.mu.Unlock()
		return others
	}
}

// getOrCreate never takes a room lock while holding r.mu; removeMember
// acquires them in the opposite order.
func (r *Registry) getOrCreate(documentID string) *room {
	r.mu.RLock()
	rm, ok := r.rooms[documentID]
	r.mu.RUnlock()
	if ok {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok = r.rooms[documentID]; !ok {
		rm = &room{members: map[string]Member{}}
		r.rooms[documentID] = rm
	}
	return rm
}

func (r *Registry) removeMember(documentID, sessionID string) (removed, closed bool) {
	r.mu.RLock()
	rm, ok := r.rooms[documentID]
	r.mu.RUnlock()
	if !ok {
		return false, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, exists := rm.members[sessionID]; !exists {
		return false, false
	}
	delete(rm.members, sessionID)
	for i, id := range rm.order {
		if id == sessionID {
			rm.order = append(rm.order[:i], rm.order[i+1:]...)
			break
		}
	}
	if len(rm.members) > 0 {
		return true, false
	}

	rm.closed = true
	r.mu.Lock()
	if r.rooms[documentID] == rm {
		delete(r.rooms, documentID)
	}
	r.mu.Unlock()
	return true, true
}

func (r *Registry) othersIn(documentID, sessionID string) ([]Member, bool) {
	r.mu.RLock()
	rm, ok := r.rooms[documentID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, member := rm.members[sessionID]; !member || rm.closed {
		return nil, false
	}
	return rm.snapshotExcept(sessionID), true
}

func (rm *room) snapshotExcept(sessionID string) []Member {
	others := make([]Member, 0, len(rm.order))
	for _, id := range rm.order {
		if id != sessionID {
			others = append(others, rm.members[id])
		}
	}
	return others
}

// Members returns the sessions currently in documentID's room.
func (r *Registry) Members(documentID string) []Member {
	return r.membersExcept(documentID, "")
}

func (r *Registry) membersExcept(documentID, sessionID string) []Member {
	r.mu.RLock()
	rm, ok := r.rooms[documentID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return nil
	}
	return rm.snapshotExcept(sessionID)
}

// Has reports whether a live room exists for documentID.
func (r *Registry) Has(documentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[documentID]
	return ok
}

// Current returns the document the session is in, if any.
func (r *Registry) Current(sessionID string) (string, bool) {
	m := r.existingMembership(sessionID)
	if m == nil {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.documentID, m.documentID != ""
}

// RequireMember fails with ErrNotJoined unless sessionID is in documentID's room.
func (r *Registry) RequireMember(documentID, sessionID string) error {
	if current, ok := r.Current(sessionID); !ok || current != documentID {
		return fmt.Errorf("%s: %w", documentID, ErrNotJoined)
	}
	return nil
}

// Broadcast queues msg for every member of documentID's room except
// exceptSessionID. Members that cannot take the message are counted as
// failed; delivery to the rest continues.
func (r *Registry) Broadcast(documentID, exceptSessionID string, msg protocol.Outbound) (delivered, failed int) {
	for _, member := range r.membersExcept(documentID, exceptSessionID) {
		if member.Send(msg) {
			delivered++
			continue
		}
		failed++
		r.logger.Warn().
			Str("document_id", documentID).
			Str("session_id", member.SessionID()).
			Str("type", string(msg.Kind())).
			Msg("recipient unreachable")
	}
	if failed > 1 {
		r.logger.Error().
			Str("document_id", documentID).
			Int("failed", failed).
			Int("delivered", delivered).
			Msg("broadcast partially failed")
	}
	return delivered, failed
}

// Rooms lists live rooms ordered by document id.
func (r *Registry) Rooms() []Info {
	r.mu.RLock()
	rooms := make(map[string]*room, len(r.rooms))
	for id, rm := range r.rooms {
		rooms[id] = rm
	}
	r.mu.RUnlock()

	items := make([]Info, 0, len(rooms))
	for id, rm := range rooms {
		rm.mu.Lock()
		ids := append([]string(nil), rm.order...)
		rm.mu.Unlock()
		if len(ids) == 0 {
			continue
		}
		items = append(items, Info{DocumentID: id, Members: len(ids), ConnectionIDs: ids})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].DocumentID < items[j].DocumentID })
	return items
}
