// Package relay fans document mutations out to a room and keeps the
// server-side replica that late joiners are synced from.
//
// Two policies exist and a document uses exactly one of them:
//
//   - content: each document-change carries the full text. The last one to
//     arrive wins; divergent concurrent edits overwrite each other. Only
//     suitable for a single active editor.
//   - crdt: each yjs-update carries an opaque blob that is merged into the
//     replica by the Engine and rebroadcast unchanged.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"galaxydocs/api/internal/config"
	"galaxydocs/api/internal/protocol"
	"galaxydocs/api/internal/rbac"
	"galaxydocs/api/internal/room"
	"galaxydocs/api/internal/store"
)

var (
	// ErrPersistence means the mutation was applied and relayed but the
	// store write failed. The replica keeps the new state.
	ErrPersistence = errors.New("persistence failed")
	// ErrModeConflict means the message uses the other relay policy than
	// the one the document is pinned to.
	ErrModeConflict  = errors.New("relay mode conflict")
	ErrInvalidUpdate = errors.New("invalid update")
)

type Persistence interface {
	SaveContent(ctx context.Context, documentID, content string, version int64, editedBy string) error
	SaveState(ctx context.Context, documentID string, state []byte, version int64, editedBy string) error
}

type Authorizer interface {
	Authorize(ctx context.Context, userID, documentID string, action rbac.Action) (store.Document, error)
}

type Rooms interface {
	Broadcast(documentID, exceptSessionID string, msg protocol.Outbound) (delivered, failed int)
	RequireMember(documentID, sessionID string) error
	Has(documentID string) bool
}

type Options struct {
	// Mode is config.RelayModeAuto, RelayModeContent or RelayModeCRDT.
	Mode           string
	PersistTimeout time.Duration
	Cache          Cache
}

type replica struct {
	mu      sync.Mutex
	loaded  bool
	evicted bool
	mode    store.SyncMode
	content string
	state   State
	version int64
	// persisted is the highest version the store acknowledged. A replica
	// with version > persisted holds accepted state the store lacks and
	// must not be evicted.
	persisted int64
	editedBy  string
}

func (rep *replica) dirty() bool { return rep.version > rep.persisted }

type Relay struct {
	guard  Authorizer
	rooms  Rooms
	store  Persistence
	engine Engine
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	replicas map[string]*replica
}

func New(guard Authorizer, rooms Rooms, persistence Persistence, engine Engine, opts Options, logger zerolog.Logger) *Relay {
	if opts.Mode == "" {
		opts.Mode = config.RelayModeAuto
	}
	return &Relay{
		guard:    guard,
		rooms:    rooms,
		store:    persistence,
		engine:   engine,
		opts:     opts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		replicas: map[string]*replica{},
	}
}

// Actor identifies who originated a mutation. SessionID and Color are
// empty for mutations arriving over HTTP.
type Actor struct {
	UserID    string
	SessionID string
	Name      string
	Color     string
}

func actorOf(member room.Member) Actor {
	return Actor{
		UserID:    member.UserID(),
		SessionID: member.SessionID(),
		Name:      member.DisplayName(),
		Color:     member.Color(),
	}
}

func (a Actor) peer() protocol.Peer {
	return protocol.Peer{UserID: a.UserID, SocketID: a.SessionID, Name: a.Name, Color: a.Color}
}

// Result reports the version a mutation produced and how many peers it
// reached.
type Result struct {
	Version   int64
	Delivered int
	Failed    int
}

// SubmitContent handles a document-change from a session in the room.
func (r *Relay) SubmitContent(ctx context.Context, member room.Member, msg protocol.DocumentChange) (Result, error) {
	if err := r.rooms.RequireMember(msg.DocumentID, member.SessionID()); err != nil {
		return Result{}, err
	}
	return r.ApplyContent(ctx, actorOf(member), msg.DocumentID, msg.Content)
}

// ApplyContent replaces the document content (last write wins), bumps the
// version, broadcasts to the room and persists. The broadcast names the
// actor; any identity the client attached is discarded.
func (r *Relay) ApplyContent(ctx context.Context, actor Actor, documentID, content string) (Result, error) {
	doc, err := r.guard.Authorize(ctx, actor.UserID, documentID, rbac.ActionMutate)
	if err != nil {
		return Result{}, err
	}

	rep := r.lockReplica(documentID)
	defer rep.mu.Unlock()
	if actor.SessionID == "" {
		// runs before the unlock above
		defer r.evictIfIdle(documentID, rep)
	}
	if err := r.load(ctx, rep, doc); err != nil {
		return Result{}, err
	}
	if err := r.pinMode(rep, store.SyncModeContent); err != nil {
		return Result{}, err
	}

	rep.content = content
	rep.version++
	rep.editedBy = actor.UserID
	result := Result{Version: rep.version}
	result.Delivered, result.Failed = r.rooms.Broadcast(documentID, actor.SessionID, protocol.DocumentChanged{
		DocumentID: documentID,
		Content:    content,
		User:       actor.peer(),
		SocketID:   actor.SessionID,
		Version:    rep.version,
		Timestamp:  r.now(),
	})

	r.cache(ctx, documentID, rep)
	err = r.persist(ctx, documentID, rep, func(ctx context.Context) error {
		return r.store.SaveContent(ctx, documentID, content, result.Version, actor.UserID)
	})
	return result, err
}

// SubmitUpdate merges an opaque update into the replica and rebroadcasts
// the identical blob.
func (r *Relay) SubmitUpdate(ctx context.Context, member room.Member, msg protocol.YjsUpdate) (Result, error) {
	if err := r.rooms.RequireMember(msg.DocumentID, member.SessionID()); err != nil {
		return Result{}, err
	}
	doc, err := r.guard.Authorize(ctx, member.UserID(), msg.DocumentID, rbac.ActionMutate)
	if err != nil {
		return Result{}, err
	}

	rep := r.lockReplica(msg.DocumentID)
	defer rep.mu.Unlock()
	if err := r.load(ctx, rep, doc); err != nil {
		return Result{}, err
	}
	if err := r.pinMode(rep, store.SyncModeCRDT); err != nil {
		return Result{}, err
	}

	next, err := r.engine.ApplyUpdate(rep.state, msg.Update)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	encoded, err := r.engine.EncodeState(next)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	rep.state = next
	rep.version++
	rep.editedBy = member.UserID()
	result := Result{Version: rep.version}
	result.Delivered, result.Failed = r.rooms.Broadcast(msg.DocumentID, member.SessionID(), protocol.YjsUpdate{
		DocumentID: msg.DocumentID,
		Update:     msg.Update,
		SocketID:   member.SessionID(),
	})

	r.cacheEncoded(ctx, msg.DocumentID, rep, encoded)
	err = r.persist(ctx, msg.DocumentID, rep, func(ctx context.Context) error {
		return r.store.SaveState(ctx, msg.DocumentID, encoded, result.Version, member.UserID())
	})
	return result, err
}

// Hydrate sends a joiner the current replica: a yjs-sync with the full
// state for crdt documents, a document-sync otherwise.
func (r *Relay) Hydrate(ctx context.Context, member room.Member, snapshot room.Snapshot) {
	rep := r.lockReplica(snapshot.DocumentID)
	defer rep.mu.Unlock()
	if err := r.load(ctx, rep, snapshot.Document); err != nil {
		r.logger.Error().Err(err).Str("document_id", snapshot.DocumentID).Msg("hydrate replica")
		member.Send(protocol.Error{Code: "SYNC_FAILED", Message: "could not load document state", Ref: protocol.KindJoinDocument})
		return
	}

	if rep.mode == store.SyncModeCRDT || r.opts.Mode == config.RelayModeCRDT {
		encoded, err := r.engine.EncodeState(rep.state)
		if err != nil {
			r.logger.Error().Err(err).Str("document_id", snapshot.DocumentID).Msg("encode replica")
			member.Send(protocol.Error{Code: "SYNC_FAILED", Message: "could not encode document state", Ref: protocol.KindJoinDocument})
			return
		}
		member.Send(protocol.YjsSync{DocumentID: snapshot.DocumentID, Update: encoded, Version: rep.version})
		return
	}
	member.Send(protocol.DocumentSync{DocumentID: snapshot.DocumentID, Content: rep.content, Version: rep.version})
}

func (r *Relay) MemberJoined(ctx context.Context, snapshot room.Snapshot, member room.Member) {
	r.Hydrate(ctx, member, snapshot)
}

func (r *Relay) MemberLeft(string, room.Member) {}

// RoomClosed drops the replica once nobody is viewing the document. The
// store is the source for the next joiner, so unsaved state is written
// first; if that still fails the replica stays resident.
func (r *Relay) RoomClosed(documentID string) {
	r.mu.Lock()
	rep, ok := r.replicas[documentID]
	r.mu.Unlock()
	if !ok {
		return
	}

	rep.mu.Lock()
	defer rep.mu.Unlock()
	if rep.dirty() {
		if err := r.flush(context.Background(), documentID, rep); err != nil {
			r.logger.Warn().Err(err).Str("document_id", documentID).Int64("version", rep.version).
				Msg("keeping unsaved replica")
			return
		}
	}
	r.evictIfIdle(documentID, rep)
}

// Forget drops the replica without saving. Used when the document itself
// is deleted.
func (r *Relay) Forget(documentID string) {
	r.mu.Lock()
	rep, ok := r.replicas[documentID]
	r.mu.Unlock()
	if !ok {
		return
	}
	rep.mu.Lock()
	defer rep.mu.Unlock()
	r.evictLocked(documentID, rep)
}

// evictIfIdle drops a clean replica whose document has no room. rep.mu
// must be held.
func (r *Relay) evictIfIdle(documentID string, rep *replica) {
	if rep.dirty() || r.rooms.Has(documentID) {
		return
	}
	r.evictLocked(documentID, rep)
}

func (r *Relay) evictLocked(documentID string, rep *replica) {
	rep.evicted = true
	r.mu.Lock()
	if r.replicas[documentID] == rep {
		delete(r.replicas, documentID)
	}
	r.mu.Unlock()
}

// flush writes the replica's current state at its current version.
// rep.mu must be held.
func (r *Relay) flush(ctx context.Context, documentID string, rep *replica) error {
	version, editedBy := rep.version, rep.editedBy
	if rep.mode == store.SyncModeCRDT {
		encoded, err := r.engine.EncodeState(rep.state)
		if err != nil {
			return fmt.Errorf("encode replica %s: %w", documentID, err)
		}
		return r.persist(ctx, documentID, rep, func(ctx context.Context) error {
			return r.store.SaveState(ctx, documentID, encoded, version, editedBy)
		})
	}
	return r.persist(ctx, documentID, rep, func(ctx context.Context) error {
		return r.store.SaveContent(ctx, documentID, rep.content, version, editedBy)
	})
}

// Replicas returns the number of documents with live replicas.
func (r *Relay) Replicas() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replicas)
}

// lockReplica returns the document's replica with its lock held. All
// mutations of one document are serialized on that lock.
func (r *Relay) lockReplica(documentID string) *replica {
	for {
		r.mu.Lock()
		rep, ok := r.replicas[documentID]
		if !ok {
			rep = &replica{}
			r.replicas[documentID] = rep
		}
		r.mu.Unlock()

		rep.mu.Lock()
		if !rep.evicted {
			return rep
		}
		rep.mu.Unlock()
	}
}

// load fills an empty replica from the cache when it is ahead of the store,
// otherwise from doc.
func (r *Relay) load(ctx context.Context, rep *replica, doc store.Document) error {
	if rep.loaded {
		return nil
	}
	mode, content, encoded, version := doc.SyncMode, doc.Content, doc.State, doc.Version
	if r.opts.Cache != nil {
		cached, found, err := r.opts.Cache.Load(ctx, doc.ID)
		if err != nil {
			r.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("replica cache load")
		} else if found && cached.Version > version {
			mode, content, encoded, version = cached.Mode, cached.Content, cached.State, cached.Version
		}
	}

	state, err := r.engine.DecodeState(encoded)
	if err != nil {
		return fmt.Errorf("decode replica %s: %w", doc.ID, err)
	}
	rep.mode = mode
	rep.content = content
	rep.state = state
	rep.version = version
	rep.persisted = doc.Version
	rep.editedBy = doc.LastEditedBy
	rep.loaded = true
	return nil
}

func (r *Relay) pinMode(rep *replica, want store.SyncMode) error {
	switch r.opts.Mode {
	case config.RelayModeContent:
		if want != store.SyncModeContent {
			return fmt.Errorf("%w: server relays content only", ErrModeConflict)
		}
	case config.RelayModeCRDT:
		if want != store.SyncModeCRDT {
			return fmt.Errorf("%w: server relays crdt updates only", ErrModeConflict)
		}
	default:
		if rep.mode != store.SyncModeUnset && rep.mode != want {
			return fmt.Errorf("%w: document uses %s", ErrModeConflict, rep.mode)
		}
	}
	rep.mode = want
	return nil
}

// persist runs save and records the replica's version as stored on
// success. rep.mu must be held.
func (r *Relay) persist(ctx context.Context, documentID string, rep *replica, save func(ctx context.Context) error) error {
	version := rep.version
	if r.opts.PersistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.PersistTimeout)
		defer cancel()
	}
	if err := save(ctx); err != nil {
		r.logger.Error().Err(err).Str("document_id", documentID).Msg("persist document")
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if version > rep.persisted {
		rep.persisted = version
	}
	return nil
}

func (r *Relay) cache(ctx context.Context, documentID string, rep *replica) {
	if r.opts.Cache == nil {
		return
	}
	encoded, err := r.engine.EncodeState(rep.state)
	if err != nil {
		r.logger.Warn().Err(err).Str("document_id", documentID).Msg("encode replica for cache")
		return
	}
	r.cacheEncoded(ctx, documentID, rep, encoded)
}

func (r *Relay) cacheEncoded(ctx context.Context, documentID string, rep *replica, encoded []byte) {
	if r.opts.Cache == nil {
		return
	}
	err := r.opts.Cache.Store(ctx, documentID, CachedReplica{
		Mode:    rep.mode,
		Content: rep.content,
		State:   encoded,
		Version: rep.version,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("document_id", documentID).Msg("replica cache store")
	}
}
