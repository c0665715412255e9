package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"galaxydocs/api/internal/protocol"
	"galaxydocs/api/internal/rbac"
	"galaxydocs/api/internal/store"
)

type fakeMember struct {
	id     string
	user   string
	closed atomic.Bool
	refuse bool

	mu   sync.Mutex
	sent []protocol.Outbound
}

func newMember(id string) *fakeMember {
	return &fakeMember{id: id, user: "user-" + id}
}

func (m *fakeMember) SessionID() string   { return m.id }
func (m *fakeMember) UserID() string      { return m.user }
func (m *fakeMember) DisplayName() string { return m.user }
func (m *fakeMember) Color() string       { return "#FF6B6B" }
func (m *fakeMember) Closed() bool        { return m.closed.Load() }

func (m *fakeMember) Send(msg protocol.Outbound) bool {
	if m.refuse {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return true
}

func (m *fakeMember) messages() []protocol.Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Outbound(nil), m.sent...)
}

type fakeGuard struct {
	deny map[string]bool
}

func (g fakeGuard) Authorize(_ context.Context, userID, documentID string, _ rbac.Action) (store.Document, error) {
	if g.deny[userID] {
		return store.Document{}, rbac.ErrAccessDenied
	}
	return store.Document{ID: documentID}, nil
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) record(event string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
}

func (o *recordingObserver) MemberJoined(_ context.Context, s Snapshot, m Member) {
	o.record(fmt.Sprintf("joined %s %s others=%d", s.DocumentID, m.SessionID(), len(s.Members)))
}

func (o *recordingObserver) MemberLeft(documentID string, m Member) {
	o.record(fmt.Sprintf("left %s %s", documentID, m.SessionID()))
}

func (o *recordingObserver) RoomClosed(documentID string) {
	o.record("closed " + documentID)
}

func (o *recordingObserver) all() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func newTestRegistry(guard Authorizer) (*Registry, *recordingObserver) {
	registry := NewRegistry(guard, zerolog.Nop())
	observer := &recordingObserver{}
	registry.Observe(observer)
	return registry, observer
}

func TestJoinReturnsSnapshotExcludingJoiner(t *testing.T) {
	registry, _ := newTestRegistry(fakeGuard{})
	ctx := context.Background()
	owner, alex := newMember("o"), newMember("a")

	snap, err := registry.Join(ctx, owner, "doc_1")
	require.NoError(t, err)
	assert.Empty(t, snap.Members)

	snap, err = registry.Join(ctx, alex, "doc_1")
	require.NoError(t, err)
	require.Len(t, snap.Members, 1)
	assert.Equal(t, "o", snap.Members[0].SessionID())
	assert.Equal(t, "doc_1", snap.Document.ID)
}

func TestJoinIsIdempotent(t *testing.T) {
	registry, observer := newTestRegistry(fakeGuard{})
	ctx := context.Background()
	owner, alex := newMember("o"), newMember("a")

	_, err := registry.Join(ctx, owner, "doc_1")
	require.NoError(t, err)
	first, err := registry.Join(ctx, alex, "doc_1")
	require.NoError(t, err)
	again, err := registry.Join(ctx, alex, "doc_1")
	require.NoError(t, err)

	assert.True(t, again.Rejoined)
	assert.Len(t, again.Members, len(first.Members))
	assert.Len(t, registry.Members("doc_1"), 2)
	assert.Equal(t, []string{"joined doc_1 o others=0", "joined doc_1 a others=1"}, observer.all())
}

func TestSessionBelongsToOneRoom(t *testing.T) {
	registry, observer := newTestRegistry(fakeGuard{})
	ctx := context.Background()
	alex := newMember("a")

	_, err := registry.Join(ctx, alex, "doc_1")
	require.NoError(t, err)
	_, err = registry.Join(ctx, alex, "doc_2")
	require.NoError(t, err)

	assert.False(t, registry.Has("doc_1"))
	assert.True(t, registry.Has("doc_2"))
	current, ok := registry.Current("a")
	assert.True(t, ok)
	assert.Equal(t, "doc_2", current)
	assert.Equal(t, []string{
		"joined doc_1 a others=0",
		"left doc_1 a",
		"closed doc_1",
		"joined doc_2 a others=0",
	}, observer.all())
}

func TestLeaveTearsDownEmptyRoom(t *testing.T) {
	registry, observer := newTestRegistry(fakeGuard{})
	ctx := context.Background()
	owner, alex := newMember("o"), newMember("a")
	_, _ = registry.Join(ctx, owner, "doc_1")
	_, _ = registry.Join(ctx, alex, "doc_1")

	registry.Leave(alex, "doc_1")
	assert.Len(t, registry.Members("doc_1"), 1)
	assert.True(t, registry.Has("doc_1"))

	registry.Leave(owner, "doc_1")
	assert.False(t, registry.Has("doc_1"))
	assert.Empty(t, registry.Rooms())
	assert.Contains(t, observer.all(), "closed doc_1")
}

func TestLeaveAbsentPairIsNoop(t *testing.T) {
	registry, observer := newTestRegistry(fakeGuard{})
	alex := newMember("a")

	registry.Leave(alex, "doc_1")
	_, _ = registry.Join(context.Background(), alex, "doc_1")
	registry.Leave(alex, "doc_other")

	assert.True(t, registry.Has("doc_1"))
	assert.Equal(t, []string{"joined doc_1 a others=0"}, observer.all())
}

func TestJoinDeniedDoesNotAddMember(t *testing.T) {
	registry, observer := newTestRegistry(fakeGuard{deny: map[string]bool{"user-b": true}})
	_, err := registry.Join(context.Background(), newMember("b"), "doc_1")
	assert.True(t, errors.Is(err, rbac.ErrAccessDenied))
	assert.False(t, registry.Has("doc_1"))
	assert.Empty(t, observer.all())
}

func TestDisconnectLeavesAndBlocksRejoin(t *testing.T) {
	registry, _ := newTestRegistry(fakeGuard{})
	ctx := context.Background()
	owner, alex := newMember("o"), newMember("a")
	_, _ = registry.Join(ctx, owner, "doc_1")
	_, _ = registry.Join(ctx, alex, "doc_1")

	alex.closed.Store(true)
	registry.Disconnect(alex)
	registry.Disconnect(alex)

	assert.Len(t, registry.Members("doc_1"), 1)
	_, ok := registry.Current("a")
	assert.False(t, ok)

	_, err := registry.Join(ctx, alex, "doc_1")
	assert.True(t, errors.Is(err, ErrSessionClosed))
}

func TestRequireMember(t *testing.T) {
	registry, _ := newTestRegistry(fakeGuard{})
	alex := newMember("a")
	assert.True(t, errors.Is(registry.RequireMember("doc_1", "a"), ErrNotJoined))
	_, _ = registry.Join(context.Background(), alex, "doc_1")
	assert.NoError(t, registry.RequireMember("doc_1", "a"))
	assert.True(t, errors.Is(registry.RequireMember("doc_2", "a"), ErrNotJoined))
}

func TestBroadcastExcludesSenderAndCountsFailures(t *testing.T) {
	registry, _ := newTestRegistry(fakeGuard{})
	ctx := context.Background()
	owner, alex, dead := newMember("o"), newMember("a"), newMember("d")
	dead.refuse = true
	for _, m := range []*fakeMember{owner, alex, dead} {
		_, err := registry.Join(ctx, m, "doc_1")
		require.NoError(t, err)
	}

	delivered, failed := registry.Broadcast("doc_1", "a", protocol.UserTyping{DocumentID: "doc_1", IsTyping: true})
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, failed)
	assert.Len(t, owner.messages(), 1)
	assert.Empty(t, alex.messages())

	delivered, _ = registry.Broadcast("doc_1", "", protocol.UserTyping{DocumentID: "doc_1"})
	assert.Equal(t, 2, delivered)

	delivered, failed = registry.Broadcast("doc_missing", "", protocol.UserTyping{DocumentID: "doc_missing"})
	assert.Zero(t, delivered)
	assert.Zero(t, failed)
}

func TestConcurrentFirstJoinersShareOneRoom(t *testing.T) {
	registry, _ := newTestRegistry(fakeGuard{})
	const n = 64

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := registry.Join(context.Background(), newMember(fmt.Sprintf("s%02d", i)), "doc_1")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rooms := registry.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, n, rooms[0].Members)
}

func TestConcurrentJoinLeaveChurn(t *testing.T) {
	registry, _ := newTestRegistry(fakeGuard{})
	anchor := newMember("anchor")
	_, err := registry.Join(context.Background(), anchor, "doc_1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := newMember(fmt.Sprintf("c%02d", i))
			for j := 0; j < 50; j++ {
				doc := fmt.Sprintf("doc_%d", j%3)
				_, _ = registry.Join(context.Background(), m, doc)
				registry.Leave(m, doc)
			}
		}(i)
	}
	wg.Wait()

	rooms := registry.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, "doc_1", rooms[0].DocumentID)
	assert.Equal(t, []string{"anchor"}, rooms[0].ConnectionIDs)
}

func TestEvictNotifiesAndClosesRoom(t *testing.T) {
	registry, observer := newTestRegistry(fakeGuard{})
	ctx := context.Background()
	owner, alex, other := newMember("o"), newMember("a"), newMember("x")
	_, _ = registry.Join(ctx, owner, "doc_1")
	_, _ = registry.Join(ctx, alex, "doc_1")
	_, _ = registry.Join(ctx, other, "doc_2")

	notice := protocol.DocumentDeleted{DocumentID: "doc_1", DeletedBy: "user-o"}
	assert.Equal(t, 2, registry.Evict("doc_1", notice))

	assert.False(t, registry.Has("doc_1"))
	assert.True(t, registry.Has("doc_2"))
	for _, m := range []*fakeMember{owner, alex} {
		msgs := m.messages()
		require.NotEmpty(t, msgs)
		assert.Contains(t, msgs, protocol.Outbound(notice))
		assert.True(t, errors.Is(registry.RequireMember("doc_1", m.id), ErrNotJoined))
	}
	assert.Contains(t, observer.all(), "closed doc_1")
	assert.Zero(t, registry.Evict("doc_missing", notice))
}
