package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type contractStore interface {
	UpsertUser(ctx context.Context, user User) error
	GetUsers(ctx context.Context, ids []string) ([]User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetDocument(ctx context.Context, documentID string) (Document, error)
	ListDocumentsForUser(ctx context.Context, userID string) ([]Document, error)
	InsertDocument(ctx context.Context, doc Document) error
	DeleteDocument(ctx context.Context, documentID string) (bool, error)
	UpdateDocumentMeta(ctx context.Context, documentID, title string, isPublic bool) error
	SaveContent(ctx context.Context, documentID, content string, version int64, editedBy string) error
	SaveState(ctx context.Context, documentID string, state []byte, version int64, editedBy string) error
	UpsertCollaborator(ctx context.Context, documentID string, collaborator Collaborator) error
	RemoveCollaborator(ctx context.Context, documentID, userID string) (bool, error)
	InsertComment(ctx context.Context, comment Comment) error
	GetComment(ctx context.Context, commentID string) (Comment, error)
	ListComments(ctx context.Context, documentID string) ([]Comment, error)
	UpdateCommentContent(ctx context.Context, commentID, content string, mentions []string) error
	ResolveComment(ctx context.Context, commentID, resolvedBy string) (bool, error)
	AppendReply(ctx context.Context, reply Reply) error
	DeleteComment(ctx context.Context, commentID string) (bool, error)
	Ping(ctx context.Context) error
}

var (
	_ contractStore = (*Memory)(nil)
	_ contractStore = (*PostgresStore)(nil)
)

func TestMemoryContract(t *testing.T) {
	runContract(t, NewMemory())
}

func TestPostgresContract(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("GALAXY_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("GALAXY_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn, PoolOptions{})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, resetPublicSchema(ctx, db))
	_, err = ApplyMigrations(ctx, db, testMigrationsDir)
	require.NoError(t, err)

	runContract(t, NewPostgresStore(db))
}

func runContract(t *testing.T, s contractStore) {
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, User{ID: "u_owner", DisplayName: "Olive Owner", Email: "olive@example.com"}))
	require.NoError(t, s.UpsertUser(ctx, User{ID: "u_alex", DisplayName: "Alex"}))
	require.NoError(t, s.UpsertUser(ctx, User{ID: "u_alex", DisplayName: "Alex Writer"}))

	users, err := s.GetUsers(ctx, []string{"u_alex", "u_missing"})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Alex Writer", users[0].DisplayName)

	byEmail, err := s.GetUserByEmail(ctx, "OLIVE@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u_owner", byEmail.ID)
	_, err = s.GetUserByEmail(ctx, "nobody@example.com")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.GetUserByEmail(ctx, "")
	assert.True(t, errors.Is(err, ErrNotFound))

	t.Run("documents", func(t *testing.T) {
		require.NoError(t, s.InsertDocument(ctx, Document{ID: "doc_1", Title: "Plan", OwnerID: "u_owner"}))

		doc, err := s.GetDocument(ctx, "doc_1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), doc.Version)
		assert.Equal(t, SyncModeUnset, doc.SyncMode)
		assert.Empty(t, doc.Collaborators)

		_, err = s.GetDocument(ctx, "doc_missing")
		assert.True(t, errors.Is(err, ErrNotFound))

		require.NoError(t, s.UpsertCollaborator(ctx, "doc_1", Collaborator{UserID: "u_alex", Permission: PermissionRead}))
		require.NoError(t, s.UpsertCollaborator(ctx, "doc_1", Collaborator{UserID: "u_alex", Permission: PermissionWrite}))
		doc, err = s.GetDocument(ctx, "doc_1")
		require.NoError(t, err)
		require.Len(t, doc.Collaborators, 1)
		assert.Equal(t, PermissionWrite, doc.Collaborators[0].Permission)

		require.NoError(t, s.SaveContent(ctx, "doc_1", "hello", 2, "u_alex"))
		require.NoError(t, s.SaveContent(ctx, "doc_1", "stale", 2, "u_owner"))
		doc, err = s.GetDocument(ctx, "doc_1")
		require.NoError(t, err)
		assert.Equal(t, "hello", doc.Content)
		assert.Equal(t, int64(2), doc.Version)
		assert.Equal(t, "u_alex", doc.LastEditedBy)
		assert.Equal(t, SyncModeContent, doc.SyncMode)

		require.NoError(t, s.UpdateDocumentMeta(ctx, "doc_1", "Plan v2", true))
		assert.True(t, errors.Is(s.UpdateDocumentMeta(ctx, "doc_missing", "x", false), ErrNotFound))

		docs, err := s.ListDocumentsForUser(ctx, "u_stranger")
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "Plan v2", docs[0].Title)

		removed, err := s.RemoveCollaborator(ctx, "doc_1", "u_alex")
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = s.RemoveCollaborator(ctx, "doc_1", "u_alex")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("crdt state", func(t *testing.T) {
		require.NoError(t, s.InsertDocument(ctx, Document{ID: "doc_2", Title: "Notes", OwnerID: "u_owner"}))
		require.NoError(t, s.SaveState(ctx, "doc_2", []byte{0x01, 0x02}, 3, "u_owner"))
		doc, err := s.GetDocument(ctx, "doc_2")
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01, 0x02}, doc.State)
		assert.Equal(t, SyncModeCRDT, doc.SyncMode)
		assert.Equal(t, int64(3), doc.Version)
	})

	t.Run("comments", func(t *testing.T) {
		require.NoError(t, s.InsertComment(ctx, Comment{
			ID:         "cmt_1",
			DocumentID: "doc_1",
			AuthorID:   "u_alex",
			Content:    "see @olive",
			Position:   Position{Start: 2, End: 9},
			Mentions:   []string{"u_owner"},
		}))

		comment, err := s.GetComment(ctx, "cmt_1")
		require.NoError(t, err)
		assert.Equal(t, Position{Start: 2, End: 9}, comment.Position)
		assert.Equal(t, []string{"u_owner"}, comment.Mentions)
		assert.False(t, comment.Resolved)
		assert.Empty(t, comment.Replies)

		changed, err := s.ResolveComment(ctx, "cmt_1", "u_owner")
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = s.ResolveComment(ctx, "cmt_1", "u_owner")
		require.NoError(t, err)
		assert.False(t, changed)

		require.NoError(t, s.AppendReply(ctx, Reply{ID: "rpl_1", CommentID: "cmt_1", AuthorID: "u_owner", Content: "done"}))
		assert.True(t, errors.Is(s.AppendReply(ctx, Reply{ID: "rpl_2", CommentID: "cmt_missing", AuthorID: "u_owner", Content: "x"}), ErrNotFound))

		require.NoError(t, s.UpdateCommentContent(ctx, "cmt_1", "edited", nil))

		items, err := s.ListComments(ctx, "doc_1")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.True(t, items[0].Resolved)
		assert.Equal(t, "u_owner", items[0].ResolvedBy)
		assert.NotNil(t, items[0].ResolvedAt)
		assert.Equal(t, "edited", items[0].Content)
		assert.Empty(t, items[0].Mentions)
		require.Len(t, items[0].Replies, 1)
		assert.Equal(t, "done", items[0].Replies[0].Content)

		deleted, err := s.DeleteComment(ctx, "cmt_1")
		require.NoError(t, err)
		assert.True(t, deleted)
		deleted, err = s.DeleteComment(ctx, "cmt_1")
		require.NoError(t, err)
		assert.False(t, deleted)

		_, err = s.GetComment(ctx, "cmt_1")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("delete document", func(t *testing.T) {
		require.NoError(t, s.InsertDocument(ctx, Document{ID: "doc_3", Title: "Scratch", OwnerID: "u_owner"}))
		require.NoError(t, s.UpsertCollaborator(ctx, "doc_3", Collaborator{UserID: "u_alex", Permission: PermissionWrite}))
		require.NoError(t, s.InsertComment(ctx, Comment{ID: "cmt_3", DocumentID: "doc_3", AuthorID: "u_alex", Content: "gone soon", Mentions: []string{}}))

		deleted, err := s.DeleteDocument(ctx, "doc_3")
		require.NoError(t, err)
		assert.True(t, deleted)
		deleted, err = s.DeleteDocument(ctx, "doc_3")
		require.NoError(t, err)
		assert.False(t, deleted)

		_, err = s.GetDocument(ctx, "doc_3")
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = s.GetComment(ctx, "cmt_3")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	require.NoError(t, s.Ping(ctx))
}

func TestDocumentPreview(t *testing.T) {
	tests := []struct {
		name, content, want string
	}{
		{name: "plain", content: "  hello world ", want: "hello world"},
		{name: "markup", content: "<p>Hello <b>team</b></p>", want: "Hello team"},
		{name: "empty", content: "", want: ""},
		{name: "long", content: "<h1>" + strings.Repeat("ü", 160) + "</h1>", want: strings.Repeat("ü", 150) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Document{Content: tt.content}.Preview())
		})
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertDocument(ctx, Document{
		ID:            "doc_1",
		OwnerID:       "u_owner",
		Collaborators: []Collaborator{{UserID: "u_a", Permission: PermissionRead}},
	}))

	doc, err := m.GetDocument(ctx, "doc_1")
	require.NoError(t, err)
	doc.Collaborators[0].Permission = PermissionWrite

	again, err := m.GetDocument(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, PermissionRead, again.Collaborators[0].Permission)
}

func TestPermissionValid(t *testing.T) {
	assert.True(t, PermissionComment.Valid())
	assert.False(t, Permission("admin").Valid())
}
