package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"galaxydocs/api/internal/comments"
	"galaxydocs/api/internal/gateway"
	"galaxydocs/api/internal/protocol"
	"galaxydocs/api/internal/rbac"
	"galaxydocs/api/internal/relay"
	"galaxydocs/api/internal/room"
	"galaxydocs/api/internal/store"
	"galaxydocs/api/internal/util"
)

const maxTitleLength = 200

type Store interface {
	Ping(ctx context.Context) error
	GetUsers(ctx context.Context, ids []string) ([]store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	ListDocumentsForUser(ctx context.Context, userID string) ([]store.Document, error)
	InsertDocument(ctx context.Context, doc store.Document) error
	DeleteDocument(ctx context.Context, documentID string) (bool, error)
	UpdateDocumentMeta(ctx context.Context, documentID, title string, isPublic bool) error
	UpsertCollaborator(ctx context.Context, documentID string, collaborator store.Collaborator) error
	RemoveCollaborator(ctx context.Context, documentID, userID string) (bool, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, rawToken string) (gateway.Session, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, userID, documentID string, action rbac.Action) (store.Document, error)
}

type ContentRelay interface {
	ApplyContent(ctx context.Context, actor relay.Actor, documentID, content string) (relay.Result, error)
	Forget(documentID string)
}

type LiveRooms interface {
	Rooms() []room.Info
	Evict(documentID string, notice protocol.Outbound) int
}

type ConnectionCounter interface {
	Connections() int
}

// ReadyCheck is one dependency checked by /api/ready.
type ReadyCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

type Deps struct {
	Store    Store
	Auth     Authenticator
	Guard    Authorizer
	Relay    ContentRelay
	Comments *comments.Manager
	Rooms    LiveRooms
	Conns    ConnectionCounter
	Checks   []ReadyCheck
	Logger   zerolog.Logger
}

// Service is the HTTP-facing side of documents, sharing and comments. Live
// edits go through the same relay the WebSocket gateway uses.
type Service struct {
	store    Store
	auth     Authenticator
	guard    Authorizer
	relay    ContentRelay
	comments *comments.Manager
	rooms    LiveRooms
	conns    ConnectionCounter
	checks   []ReadyCheck
	logger   zerolog.Logger
}

func New(deps Deps) *Service {
	checks := deps.Checks
	if len(checks) == 0 && deps.Store != nil {
		checks = []ReadyCheck{{Name: "database", Ping: deps.Store.Ping}}
	}
	return &Service{
		store:    deps.Store,
		auth:     deps.Auth,
		guard:    deps.Guard,
		relay:    deps.Relay,
		comments: deps.Comments,
		rooms:    deps.Rooms,
		conns:    deps.Conns,
		checks:   checks,
		logger:   deps.Logger,
	}
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (gateway.Session, error) {
	return s.auth.Authenticate(ctx, token)
}

type CollaboratorView struct {
	UserID      string           `json:"userId"`
	DisplayName string           `json:"displayName,omitempty"`
	Permission  store.Permission `json:"permission"`
	AddedAt     time.Time        `json:"addedAt"`
}

type DocumentView struct {
	ID            string             `json:"id"`
	Title         string             `json:"title"`
	OwnerID       string             `json:"ownerId"`
	IsPublic      bool               `json:"isPublic"`
	Collaborators []CollaboratorView `json:"collaborators"`
	Content       string             `json:"content"`
	Preview       string             `json:"preview"`
	SyncMode      store.SyncMode     `json:"syncMode,omitempty"`
	Version       int64              `json:"version"`
	LastEditedBy  string             `json:"lastEditedBy,omitempty"`
	Access        string             `json:"access"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// access names what userID can do on doc, for clients deciding which
// controls to show.
func access(userID string, doc store.Document) string {
	switch {
	case doc.OwnerID == userID:
		return "owner"
	case rbac.CanMutate(userID, doc):
		return string(store.PermissionWrite)
	case rbac.CanComment(userID, doc):
		return string(store.PermissionComment)
	default:
		return string(store.PermissionRead)
	}
}

func (s *Service) present(userID string, doc store.Document, names map[string]string) DocumentView {
	collaborators := make([]CollaboratorView, 0, len(doc.Collaborators))
	for _, c := range doc.Collaborators {
		collaborators = append(collaborators, CollaboratorView{
			UserID:      c.UserID,
			DisplayName: names[c.UserID],
			Permission:  c.Permission,
			AddedAt:     c.AddedAt,
		})
	}
	return DocumentView{
		ID:            doc.ID,
		Title:         doc.Title,
		OwnerID:       doc.OwnerID,
		IsPublic:      doc.IsPublic,
		Collaborators: collaborators,
		Content:       doc.Content,
		Preview:       doc.Preview(),
		SyncMode:      doc.SyncMode,
		Version:       doc.Version,
		LastEditedBy:  doc.LastEditedBy,
		Access:        access(userID, doc),
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
}

func (s *Service) displayNames(ctx context.Context, doc store.Document) map[string]string {
	if len(doc.Collaborators) == 0 {
		return nil
	}
	ids := make([]string, 0, len(doc.Collaborators))
	for _, c := range doc.Collaborators {
		ids = append(ids, c.UserID)
	}
	users, err := s.store.GetUsers(ctx, ids)
	if err != nil {
		s.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("load collaborator names")
		return nil
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.DisplayName
	}
	return names
}

func (s *Service) ListDocuments(ctx context.Context, userID string) ([]DocumentView, error) {
	docs, err := s.store.ListDocumentsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	views := make([]DocumentView, 0, len(docs))
	for _, doc := range docs {
		views = append(views, s.present(userID, doc, nil))
	}
	return views, nil
}

func (s *Service) GetDocument(ctx context.Context, userID, documentID string) (DocumentView, error) {
	doc, err := s.guard.Authorize(ctx, userID, documentID, rbac.ActionView)
	if err != nil {
		return DocumentView{}, err
	}
	return s.present(userID, doc, s.displayNames(ctx, doc)), nil
}

type CreateDocumentInput struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	IsPublic bool   `json:"isPublic"`
}

func (s *Service) CreateDocument(ctx context.Context, userID string, input CreateDocumentInput) (DocumentView, error) {
	title, err := normalizeTitle(input.Title)
	if err != nil {
		return DocumentView{}, err
	}
	doc := store.Document{
		ID:           util.NewID("doc"),
		Title:        title,
		OwnerID:      userID,
		IsPublic:     input.IsPublic,
		Content:      input.Content,
		Version:      1,
		LastEditedBy: userID,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return DocumentView{}, fmt.Errorf("create document: %w", err)
	}
	created, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return DocumentView{}, fmt.Errorf("reload document: %w", err)
	}
	s.logger.Info().Str("document_id", doc.ID).Str("user_id", userID).Msg("document created")
	return s.present(userID, created, nil), nil
}

// UpdateDocumentInput carries the fields a PUT may change. Nil fields are
// left alone.
type UpdateDocumentInput struct {
	Title    *string `json:"title"`
	Content  *string `json:"content"`
	IsPublic *bool   `json:"isPublic"`
}

// UpdateDocument applies a last-write-wins content edit through the relay,
// so live viewers see it, and then any metadata changes. A refused content
// edit leaves the metadata untouched.
func (s *Service) UpdateDocument(ctx context.Context, userID, documentID string, input UpdateDocumentInput) (DocumentView, error) {
	doc, err := s.guard.Authorize(ctx, userID, documentID, rbac.ActionMutate)
	if err != nil {
		return DocumentView{}, err
	}

	title, isPublic := doc.Title, doc.IsPublic
	if input.Title != nil {
		if title, err = normalizeTitle(*input.Title); err != nil {
			return DocumentView{}, err
		}
	}
	if input.IsPublic != nil && *input.IsPublic != doc.IsPublic {
		if !rbac.Allowed(userID, doc, rbac.ActionManage) {
			return DocumentView{}, fmt.Errorf("change visibility of %s: %w", documentID, rbac.ErrAccessDenied)
		}
		isPublic = *input.IsPublic
	}

	if input.Content != nil {
		actor := relay.Actor{UserID: userID, Name: s.displayName(ctx, userID)}
		if _, err := s.relay.ApplyContent(ctx, actor, documentID, *input.Content); err != nil {
			return DocumentView{}, err
		}
	}
	if title != doc.Title || isPublic != doc.IsPublic {
		if err := s.store.UpdateDocumentMeta(ctx, documentID, title, isPublic); err != nil {
			return DocumentView{}, fmt.Errorf("update document: %w", err)
		}
	}

	return s.GetDocument(ctx, userID, documentID)
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	users, err := s.store.GetUsers(ctx, []string{userID})
	if err != nil || len(users) == 0 {
		return userID
	}
	return users[0].DisplayName
}

// DeleteDocument removes the document and its comments, then closes its
// room with a document-deleted notice. Owner only.
func (s *Service) DeleteDocument(ctx context.Context, userID, documentID string) error {
	if _, err := s.guard.Authorize(ctx, userID, documentID, rbac.ActionManage); err != nil {
		return err
	}
	deleted, err := s.store.DeleteDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if !deleted {
		return fmt.Errorf("document %s: %w", documentID, store.ErrNotFound)
	}

	// Drop the replica before the room closes so nothing flushes it back.
	s.relay.Forget(documentID)
	evicted := 0
	if s.rooms != nil {
		evicted = s.rooms.Evict(documentID, protocol.DocumentDeleted{DocumentID: documentID, DeletedBy: userID})
	}
	s.logger.Info().
		Str("document_id", documentID).
		Str("user_id", userID).
		Int("evicted", evicted).
		Msg("document deleted")
	return nil
}

// ShareInput names the collaborator by userId or, failing that, by the
// email of a known user.
type ShareInput struct {
	UserID     string `json:"userId"`
	Email      string `json:"email"`
	Permission string `json:"permission"`
}

// Share grants or changes a collaborator tier. Owner only.
func (s *Service) Share(ctx context.Context, userID, documentID string, input ShareInput) (DocumentView, error) {
	doc, err := s.guard.Authorize(ctx, userID, documentID, rbac.ActionManage)
	if err != nil {
		return DocumentView{}, err
	}
	target := strings.TrimSpace(input.UserID)
	if email := strings.TrimSpace(input.Email); target == "" && email != "" {
		user, err := s.store.GetUserByEmail(ctx, email)
		if err != nil {
			return DocumentView{}, err
		}
		target = user.ID
	}
	if target == "" {
		return DocumentView{}, validationError("userId or email is required")
	}
	if target == doc.OwnerID {
		return DocumentView{}, validationError("the owner already has full access")
	}
	permission := store.Permission(strings.ToLower(strings.TrimSpace(input.Permission)))
	if permission == "" {
		permission = store.PermissionRead
	}
	if !permission.Valid() {
		return DocumentView{}, validationError("permission must be read, comment or write")
	}

	if err := s.store.UpsertCollaborator(ctx, documentID, store.Collaborator{UserID: target, Permission: permission}); err != nil {
		return DocumentView{}, fmt.Errorf("share document: %w", err)
	}
	s.logger.Info().
		Str("document_id", documentID).
		Str("user_id", target).
		Str("permission", string(permission)).
		Msg("collaborator updated")
	return s.GetDocument(ctx, userID, documentID)
}

func (s *Service) Unshare(ctx context.Context, userID, documentID, targetID string) (DocumentView, error) {
	if _, err := s.guard.Authorize(ctx, userID, documentID, rbac.ActionManage); err != nil {
		return DocumentView{}, err
	}
	removed, err := s.store.RemoveCollaborator(ctx, documentID, targetID)
	if err != nil {
		return DocumentView{}, fmt.Errorf("unshare document: %w", err)
	}
	if !removed {
		return DocumentView{}, fmt.Errorf("collaborator %s: %w", targetID, store.ErrNotFound)
	}
	return s.GetDocument(ctx, userID, documentID)
}

func (s *Service) ListComments(ctx context.Context, userID, documentID string) ([]comments.View, error) {
	items, err := s.comments.List(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}
	return comments.PresentAll(items), nil
}

type CreateCommentInput struct {
	Content  string         `json:"content"`
	Position store.Position `json:"position"`
}

func (s *Service) CreateComment(ctx context.Context, userID, documentID string, input CreateCommentInput) (comments.View, error) {
	c, err := s.comments.Create(ctx, userID, documentID, input.Content, input.Position)
	if err != nil {
		return comments.View{}, err
	}
	return comments.Present(c), nil
}

func (s *Service) ReplyComment(ctx context.Context, userID, commentID, content string) (comments.View, error) {
	c, err := s.comments.Reply(ctx, userID, commentID, content)
	if err != nil {
		return comments.View{}, err
	}
	return comments.Present(c), nil
}

func (s *Service) UpdateComment(ctx context.Context, userID, commentID, content string) (comments.View, error) {
	c, err := s.comments.UpdateContent(ctx, userID, commentID, content)
	if err != nil {
		return comments.View{}, err
	}
	return comments.Present(c), nil
}

func (s *Service) ResolveComment(ctx context.Context, userID, commentID string) (comments.View, bool, error) {
	c, changed, err := s.comments.Resolve(ctx, userID, commentID)
	if err != nil {
		return comments.View{}, false, err
	}
	return comments.Present(c), changed, nil
}

func (s *Service) DeleteComment(ctx context.Context, userID, commentID string) error {
	return s.comments.Delete(ctx, userID, commentID)
}

func (s *Service) Rooms() []room.Info {
	if s.rooms == nil {
		return []room.Info{}
	}
	return s.rooms.Rooms()
}

func (s *Service) Connections() int {
	if s.conns == nil {
		return 0
	}
	return s.conns.Connections()
}

// Ready runs every check and reports each outcome by name.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ok := true
	results := make(map[string]any, len(s.checks))
	for _, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			ok = false
			results[check.Name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		results[check.Name] = map[string]any{"status": "ok"}
	}
	return ok, results
}

func normalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", validationError("title is required")
	}
	if len(title) > maxTitleLength {
		return "", validationError(fmt.Sprintf("title must be at most %d characters", maxTitleLength))
	}
	return title, nil
}
