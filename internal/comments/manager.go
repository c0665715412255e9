// Package comments manages comment threads anchored to document ranges.
//
// A comment is Open until resolved; resolving again changes nothing.
// Replies are accepted in both states and do not reopen a comment. Delete
// works from either state.
package comments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"galaxydocs/api/internal/protocol"
	"galaxydocs/api/internal/rbac"
	"galaxydocs/api/internal/room"
	"galaxydocs/api/internal/store"
	"galaxydocs/api/internal/util"
)

var (
	ErrResolved   = errors.New("comment is resolved")
	ErrValidation = errors.New("invalid comment")
)

const maxContentLength = 10000

type Store interface {
	GetUsers(ctx context.Context, ids []string) ([]store.User, error)
	InsertComment(ctx context.Context, comment store.Comment) error
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	ListComments(ctx context.Context, documentID string) ([]store.Comment, error)
	UpdateCommentContent(ctx context.Context, commentID, content string, mentions []string) error
	ResolveComment(ctx context.Context, commentID, resolvedBy string) (bool, error)
	AppendReply(ctx context.Context, reply store.Reply) error
	DeleteComment(ctx context.Context, commentID string) (bool, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, userID, documentID string, action rbac.Action) (store.Document, error)
}

type Rooms interface {
	Broadcast(documentID, exceptSessionID string, msg protocol.Outbound) (delivered, failed int)
	Members(documentID string) []room.Member
}

type Manager struct {
	store    Store
	guard    Authorizer
	rooms    Rooms
	notifier Notifier
	logger   zerolog.Logger
	timeout  time.Duration
}

func NewManager(s Store, guard Authorizer, rooms Rooms, notifier Notifier, timeout time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{store: s, guard: guard, rooms: rooms, notifier: notifier, timeout: timeout, logger: logger}
}

const (
	EventCreated  = "created"
	EventReplied  = "replied"
	EventUpdated  = "updated"
	EventResolved = "resolved"
	EventDeleted  = "deleted"
)

func (m *Manager) List(ctx context.Context, userID, documentID string) ([]store.Comment, error) {
	if _, err := m.guard.Authorize(ctx, userID, documentID, rbac.ActionView); err != nil {
		return nil, err
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	items, err := m.store.ListComments(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return items, nil
}

func (m *Manager) Create(ctx context.Context, userID, documentID, content string, position store.Position) (store.Comment, error) {
	content, err := validateContent(content)
	if err != nil {
		return store.Comment{}, err
	}
	if position.Start < 0 || position.End < position.Start {
		return store.Comment{}, fmt.Errorf("%w: position end must not precede start", ErrValidation)
	}
	doc, err := m.guard.Authorize(ctx, userID, documentID, rbac.ActionComment)
	if err != nil {
		return store.Comment{}, err
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	candidates := m.candidates(ctx, doc)
	comment := store.Comment{
		ID:         util.NewID("cmt"),
		DocumentID: documentID,
		AuthorID:   userID,
		Content:    content,
		Position:   position,
		Mentions:   ResolveMentions(MentionTokens(content), candidates),
	}
	if err := m.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, fmt.Errorf("create comment: %w", err)
	}
	saved, err := m.store.GetComment(ctx, comment.ID)
	if err != nil {
		return store.Comment{}, fmt.Errorf("reload comment: %w", err)
	}

	m.publish(saved, EventCreated)
	m.notify(doc, userID, saved.Mentions, content, candidates)
	return saved, nil
}

func (m *Manager) Reply(ctx context.Context, userID, commentID, content string) (store.Comment, error) {
	content, err := validateContent(content)
	if err != nil {
		return store.Comment{}, err
	}
	comment, doc, err := m.load(ctx, userID, commentID)
	if err != nil {
		return store.Comment{}, err
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	candidates := m.candidates(ctx, doc)
	reply := store.Reply{
		ID:        util.NewID("rpl"),
		CommentID: comment.ID,
		AuthorID:  userID,
		Content:   content,
		Mentions:  ResolveMentions(MentionTokens(content), candidates),
	}
	if err := m.store.AppendReply(ctx, reply); err != nil {
		return store.Comment{}, fmt.Errorf("reply to comment: %w", err)
	}
	saved, err := m.store.GetComment(ctx, comment.ID)
	if err != nil {
		return store.Comment{}, fmt.Errorf("reload comment: %w", err)
	}

	m.publish(saved, EventReplied)
	m.notify(doc, userID, reply.Mentions, content, candidates)
	return saved, nil
}

// UpdateContent edits the comment text. Only the author may edit, and only
// while the comment is open.
func (m *Manager) UpdateContent(ctx context.Context, userID, commentID, content string) (store.Comment, error) {
	content, err := validateContent(content)
	if err != nil {
		return store.Comment{}, err
	}
	comment, doc, err := m.load(ctx, userID, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if comment.AuthorID != userID {
		return store.Comment{}, fmt.Errorf("edit comment %s: %w", commentID, rbac.ErrAccessDenied)
	}
	if comment.Resolved {
		return store.Comment{}, fmt.Errorf("edit comment %s: %w", commentID, ErrResolved)
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	candidates := m.candidates(ctx, doc)
	mentions := ResolveMentions(MentionTokens(content), candidates)
	if err := m.store.UpdateCommentContent(ctx, commentID, content, mentions); err != nil {
		return store.Comment{}, fmt.Errorf("update comment: %w", err)
	}
	saved, err := m.store.GetComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, fmt.Errorf("reload comment: %w", err)
	}

	m.publish(saved, EventUpdated)
	m.notify(doc, userID, newMentions(comment.Mentions, mentions), content, candidates)
	return saved, nil
}

// Resolve marks the comment resolved. changed is false when it already was.
func (m *Manager) Resolve(ctx context.Context, userID, commentID string) (store.Comment, bool, error) {
	comment, doc, err := m.load(ctx, userID, commentID)
	if err != nil {
		return store.Comment{}, false, err
	}
	if err := requireModerator(userID, comment, doc); err != nil {
		return store.Comment{}, false, err
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	changed, err := m.store.ResolveComment(ctx, commentID, userID)
	if err != nil {
		return store.Comment{}, false, fmt.Errorf("resolve comment: %w", err)
	}
	if !changed {
		return comment, false, nil
	}
	saved, err := m.store.GetComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, false, fmt.Errorf("reload comment: %w", err)
	}
	m.publish(saved, EventResolved)
	return saved, true, nil
}

func (m *Manager) Delete(ctx context.Context, userID, commentID string) error {
	comment, doc, err := m.load(ctx, userID, commentID)
	if err != nil {
		return err
	}
	if err := requireModerator(userID, comment, doc); err != nil {
		return err
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	deleted, err := m.store.DeleteComment(ctx, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	if !deleted {
		return fmt.Errorf("delete comment %s: %w", commentID, store.ErrNotFound)
	}
	m.rooms.Broadcast(comment.DocumentID, "", protocol.CommentEvent{
		DocumentID: comment.DocumentID,
		Action:     EventDeleted,
		CommentID:  commentID,
	})
	return nil
}

// load fetches the comment and checks the caller may comment on its
// document.
func (m *Manager) load(ctx context.Context, userID, commentID string) (store.Comment, store.Document, error) {
	lookupCtx, cancel := m.withTimeout(ctx)
	comment, err := m.store.GetComment(lookupCtx, commentID)
	cancel()
	if err != nil {
		return store.Comment{}, store.Document{}, err
	}
	doc, err := m.guard.Authorize(ctx, userID, comment.DocumentID, rbac.ActionComment)
	if err != nil {
		return store.Comment{}, store.Document{}, err
	}
	return comment, doc, nil
}

// requireModerator allows the author, the owner, or a write-tier
// collaborator to resolve or delete a comment.
func requireModerator(userID string, comment store.Comment, doc store.Document) error {
	if comment.AuthorID == userID || rbac.CanMutate(userID, doc) {
		return nil
	}
	return fmt.Errorf("moderate comment %s: %w", comment.ID, rbac.ErrAccessDenied)
}

// candidates are the users a mention can resolve to: the owner, the
// collaborators and anyone currently in the room.
func (m *Manager) candidates(ctx context.Context, doc store.Document) []Candidate {
	ids := []string{doc.OwnerID}
	for _, c := range doc.Collaborators {
		ids = append(ids, c.UserID)
	}

	out := make([]Candidate, 0, len(ids))
	users, err := m.store.GetUsers(ctx, ids)
	if err != nil {
		m.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("load mention candidates")
	}
	for _, u := range users {
		out = append(out, Candidate{UserID: u.ID, DisplayName: u.DisplayName})
	}
	if m.rooms != nil {
		for _, member := range m.rooms.Members(doc.ID) {
			out = append(out, Candidate{UserID: member.UserID(), DisplayName: member.DisplayName()})
		}
	}
	return out
}

func (m *Manager) publish(comment store.Comment, action string) {
	m.rooms.Broadcast(comment.DocumentID, "", protocol.CommentEvent{
		DocumentID: comment.DocumentID,
		Action:     action,
		CommentID:  comment.ID,
		Comment:    Present(comment),
	})
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

func validateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("%w: content is required", ErrValidation)
	}
	if len(content) > maxContentLength {
		return "", fmt.Errorf("%w: content exceeds %d bytes", ErrValidation, maxContentLength)
	}
	return content, nil
}

func newMentions(before, after []string) []string {
	seen := map[string]bool{}
	for _, id := range before {
		seen[id] = true
	}
	out := make([]string, 0, len(after))
	for _, id := range after {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}
