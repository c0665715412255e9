package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is a map-backed store used when no DATABASE_URL is configured and
// in tests. Values are copied on the way in and out.
type Memory struct {
	mu        sync.RWMutex
	users     map[string]User
	documents map[string]Document
	comments  map[string]Comment
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:     map[string]User{},
		documents: map[string]Document{},
		comments:  map[string]Comment{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) UpsertUser(_ context.Context, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.users[user.ID]; ok {
		user.CreatedAt = existing.CreatedAt
	} else {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	m.users[user.ID] = user
	return nil
}

func (m *Memory) GetUsers(_ context.Context, ids []string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]User, 0, len(ids))
	for _, id := range ids {
		if user, ok := m.users[id]; ok {
			items = append(items, user)
		}
	}
	return items, nil
}

// GetUserByEmail matches email case-insensitively.
func (m *Memory) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, user := range m.users {
		if user.Email != "" && strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return User{}, fmt.Errorf("user with email %s: %w", email, ErrNotFound)
}

func (m *Memory) GetDocument(_ context.Context, documentID string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[documentID]
	if !ok {
		return Document{}, fmt.Errorf("get document %s: %w", documentID, ErrNotFound)
	}
	return copyDocument(doc), nil
}

func (m *Memory) ListDocumentsForUser(_ context.Context, userID string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Document, 0)
	for _, doc := range m.documents {
		_, isCollaborator := doc.Collaborator(userID)
		if doc.OwnerID == userID || doc.IsPublic || isCollaborator {
			items = append(items, copyDocument(doc))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	return items, nil
}

func (m *Memory) InsertDocument(_ context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.documents[doc.ID]; exists {
		return fmt.Errorf("insert document %s: duplicate id", doc.ID)
	}
	now := m.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if doc.Version == 0 {
		doc.Version = 1
	}
	m.documents[doc.ID] = copyDocument(doc)
	return nil
}

// DeleteDocument removes the document together with its comments.
func (m *Memory) DeleteDocument(_ context.Context, documentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[documentID]; !ok {
		return false, nil
	}
	delete(m.documents, documentID)
	for id, comment := range m.comments {
		if comment.DocumentID == documentID {
			delete(m.comments, id)
		}
	}
	return true, nil
}

func (m *Memory) UpdateDocumentMeta(_ context.Context, documentID, title string, isPublic bool) error {
	return m.updateDocument(documentID, func(doc *Document) {
		doc.Title = title
		doc.IsPublic = isPublic
	})
}

func (m *Memory) SaveContent(_ context.Context, documentID, content string, version int64, editedBy string) error {
	return m.updateDocument(documentID, func(doc *Document) {
		if version <= doc.Version {
			return
		}
		doc.Content = content
		doc.SyncMode = SyncModeContent
		doc.Version = version
		doc.LastEditedBy = editedBy
	})
}

func (m *Memory) SaveState(_ context.Context, documentID string, state []byte, version int64, editedBy string) error {
	return m.updateDocument(documentID, func(doc *Document) {
		if version <= doc.Version {
			return
		}
		doc.State = append([]byte(nil), state...)
		doc.SyncMode = SyncModeCRDT
		doc.Version = version
		doc.LastEditedBy = editedBy
	})
}

func (m *Memory) UpsertCollaborator(_ context.Context, documentID string, collaborator Collaborator) error {
	return m.updateDocument(documentID, func(doc *Document) {
		for i := range doc.Collaborators {
			if doc.Collaborators[i].UserID == collaborator.UserID {
				doc.Collaborators[i].Permission = collaborator.Permission
				return
			}
		}
		if collaborator.AddedAt.IsZero() {
			collaborator.AddedAt = m.now()
		}
		doc.Collaborators = append(doc.Collaborators, collaborator)
	})
}

func (m *Memory) RemoveCollaborator(_ context.Context, documentID, userID string) (bool, error) {
	removed := false
	err := m.updateDocument(documentID, func(doc *Document) {
		kept := doc.Collaborators[:0]
		for _, c := range doc.Collaborators {
			if c.UserID == userID {
				removed = true
				continue
			}
			kept = append(kept, c)
		}
		doc.Collaborators = kept
	})
	return removed, err
}

func (m *Memory) updateDocument(documentID string, mutate func(doc *Document)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[documentID]
	if !ok {
		return fmt.Errorf("update document %s: %w", documentID, ErrNotFound)
	}
	doc = copyDocument(doc)
	mutate(&doc)
	doc.UpdatedAt = m.now()
	m.documents[documentID] = doc
	return nil
}

func (m *Memory) InsertComment(_ context.Context, comment Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[comment.DocumentID]; !ok {
		return fmt.Errorf("insert comment: %w", ErrNotFound)
	}
	now := m.now()
	comment.CreatedAt = now
	comment.UpdatedAt = now
	m.comments[comment.ID] = copyComment(comment)
	return nil
}

func (m *Memory) GetComment(_ context.Context, commentID string) (Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	comment, ok := m.comments[commentID]
	if !ok {
		return Comment{}, fmt.Errorf("get comment %s: %w", commentID, ErrNotFound)
	}
	return copyComment(comment), nil
}

func (m *Memory) ListComments(_ context.Context, documentID string) ([]Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]Comment, 0)
	for _, comment := range m.comments {
		if comment.DocumentID == documentID {
			items = append(items, copyComment(comment))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (m *Memory) UpdateCommentContent(_ context.Context, commentID, content string, mentions []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	comment, ok := m.comments[commentID]
	if !ok {
		return fmt.Errorf("update comment %s: %w", commentID, ErrNotFound)
	}
	comment.Content = content
	comment.Mentions = append([]string(nil), mentions...)
	comment.UpdatedAt = m.now()
	m.comments[commentID] = comment
	return nil
}

func (m *Memory) ResolveComment(_ context.Context, commentID, resolvedBy string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	comment, ok := m.comments[commentID]
	if !ok {
		return false, fmt.Errorf("resolve comment %s: %w", commentID, ErrNotFound)
	}
	if comment.Resolved {
		return false, nil
	}
	now := m.now()
	comment.Resolved = true
	comment.ResolvedBy = resolvedBy
	comment.ResolvedAt = &now
	comment.UpdatedAt = now
	m.comments[commentID] = comment
	return true, nil
}

func (m *Memory) AppendReply(_ context.Context, reply Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	comment, ok := m.comments[reply.CommentID]
	if !ok {
		return fmt.Errorf("append reply %s: %w", reply.CommentID, ErrNotFound)
	}
	now := m.now()
	reply.CreatedAt = now
	reply.Mentions = append([]string(nil), reply.Mentions...)
	comment.Replies = append(append([]Reply(nil), comment.Replies...), reply)
	comment.UpdatedAt = now
	m.comments[reply.CommentID] = comment
	return nil
}

func (m *Memory) DeleteComment(_ context.Context, commentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.comments[commentID]; !ok {
		return false, nil
	}
	delete(m.comments, commentID)
	return true, nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func copyDocument(doc Document) Document {
	doc.Collaborators = append([]Collaborator(nil), doc.Collaborators...)
	if doc.State != nil {
		doc.State = append([]byte(nil), doc.State...)
	}
	return doc
}

func copyComment(comment Comment) Comment {
	comment.Mentions = append([]string(nil), comment.Mentions...)
	replies := make([]Reply, len(comment.Replies))
	for i, reply := range comment.Replies {
		reply.Mentions = append([]string(nil), reply.Mentions...)
		replies[i] = reply
	}
	comment.Replies = replies
	if comment.ResolvedAt != nil {
		at := *comment.ResolvedAt
		comment.ResolvedAt = &at
	}
	return comment
}
