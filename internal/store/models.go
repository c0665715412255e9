package store

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound is returned when a document, comment or collaborator is absent.
var ErrNotFound = errors.New("not found")

type Permission string

const (
	PermissionRead    Permission = "read"
	PermissionComment Permission = "comment"
	PermissionWrite   Permission = "write"
)

// Valid reports whether p is one of the known collaborator tiers.
func (p Permission) Valid() bool {
	switch p {
	case PermissionRead, PermissionComment, PermissionWrite:
		return true
	default:
		return false
	}
}

// SyncMode records which relay policy owns a document's live state.
// The zero value means no mutation has been accepted yet.
type SyncMode string

const (
	SyncModeUnset   SyncMode = ""
	SyncModeContent SyncMode = "content"
	SyncModeCRDT    SyncMode = "crdt"
)

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Collaborator struct {
	UserID     string
	Permission Permission
	AddedAt    time.Time
}

type Document struct {
	ID            string
	Title         string
	OwnerID       string
	IsPublic      bool
	Collaborators []Collaborator
	Content       string
	State         []byte
	SyncMode      SyncMode
	Version       int64
	LastEditedBy  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Collaborator returns the entry for userID, if any.
func (d Document) Collaborator(userID string) (Collaborator, bool) {
	for _, c := range d.Collaborators {
		if c.UserID == userID {
			return c, true
		}
	}
	return Collaborator{}, false
}

const previewLength = 150

var markupTag = regexp.MustCompile(`<[^>]*>`)

// Preview is the document text with markup stripped, cut to previewLength
// runes. CRDT documents have no server-readable text and preview empty.
func (d Document) Preview() string {
	text := strings.TrimSpace(markupTag.ReplaceAllString(d.Content, ""))
	runes := []rune(text)
	if len(runes) <= previewLength {
		return text
	}
	return string(runes[:previewLength]) + "..."
}

type Position struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Reply struct {
	ID        string
	CommentID string
	AuthorID  string
	Content   string
	Mentions  []string
	CreatedAt time.Time
}

type Comment struct {
	ID         string
	DocumentID string
	AuthorID   string
	Content    string
	Position   Position
	Resolved   bool
	ResolvedBy string
	ResolvedAt *time.Time
	Replies    []Reply
	Mentions   []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
