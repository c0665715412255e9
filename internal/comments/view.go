package comments

import (
	"time"

	"galaxydocs/api/internal/store"
)

type ReplyView struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"authorId"`
	Content   string    `json:"content"`
	Mentions  []string  `json:"mentions"`
	CreatedAt time.Time `json:"createdAt"`
}

// View is the wire shape of a comment in HTTP responses and comment-event
// broadcasts.
type View struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"documentId"`
	AuthorID   string         `json:"authorId"`
	Content    string         `json:"content"`
	Position   store.Position `json:"position"`
	Resolved   bool           `json:"resolved"`
	ResolvedBy string         `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
	Mentions   []string       `json:"mentions"`
	Replies    []ReplyView    `json:"replies"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

func Present(c store.Comment) View {
	replies := make([]ReplyView, 0, len(c.Replies))
	for _, r := range c.Replies {
		replies = append(replies, ReplyView{
			ID:        r.ID,
			AuthorID:  r.AuthorID,
			Content:   r.Content,
			Mentions:  nonNil(r.Mentions),
			CreatedAt: r.CreatedAt,
		})
	}
	return View{
		ID:         c.ID,
		DocumentID: c.DocumentID,
		AuthorID:   c.AuthorID,
		Content:    c.Content,
		Position:   c.Position,
		Resolved:   c.Resolved,
		ResolvedBy: c.ResolvedBy,
		ResolvedAt: c.ResolvedAt,
		Mentions:   nonNil(c.Mentions),
		Replies:    replies,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func PresentAll(items []store.Comment) []View {
	out := make([]View, 0, len(items))
	for _, c := range items {
		out = append(out, Present(c))
	}
	return out
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
