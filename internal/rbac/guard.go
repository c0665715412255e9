package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"galaxydocs/api/internal/store"
)

var ErrAccessDenied = errors.New("access denied")

type DocumentSource interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
}

// Guard loads the current document on every check, so collaborator changes
// take effect on the next join or mutation.
type Guard struct {
	docs    DocumentSource
	timeout time.Duration
}

func NewGuard(docs DocumentSource, timeout time.Duration) *Guard {
	return &Guard{docs: docs, timeout: timeout}
}

// Authorize returns the freshly loaded document when userID may perform
// action on it. It fails with store.ErrNotFound or ErrAccessDenied.
func (g *Guard) Authorize(ctx context.Context, userID, documentID string, action Action) (store.Document, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	doc, err := g.docs.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, fmt.Errorf("authorize %s: %w", action, err)
	}
	if !Allowed(userID, doc, action) {
		return store.Document{}, fmt.Errorf("%s %s: %w", action, documentID, ErrAccessDenied)
	}
	return doc, nil
}
