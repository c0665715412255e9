package comments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"galaxydocs/api/internal/email"
	"galaxydocs/api/internal/store"
)

const (
	notifyTimeout = 30 * time.Second
	excerptLength = 200
)

// Mention is one user being mentioned in a comment or reply.
type Mention struct {
	RecipientID   string
	AuthorID      string
	AuthorName    string
	DocumentID    string
	DocumentTitle string
	Excerpt       string
}

type Notifier interface {
	NotifyMention(ctx context.Context, mention Mention) error
}

type UserDirectory interface {
	GetUsers(ctx context.Context, ids []string) ([]store.User, error)
}

type Mailer interface {
	IsConfigured() bool
	SendMentionEmail(to string, data email.MentionData) error
}

// EmailNotifier delivers mentions by email. Recipients without an address
// are skipped.
type EmailNotifier struct {
	users   UserDirectory
	mailer  Mailer
	baseURL string
}

func NewEmailNotifier(users UserDirectory, mailer Mailer, baseURL string) *EmailNotifier {
	return &EmailNotifier{users: users, mailer: mailer, baseURL: baseURL}
}

func (n *EmailNotifier) NotifyMention(ctx context.Context, mention Mention) error {
	if n.mailer == nil || !n.mailer.IsConfigured() {
		return email.ErrNotConfigured
	}
	users, err := n.users.GetUsers(ctx, []string{mention.RecipientID})
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}
	if len(users) == 0 || users[0].Email == "" {
		return nil
	}
	recipient := users[0]
	return n.mailer.SendMentionEmail(recipient.Email, email.MentionData{
		RecipientName: recipient.DisplayName,
		AuthorName:    mention.AuthorName,
		DocumentTitle: mention.DocumentTitle,
		Excerpt:       mention.Excerpt,
		DocumentURL:   n.baseURL + "/documents/" + mention.DocumentID,
	})
}

// notify fans mentions out in the background. Failures are logged and never
// reach the caller.
func (m *Manager) notify(doc store.Document, authorID string, mentioned []string, content string, candidates []Candidate) {
	if m.notifier == nil || len(mentioned) == 0 {
		return
	}
	authorName := authorID
	for _, c := range candidates {
		if c.UserID == authorID && c.DisplayName != "" {
			authorName = c.DisplayName
			break
		}
	}
	excerpt := excerptOf(content)

	pending := make([]Mention, 0, len(mentioned))
	for _, id := range mentioned {
		if id == authorID {
			continue
		}
		pending = append(pending, Mention{
			RecipientID:   id,
			AuthorID:      authorID,
			AuthorName:    authorName,
			DocumentID:    doc.ID,
			DocumentTitle: doc.Title,
			Excerpt:       excerpt,
		})
	}
	if len(pending) == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		for _, mention := range pending {
			err := m.notifier.NotifyMention(ctx, mention)
			if errors.Is(err, email.ErrNotConfigured) {
				m.logger.Debug().Str("recipient_id", mention.RecipientID).Msg("mention email skipped, smtp not configured")
				continue
			}
			if err != nil {
				m.logger.Error().Err(err).
					Str("document_id", mention.DocumentID).
					Str("recipient_id", mention.RecipientID).
					Msg("send mention notification")
			}
		}
	}()
}

// excerptOf shortens content to excerptLength runes.
func excerptOf(content string) string {
	runes := []rune(content)
	if len(runes) <= excerptLength {
		return content
	}
	return string(runes[:excerptLength]) + "..."
}
