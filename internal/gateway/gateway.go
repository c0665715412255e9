// Package gateway accepts WebSocket connections, authenticates them and
// routes their messages to the room registry, presence tracker and relay.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"galaxydocs/api/internal/auth"
	"galaxydocs/api/internal/store"
)

var ErrUnauthenticated = errors.New("unauthenticated")

var palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7", "#DDA0DD",
	"#98D8C8", "#F7DC6F", "#E17055", "#A29BFE", "#6C5CE7", "#FD79A8",
}

// ColorFor picks the presence colour for userID. The same user gets the
// same colour on every connection.
func ColorFor(userID string) string {
	return palette[xxhash.Sum64String(userID)%uint64(len(palette))]
}

// Session is an authenticated identity. It lives as long as the connection
// or request that produced it and is never persisted.
type Session struct {
	UserID      string
	DisplayName string
	Email       string
	TokenID     string
	Color       string
	ExpiresAt   time.Time
}

type TokenVerifier interface {
	Parse(token string) (auth.Claims, error)
}

type Revocations interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

type UserStore interface {
	UpsertUser(ctx context.Context, user store.User) error
}

// Authenticator turns a bearer token into a Session. revocations and users
// are optional.
type Authenticator struct {
	verifier    TokenVerifier
	revocations Revocations
	users       UserStore
	timeout     time.Duration
	logger      zerolog.Logger
}

func NewAuthenticator(verifier TokenVerifier, revocations Revocations, users UserStore, timeout time.Duration, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		verifier:    verifier,
		revocations: revocations,
		users:       users,
		timeout:     timeout,
		logger:      logger,
	}
}

func (a *Authenticator) Authenticate(ctx context.Context, rawToken string) (Session, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	claims, err := a.verifier.Parse(rawToken)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return Session{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}

	if a.revocations != nil && claims.ID != "" {
		revoked, err := a.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			// Fail closed: a token we cannot check is not accepted.
			a.logger.Error().Err(err).Str("user_id", claims.Subject).Msg("revocation lookup failed")
			return Session{}, fmt.Errorf("%w: revocation check failed", ErrUnauthenticated)
		}
		if revoked {
			return Session{}, fmt.Errorf("%w: token revoked", ErrUnauthenticated)
		}
	}

	session := Session{
		UserID:      claims.Subject,
		DisplayName: claims.Name,
		Email:       claims.Email,
		TokenID:     claims.ID,
		Color:       ColorFor(claims.Subject),
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}

	if a.users != nil {
		err := a.users.UpsertUser(ctx, store.User{ID: session.UserID, DisplayName: session.DisplayName, Email: session.Email})
		if err != nil {
			a.logger.Warn().Err(err).Str("user_id", session.UserID).Msg("record user")
		}
	}
	return session, nil
}

// TokenFromRequest reads the bearer header, falling back to the token query
// parameter browsers use for WebSocket handshakes.
func TokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
