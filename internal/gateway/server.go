package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"galaxydocs/api/internal/presence"
	"galaxydocs/api/internal/protocol"
	"galaxydocs/api/internal/relay"
	"galaxydocs/api/internal/room"
)

// CloseUnauthenticated is sent when the handshake token is rejected.
const CloseUnauthenticated = 4401

const (
	closeGrace     = time.Second
	maxMessageSize = 4 << 20
)

type Rooms interface {
	Join(ctx context.Context, member room.Member, documentID string) (room.Snapshot, error)
	Leave(member room.Member, documentID string)
	Disconnect(member room.Member)
}

type Presence interface {
	Hydrate(member room.Member, snapshot room.Snapshot)
	Cursor(member room.Member, msg protocol.CursorChange) error
	Typing(member room.Member, msg protocol.UserTyping) error
}

type Relay interface {
	Hydrate(ctx context.Context, member room.Member, snapshot room.Snapshot)
	SubmitContent(ctx context.Context, member room.Member, msg protocol.DocumentChange) (relay.Result, error)
	SubmitUpdate(ctx context.Context, member room.Member, msg protocol.YjsUpdate) (relay.Result, error)
}

type Options struct {
	SendQueueSize int
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	// AllowedOrigin is matched against the Origin header. Empty or "*"
	// accepts any origin.
	AllowedOrigin string
}

func (o Options) withDefaults() Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	return o
}

type Server struct {
	auth     *Authenticator
	rooms    Rooms
	presence Presence
	relay    Relay
	opts     Options
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	active atomic.Int64
	mu     sync.Mutex
	conns  map[string]*Conn
}

var _ room.Member = (*Conn)(nil)
var _ Presence = (*presence.Tracker)(nil)
var _ Relay = (*relay.Relay)(nil)
var _ Rooms = (*room.Registry)(nil)

func NewServer(authenticator *Authenticator, rooms Rooms, tracker Presence, rl Relay, opts Options, logger zerolog.Logger) *Server {
	opts = opts.withDefaults()
	s := &Server{
		auth:     authenticator,
		rooms:    rooms,
		presence: tracker,
		relay:    rl,
		opts:     opts,
		logger:   logger,
		conns:    map[string]*Conn{},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Connections is the number of authenticated live connections.
func (s *Server) Connections() int {
	return int(s.active.Load())
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.opts.AllowedOrigin == "" || s.opts.AllowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == s.opts.AllowedOrigin
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := TokenFromRequest(r)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	session, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		s.logger.Info().Err(err).Str("remote", r.RemoteAddr).Msg("rejected connection")
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseUnauthenticated, "unauthenticated"), deadline(closeGrace))
		_ = ws.Close()
		return
	}
	if session.DisplayName == "" {
		session.DisplayName = session.UserID
	}

	id := uuid.NewString()
	logger := s.logger.With().Str("connection_id", id).Str("user_id", session.UserID).Logger()
	c := newConn(id, session, ws, s.opts.SendQueueSize, logger)
	s.track(c)
	logger.Info().Msg("connection opened")

	go s.writeLoop(c)
	s.readLoop(c)
	s.disconnect(c)
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.active.Add(1)
}

// disconnect runs once per connection, after the read loop has exited.
func (s *Server) disconnect(c *Conn) {
	c.shutdown(websocket.CloseNormalClosure, "")
	s.rooms.Disconnect(c)

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.active.Add(-1)
	c.logger.Info().Msg("connection closed")
}

// Close tells every live connection the server is going away.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) readLoop(c *Conn) {
	pongWait := 2 * s.opts.PingInterval
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.Closed() {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.DecodeInbound(raw)
		if err != nil {
			s.reply(c, "", err)
			continue
		}
		if err := s.dispatch(context.Background(), c, msg); err != nil {
			if errors.Is(err, room.ErrSessionClosed) {
				return
			}
			s.reply(c, msg.Kind(), err)
		}
	}
}

func (s *Server) writeLoop(c *Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(deadline(s.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.shutdown(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline(s.opts.WriteTimeout)); err != nil {
				c.shutdown(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func deadline(d time.Duration) time.Time {
	return time.Now().Add(d)
}
