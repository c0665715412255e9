package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"galaxydocs/api/internal/protocol"
)

// Conn is one authenticated WebSocket connection. It satisfies room.Member.
type Conn struct {
	id      string
	session Session
	ws      *websocket.Conn
	logger  zerolog.Logger

	send   chan []byte
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

func newConn(id string, session Session, ws *websocket.Conn, queueSize int, logger zerolog.Logger) *Conn {
	return &Conn{
		id:      id,
		session: session,
		ws:      ws,
		logger:  logger,
		send:    make(chan []byte, queueSize),
		done:    make(chan struct{}),
	}
}

func (c *Conn) SessionID() string   { return c.id }
func (c *Conn) UserID() string      { return c.session.UserID }
func (c *Conn) DisplayName() string { return c.session.DisplayName }
func (c *Conn) Color() string       { return c.session.Color }
func (c *Conn) Closed() bool        { return c.closed.Load() }

// Send queues msg for the write loop. A full queue closes the connection
// rather than dropping the message and carrying on.
func (c *Conn) Send(msg protocol.Outbound) bool {
	if c.closed.Load() {
		return false
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error().Err(err).Str("type", string(msg.Kind())).Msg("encode outbound message")
		return false
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn().Int("queue", cap(c.send)).Msg("send queue full, closing connection")
		c.shutdown(websocket.ClosePolicyViolation, "send queue overflow")
		return false
	}
}

// shutdown marks the connection closed and asks the write loop to send a
// close frame. It never blocks and never touches the registry, so it is
// safe to call from inside a broadcast.
func (c *Conn) shutdown(code int, reason string) {
	c.once.Do(func() {
		c.closed.Store(true)
		c.logger.Debug().Int("code", code).Str("reason", reason).Msg("closing connection")
		close(c.done)
		go func() {
			// Unblocks the read loop. WriteControl is safe next to the
			// write loop's writes.
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline(closeGrace))
			_ = c.ws.Close()
		}()
	})
}
