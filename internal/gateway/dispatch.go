package gateway

import (
	"context"
	"errors"
	"fmt"

	"galaxydocs/api/internal/protocol"
	"galaxydocs/api/internal/rbac"
	"galaxydocs/api/internal/relay"
	"galaxydocs/api/internal/room"
	"galaxydocs/api/internal/store"
)

// dispatch handles one inbound message. Messages from a connection are
// handled one at a time, in arrival order.
func (s *Server) dispatch(ctx context.Context, c *Conn, msg protocol.Inbound) error {
	switch m := msg.(type) {
	case protocol.JoinDocument:
		snapshot, err := s.rooms.Join(ctx, c, m.DocumentID)
		if err != nil {
			return err
		}
		if snapshot.Rejoined {
			// A reconnecting client re-issues join; give it the current
			// state again without announcing it twice.
			s.presence.Hydrate(c, snapshot)
			s.relay.Hydrate(ctx, c, snapshot)
		}
		return nil
	case protocol.LeaveDocument:
		s.rooms.Leave(c, m.DocumentID)
		return nil
	case protocol.DocumentChange:
		_, err := s.relay.SubmitContent(ctx, c, m)
		return err
	case protocol.YjsUpdate:
		_, err := s.relay.SubmitUpdate(ctx, c, m)
		return err
	case protocol.CursorChange:
		return s.presence.Cursor(c, m)
	case protocol.UserTyping:
		return s.presence.Typing(c, m)
	default:
		return fmt.Errorf("%w: %s", protocol.ErrUnknownType, msg.Kind())
	}
}

func (s *Server) reply(c *Conn, ref protocol.Kind, err error) {
	out := ErrorMessage(err)
	out.Ref = ref
	if out.Code == "SERVER_ERROR" {
		c.logger.Error().Err(err).Str("type", string(ref)).Msg("handle message")
	} else {
		c.logger.Debug().Err(err).Str("type", string(ref)).Str("code", out.Code).Msg("message refused")
	}
	c.Send(out)
}

// ErrorMessage maps a handler error onto the wire error message.
func ErrorMessage(err error) protocol.Error {
	switch {
	case errors.Is(err, rbac.ErrAccessDenied):
		return protocol.Error{Code: "ACCESS_DENIED", Message: "you do not have permission for this document"}
	case errors.Is(err, store.ErrNotFound):
		return protocol.Error{Code: "NOT_FOUND", Message: "document not found"}
	case errors.Is(err, room.ErrNotJoined):
		return protocol.Error{Code: "NOT_JOINED", Message: "join the document first"}
	case errors.Is(err, relay.ErrModeConflict):
		return protocol.Error{Code: "MODE_CONFLICT", Message: "document uses a different sync mode"}
	case errors.Is(err, relay.ErrPersistence):
		return protocol.Error{Code: "SAVE_FAILED", Message: "change was relayed but could not be saved"}
	case errors.Is(err, relay.ErrInvalidUpdate), errors.Is(err, protocol.ErrMalformed):
		return protocol.Error{Code: "BAD_MESSAGE", Message: err.Error()}
	case errors.Is(err, protocol.ErrUnknownType):
		return protocol.Error{Code: "UNKNOWN_MESSAGE", Message: err.Error()}
	default:
		return protocol.Error{Code: "SERVER_ERROR", Message: "internal error"}
	}
}
