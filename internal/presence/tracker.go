// Package presence announces who is in a room and relays cursor and typing
// state. Nothing here is persisted.
package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"galaxydocs/api/internal/protocol"
	"galaxydocs/api/internal/room"
)

type Rooms interface {
	Broadcast(documentID, exceptSessionID string, msg protocol.Outbound) (delivered, failed int)
	RequireMember(documentID, sessionID string) error
}

type Tracker struct {
	rooms  Rooms
	logger zerolog.Logger
	now    func() time.Time
}

func NewTracker(rooms Rooms, logger zerolog.Logger) *Tracker {
	return &Tracker{
		rooms:  rooms,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func PeerOf(m room.Member) protocol.Peer {
	return protocol.Peer{
		UserID:   m.UserID(),
		SocketID: m.SessionID(),
		Name:     m.DisplayName(),
		Color:    m.Color(),
	}
}

// Hydrate sends the joiner the current membership of the room.
func (t *Tracker) Hydrate(member room.Member, snapshot room.Snapshot) {
	peers := make([]protocol.Peer, 0, len(snapshot.Members))
	for _, m := range snapshot.Members {
		peers = append(peers, PeerOf(m))
	}
	member.Send(protocol.UsersInDocument{DocumentID: snapshot.DocumentID, Users: peers})
}

func (t *Tracker) MemberJoined(_ context.Context, snapshot room.Snapshot, member room.Member) {
	t.Hydrate(member, snapshot)
	t.rooms.Broadcast(snapshot.DocumentID, member.SessionID(), protocol.UserJoined{
		Peer:       PeerOf(member),
		DocumentID: snapshot.DocumentID,
		Timestamp:  t.now(),
	})
}

func (t *Tracker) MemberLeft(documentID string, member room.Member) {
	t.rooms.Broadcast(documentID, member.SessionID(), protocol.UserLeft{
		Peer:       PeerOf(member),
		DocumentID: documentID,
		Timestamp:  t.now(),
	})
}

func (t *Tracker) RoomClosed(string) {}

// Cursor relays a cursor position to the rest of the sender's room.
func (t *Tracker) Cursor(member room.Member, msg protocol.CursorChange) error {
	if err := t.rooms.RequireMember(msg.DocumentID, member.SessionID()); err != nil {
		return err
	}
	msg.SocketID = member.SessionID()
	msg.User = PeerOf(member).Raw()
	t.rooms.Broadcast(msg.DocumentID, member.SessionID(), msg)
	return nil
}

// Typing relays a typing indicator to the rest of the sender's room.
func (t *Tracker) Typing(member room.Member, msg protocol.UserTyping) error {
	if err := t.rooms.RequireMember(msg.DocumentID, member.SessionID()); err != nil {
		return err
	}
	msg.SocketID = member.SessionID()
	msg.User = PeerOf(member).Raw()
	t.rooms.Broadcast(msg.DocumentID, member.SessionID(), msg)
	return nil
}
