// Package protocol defines the real-time channel messages. Every frame is a
// JSON envelope {"type": ..., "data": ...}; inbound and outbound variants are
// closed sets of concrete types.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindJoinDocument    Kind = "join-document"
	KindLeaveDocument   Kind = "leave-document"
	KindDocumentChange  Kind = "document-change"
	KindYjsUpdate       Kind = "yjs-update"
	KindYjsSync         Kind = "yjs-sync"
	KindCursorChange    Kind = "cursor-change"
	KindUserTyping      Kind = "user-typing"
	KindUserJoined      Kind = "user-joined"
	KindUserLeft        Kind = "user-left"
	KindUsersInDocument Kind = "users-in-document"
	KindDocumentSync    Kind = "document-sync"
	KindCommentEvent    Kind = "comment-event"
	KindDocumentDeleted Kind = "document-deleted"
	KindError           Kind = "error"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

type envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is a message a client may send.
type Inbound interface {
	Kind() Kind
	Document() string
	inbound()
}

// Outbound is a message the server may send.
type Outbound interface {
	Kind() Kind
	outbound()
}

// Blob is an opaque binary update. It encodes as base64 and also decodes
// from a JSON array of byte values, which is how browser clients serialise
// a Uint8Array.
type Blob []byte

func (b Blob) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

func (b *Blob) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}
	if data[0] == '[' {
		var values []int
		if err := json.Unmarshal(data, &values); err != nil {
			return err
		}
		out := make([]byte, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return fmt.Errorf("byte value %d out of range", v)
			}
			out[i] = byte(v)
		}
		*b = out
		return nil
	}
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode base64 update: %w", err)
	}
	*b = decoded
	return nil
}

type JoinDocument struct {
	DocumentID string `json:"documentId"`
}

type LeaveDocument struct {
	DocumentID string `json:"documentId"`
}

// DocumentChange is a full-content snapshot from an editor. ClientTimestamp
// is whatever clock the editor attached; ordering uses arrival order only.
type DocumentChange struct {
	DocumentID      string          `json:"documentId"`
	Content         string          `json:"content"`
	User            json.RawMessage `json:"user,omitempty"`
	ClientTimestamp json.RawMessage `json:"timestamp,omitempty"`
}

type YjsUpdate struct {
	DocumentID string `json:"documentId"`
	Update     Blob   `json:"update"`
	SocketID   string `json:"socketId,omitempty"`
}

// CursorChange and UserTyping are relayed as received except for User and
// SocketID, which the server replaces with the sender's own identity.
type CursorChange struct {
	DocumentID string          `json:"documentId"`
	Position   json.RawMessage `json:"position"`
	User       json.RawMessage `json:"user,omitempty"`
	SocketID   string          `json:"socketId,omitempty"`
}

type UserTyping struct {
	DocumentID string          `json:"documentId"`
	User       json.RawMessage `json:"user,omitempty"`
	IsTyping   bool            `json:"isTyping"`
	SocketID   string          `json:"socketId,omitempty"`
}

func (JoinDocument) Kind() Kind   { return KindJoinDocument }
func (LeaveDocument) Kind() Kind  { return KindLeaveDocument }
func (DocumentChange) Kind() Kind { return KindDocumentChange }
func (YjsUpdate) Kind() Kind      { return KindYjsUpdate }
func (CursorChange) Kind() Kind   { return KindCursorChange }
func (UserTyping) Kind() Kind     { return KindUserTyping }

func (m JoinDocument) Document() string   { return m.DocumentID }
func (m LeaveDocument) Document() string  { return m.DocumentID }
func (m DocumentChange) Document() string { return m.DocumentID }
func (m YjsUpdate) Document() string      { return m.DocumentID }
func (m CursorChange) Document() string   { return m.DocumentID }
func (m UserTyping) Document() string     { return m.DocumentID }

func (JoinDocument) inbound()   {}
func (LeaveDocument) inbound()  {}
func (DocumentChange) inbound() {}
func (YjsUpdate) inbound()      {}
func (CursorChange) inbound()   {}
func (UserTyping) inbound()     {}

// Peer describes a session for presence notifications.
type Peer struct {
	UserID   string `json:"userId"`
	SocketID string `json:"socketId"`
	Name     string `json:"name"`
	Color    string `json:"color"`
}

// Raw encodes the peer for the user field of relayed messages.
func (p Peer) Raw() json.RawMessage {
	raw, _ := json.Marshal(p)
	return raw
}

type UsersInDocument struct {
	DocumentID string `json:"documentId"`
	Users      []Peer `json:"users"`
}

type UserJoined struct {
	Peer
	DocumentID string    `json:"documentId"`
	Timestamp  time.Time `json:"timestamp"`
}

type UserLeft struct {
	Peer
	DocumentID string    `json:"documentId"`
	Timestamp  time.Time `json:"timestamp"`
}

type DocumentSync struct {
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
	Version    int64  `json:"version"`
}

type YjsSync struct {
	DocumentID string `json:"documentId"`
	Update     Blob   `json:"update"`
	Version    int64  `json:"version"`
}

type DocumentChanged struct {
	DocumentID string    `json:"documentId"`
	Content    string    `json:"content"`
	User       Peer      `json:"user"`
	SocketID   string    `json:"socketId"`
	Version    int64     `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
}

type CommentEvent struct {
	DocumentID string `json:"documentId"`
	Action     string `json:"action"`
	CommentID  string `json:"commentId"`
	Comment    any    `json:"comment,omitempty"`
}

// DocumentDeleted tells room members the document is gone; the server
// removes them from the room right after.
type DocumentDeleted struct {
	DocumentID string `json:"documentId"`
	DeletedBy  string `json:"deletedBy"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     Kind   `json:"ref,omitempty"`
}

func (UsersInDocument) Kind() Kind { return KindUsersInDocument }
func (UserJoined) Kind() Kind      { return KindUserJoined }
func (UserLeft) Kind() Kind        { return KindUserLeft }
func (DocumentSync) Kind() Kind    { return KindDocumentSync }
func (YjsSync) Kind() Kind         { return KindYjsSync }
func (DocumentChanged) Kind() Kind { return KindDocumentChange }
func (CommentEvent) Kind() Kind    { return KindCommentEvent }
func (DocumentDeleted) Kind() Kind { return KindDocumentDeleted }
func (Error) Kind() Kind           { return KindError }

func (UsersInDocument) outbound() {}
func (UserJoined) outbound()      {}
func (UserLeft) outbound()        {}
func (DocumentSync) outbound()    {}
func (YjsSync) outbound()         {}
func (DocumentChanged) outbound() {}
func (CommentEvent) outbound()    {}
func (DocumentDeleted) outbound() {}
func (Error) outbound()           {}
func (YjsUpdate) outbound()       {}
func (CursorChange) outbound()    {}
func (UserTyping) outbound()      {}

// Encode wraps msg in the wire envelope.
func Encode(msg Outbound) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return json.Marshal(envelope{Type: msg.Kind(), Data: data})
}

// DecodeInbound parses one client frame into its concrete variant.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg Inbound
	var err error
	switch env.Type {
	case KindJoinDocument:
		var m JoinDocument
		m.DocumentID, err = decodeDocumentRef(env.Data)
		msg = m
	case KindLeaveDocument:
		var m LeaveDocument
		m.DocumentID, err = decodeDocumentRef(env.Data)
		msg = m
	case KindDocumentChange:
		var m DocumentChange
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case KindYjsUpdate:
		var m YjsUpdate
		err = json.Unmarshal(env.Data, &m)
		if err == nil && len(m.Update) == 0 {
			err = errors.New("update is empty")
		}
		msg = m
	case KindCursorChange:
		var m CursorChange
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case KindUserTyping:
		var m UserTyping
		err = json.Unmarshal(env.Data, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	if strings.TrimSpace(msg.Document()) == "" {
		return nil, fmt.Errorf("%w: %s: documentId is required", ErrMalformed, env.Type)
	}
	return msg, nil
}

// decodeDocumentRef accepts either a bare JSON string or {"documentId": ...}.
func decodeDocumentRef(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return "", err
		}
		return strings.TrimSpace(id), nil
	}
	var ref struct {
		DocumentID string `json:"documentId"`
	}
	if err := json.Unmarshal(data, &ref); err != nil {
		return "", err
	}
	return strings.TrimSpace(ref.DocumentID), nil
}
