package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInboundJoinAcceptsStringAndObject(t *testing.T) {
	for _, raw := range []string{
		`{"type":"join-document","data":"doc_1"}`,
		`{"type":"join-document","data":{"documentId":" doc_1 "}}`,
	} {
		msg, err := DecodeInbound([]byte(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, JoinDocument{DocumentID: "doc_1"}, msg)
	}
}

func TestDecodeInboundVariants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		kind Kind
	}{
		{name: "leave", raw: `{"type":"leave-document","data":"doc_1"}`, kind: KindLeaveDocument},
		{name: "change", raw: `{"type":"document-change","data":{"documentId":"doc_1","content":"hi","user":"Ana","timestamp":1700000000}}`, kind: KindDocumentChange},
		{name: "yjs base64", raw: `{"type":"yjs-update","data":{"documentId":"doc_1","update":"AQID"}}`, kind: KindYjsUpdate},
		{name: "yjs array", raw: `{"type":"yjs-update","data":{"documentId":"doc_1","update":[1,2,3]}}`, kind: KindYjsUpdate},
		{name: "cursor", raw: `{"type":"cursor-change","data":{"documentId":"doc_1","position":{"index":4},"user":{"name":"Ana"}}}`, kind: KindCursorChange},
		{name: "typing", raw: `{"type":"user-typing","data":{"documentId":"doc_1","user":"Ana","isTyping":true}}`, kind: KindUserTyping},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := DecodeInbound([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, msg.Kind())
			assert.Equal(t, "doc_1", msg.Document())
		})
	}
}

func TestDecodeInboundYjsUpdateBytes(t *testing.T) {
	msg, err := DecodeInbound([]byte(`{"type":"yjs-update","data":{"documentId":"doc_1","update":[1,2,255]}}`))
	require.NoError(t, err)
	assert.Equal(t, Blob{1, 2, 255}, msg.(YjsUpdate).Update)
}

func TestDecodeInboundErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{name: "not json", raw: `nope`, want: ErrMalformed},
		{name: "unknown type", raw: `{"type":"user-joined","data":{}}`, want: ErrUnknownType},
		{name: "missing document", raw: `{"type":"join-document","data":{}}`, want: ErrMalformed},
		{name: "missing data", raw: `{"type":"document-change"}`, want: ErrMalformed},
		{name: "empty update", raw: `{"type":"yjs-update","data":{"documentId":"d","update":[]}}`, want: ErrMalformed},
		{name: "byte out of range", raw: `{"type":"yjs-update","data":{"documentId":"d","update":[256]}}`, want: ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(tc.raw))
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestEncodeWrapsEnvelope(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	raw, err := Encode(UserJoined{
		Peer:       Peer{UserID: "u_1", SocketID: "c_1", Name: "Ana", Color: "#FF6B6B"},
		DocumentID: "doc_1",
		Timestamp:  at,
	})
	require.NoError(t, err)

	var decoded struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "user-joined", decoded.Type)
	assert.Equal(t, "u_1", decoded.Data["userId"])
	assert.Equal(t, "c_1", decoded.Data["socketId"])
	assert.Equal(t, "2026-01-02T03:04:05Z", decoded.Data["timestamp"])
}

func TestEncodeYjsUpdateIsBase64(t *testing.T) {
	raw, err := Encode(YjsUpdate{DocumentID: "doc_1", Update: Blob{1, 2, 3}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"yjs-update","data":{"documentId":"doc_1","update":"AQID"}}`, string(raw))
}
