// Package v1 defines the bloks realtime protocol v1 contract.
//
// It is shared between the server and clients (including tools/scripts/ws-smoke.go)
// so the wire protocol has one authoritative definition.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "bloks.realtime.v1"

// Client -> server.
const (
	TypeHello         = "hello"
	TypeJoinDocument  = "join-document"
	TypeLeaveDocument = "leave-document"
)

// Server -> client, replies.
const (
	TypeHelloAck         = "hello_ack"
	TypeJoinDocumentAck  = "join-document:ack"
	TypeLeaveDocumentAck = "leave-document:ack"
	TypeError            = "error"
)

// Server -> room members.
const (
	TypeDocumentUpdate       = "document:update"
	TypeDocumentArchived     = "document:archived"
	TypeCollaboratorRemoved  = "collaborator:settings:remove"
	TypePresenceUpdate       = "presence:update"
	typeDocumentRemovePrefix = "document:remove:"
)

// DocumentRemoveType returns the per-document removal event name.
func DocumentRemoveType(documentID string) string {
	return typeDocumentRemovePrefix + documentID
}

// IsDocumentRemoveType reports whether typ is a removal event and returns its document id.
func IsDocumentRemoveType(typ string) (string, bool) {
	if !strings.HasPrefix(typ, typeDocumentRemovePrefix) {
		return "", false
	}
	id := strings.TrimPrefix(typ, typeDocumentRemovePrefix)
	return id, id != ""
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeJoinDocument,
		TypeJoinDocumentAck,
		TypeLeaveDocument,
		TypeLeaveDocumentAck,
		TypeDocumentUpdate,
		TypeDocumentArchived,
		TypeCollaboratorRemoved,
		TypePresenceUpdate,
		TypeError:
		return nil
	}
	if _, ok := IsDocumentRemoveType(e.Type); ok {
		return nil
	}
	return fmt.Errorf("unknown type: %q", e.Type)
}

// IsInbound reports whether typ may be sent by a client.
func IsInbound(typ string) bool {
	switch typ {
	case TypeHello, TypeJoinDocument, TypeLeaveDocument:
		return true
	default:
		return false
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to start a session.
type HelloPayload struct{}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// DocumentRoomPayload is the body of join-document and leave-document.
type DocumentRoomPayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

// Member is one (user, session) pair in a room.
type Member struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// JoinDocumentAckPayload confirms room membership.
type JoinDocumentAckPayload struct {
	DocumentID    string   `json:"documentId"`
	Role          string   `json:"role"`
	AlreadyMember bool     `json:"alreadyMember"`
	Members       []Member `json:"members"`
}

// LeaveDocumentAckPayload confirms a leave.
type LeaveDocumentAckPayload struct {
	DocumentID string `json:"documentId"`
	WasMember  bool   `json:"wasMember"`
}

// PresenceUser is one active collaborator in a presence snapshot.
type PresenceUser struct {
	UserID   string `json:"userId"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
	Sessions int    `json:"sessions"`
}

// PresenceUpdatePayload is pushed to a room on every join/leave.
type PresenceUpdatePayload struct {
	DocumentID string         `json:"documentId"`
	Users      []PresenceUser `json:"users"`
}

// CollaboratorRemovedPayload notifies a room that a grant was withdrawn.
type CollaboratorRemovedPayload struct {
	AddedBy       string `json:"addedBy"`
	DocumentID    string `json:"documentId"`
	DocumentTitle string `json:"documentTitle"`
	RemovedUser   string `json:"removedUser"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
