package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// MessageType enumerates the signaling envelope types.
//
// USER_JOIN and MEMBERS are server-generated; clients relaying them inbound is
// a protocol violation.
type MessageType string

const (
	MessageTypeUserJoin  MessageType = "USER_JOIN"
	MessageTypeMembers   MessageType = "MEMBERS"
	MessageTypeOffer     MessageType = "OFFER"
	MessageTypeAnswer    MessageType = "ANSWER"
	MessageTypeCandidate MessageType = "CANDIDATE"
	MessageTypeLeave     MessageType = "LEAVE"
)

// Envelope is the wire format of every signaling message.
//
// SDP descriptions and ICE candidates are opaque to the server: it relays the
// raw JSON without inspecting it, so the two peers can evolve their payload
// schema without a server change.
type Envelope struct {
	Type     MessageType `json:"type"`
	SenderID string      `json:"senderId,omitempty"`
	TargetID string      `json:"targetId,omitempty"`

	// Message carries the SDP payload for OFFER/ANSWER.
	Message json.RawMessage `json:"message,omitempty"`

	// Candidate carries the ICE candidate payload for CANDIDATE.
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// Members carries the current roster, only on MEMBERS.
	Members []string `json:"members,omitempty"`
}

// ParseEnvelope strictly decodes a client frame. Unknown fields, trailing
// data, and field combinations that don't match the message type are all
// rejected.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.validateInbound(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// validateInbound checks a client-sent envelope. SenderID is not required
// (the server stamps it from the connection identity) but when present it must
// not later disagree with that identity; the server enforces that separately.
func (e Envelope) validateInbound() error {
	switch e.Type {
	case MessageTypeOffer:
		if e.TargetID == "" {
			return fmt.Errorf("offer missing targetId")
		}
		if len(e.Message) == 0 {
			return fmt.Errorf("offer missing message")
		}
		if len(e.Candidate) != 0 || len(e.Members) != 0 {
			return fmt.Errorf("offer has unexpected fields")
		}
	case MessageTypeAnswer:
		if e.TargetID == "" {
			return fmt.Errorf("answer missing targetId")
		}
		if len(e.Message) == 0 {
			return fmt.Errorf("answer missing message")
		}
		if len(e.Candidate) != 0 || len(e.Members) != 0 {
			return fmt.Errorf("answer has unexpected fields")
		}
	case MessageTypeCandidate:
		if e.TargetID == "" {
			return fmt.Errorf("candidate missing targetId")
		}
		if len(e.Candidate) == 0 {
			return fmt.Errorf("candidate missing candidate")
		}
		if len(e.Message) != 0 || len(e.Members) != 0 {
			return fmt.Errorf("candidate has unexpected fields")
		}
	case MessageTypeLeave:
		if len(e.Message) != 0 || len(e.Candidate) != 0 || len(e.Members) != 0 {
			return fmt.Errorf("leave has unexpected fields")
		}
	case MessageTypeUserJoin, MessageTypeMembers:
		return fmt.Errorf("%s is server-generated", e.Type)
	default:
		return fmt.Errorf("unsupported message type %q", e.Type)
	}
	return nil
}

// Broadcast reports whether this envelope fans out to every other room member
// rather than a single target.
func (e Envelope) Broadcast() bool {
	switch e.Type {
	case MessageTypeUserJoin, MessageTypeLeave:
		return true
	default:
		return e.TargetID == ""
	}
}
