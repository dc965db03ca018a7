// Package proto defines the signaling wire contract shared by the call core
// and the relay server. Every message travels inside an Envelope; the relay
// routes envelopes by their To field and never inspects payloads beyond the
// event name.
package proto

import (
	"encoding/json"
	"time"
)

// Signaling event names. Values are part of the public wire contract —
// keep them stable.
const (
	EventCallInitiate = "call:initiate"
	EventCallIncoming = "call:incoming"
	EventCallAccept   = "call:accept"
	EventCallReject   = "call:reject"
	EventCallEnd      = "call:end"
	EventCallEnded    = "call:ended"
	EventOffer        = "webrtc:offer"
	EventAnswer       = "webrtc:answer"
	EventICECandidate = "webrtc:ice-candidate"

	// EventPing is the channel-level liveness probe. The relay answers with
	// an ack; repeated missed acks make the client force-reconnect.
	EventPing = "channel:ping"
)

// CallType distinguishes audio-only from audio+video calls.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is one of the known call types.
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// EndReason explains why a call finished. Carried on call:ended and exposed
// to the UI through the facade's OnCallEnded callback.
type EndReason string

const (
	ReasonCompleted    EndReason = "completed"
	ReasonRejected     EndReason = "rejected"
	ReasonTimeout      EndReason = "timeout"
	ReasonBusy         EndReason = "busy"
	ReasonCancelled    EndReason = "cancelled"
	ReasonMediaFailure EndReason = "media-failure"
	ReasonLinkFailure  EndReason = "link-failure"
)

// Envelope is the outer frame for every signaling message. From is stamped
// by the relay from the authenticated connection, so clients cannot spoof it.
// Ack, when non-zero, asks the relay to confirm delivery with an AckReply.
type Envelope struct {
	Event   string          `json:"event"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	CallID  string          `json:"callId,omitempty"`
	Ack     string          `json:"ack,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AckReply is the relay's answer to an Envelope that carried an Ack id.
type AckReply struct {
	Ack   string `json:"ack"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	TS    int64  `json:"ts"`
}

// CallInitiate is sent caller→relay to start a call. CallerName rides
// along so the callee can show who is calling.
type CallInitiate struct {
	TargetUserID string   `json:"targetUserId"`
	CallerID     string   `json:"callerId"`
	CallerName   string   `json:"callerName,omitempty"`
	CallType     CallType `json:"callType"`
	CallID       string   `json:"callId"`
}

// CallIncoming is sent relay→callee when a call arrives for them.
type CallIncoming struct {
	CallerID   string   `json:"callerId"`
	CallerName string   `json:"callerName,omitempty"`
	CallType   CallType `json:"callType"`
	CallID     string   `json:"callId"`
}

// CallAccept is sent callee→relay→caller on accept.
type CallAccept struct {
	CallerID string `json:"callerId"`
	CalleeID string `json:"calleeId"`
	CallID   string `json:"callId"`
}

// CallReject is sent callee→relay→caller on reject (explicit, timeout or busy).
type CallReject struct {
	CallerID string    `json:"callerId"`
	CalleeID string    `json:"calleeId"`
	CallID   string    `json:"callId"`
	Reason   EndReason `json:"reason,omitempty"`
}

// CallEnd is sent by either side to hang up.
type CallEnd struct {
	UserID string `json:"userId"`
	CallID string `json:"callId"`
}

// CallEnded is the relay's acknowledgement fan-out when a call terminates.
type CallEnded struct {
	CallID string    `json:"callId"`
	Reason EndReason `json:"reason,omitempty"`
}

// SDP carries an offer or answer between the two negotiating peers.
type SDP struct {
	From string `json:"from"`
	To   string `json:"to"`
	SDP  string `json:"sdp"`
	Type string `json:"type"` // "offer" or "answer"
}

// ICECandidate carries one trickled candidate. Candidate is the serialized
// ICECandidateInit from the sending side.
type ICECandidate struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Candidate string `json:"candidate"`
	SDPMid    string `json:"sdpMid,omitempty"`
	SDPMLine  uint16 `json:"sdpMLineIndex,omitempty"`
}

// Ping is the heartbeat payload.
type Ping struct {
	Seq int64 `json:"seq"`
	TS  int64 `json:"ts"`
}

// Marshal wraps payload into an Envelope for event, addressed to `to`.
func Marshal(event, to, callID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, To: to, CallID: callID, Payload: raw}, nil
}

// NowMillis returns the current wall-clock time in Unix milliseconds.
func NowMillis() int64 { return time.Now().UnixMilli() }
