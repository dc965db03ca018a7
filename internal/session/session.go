// Package session holds the call lifecycle state machine: at most one
// live call per client, with ring timeouts, busy handling and
// exactly-once end signaling. The machine decides WHAT happens; side
// effects (signaling sends, media setup, link teardown, UI notification)
// are delegated to the Actions implementation so the machine stays
// deterministic under test.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/parleyhq/callkit/internal/proto"
)

var log = logging.Logger("session")

// State is the lifecycle phase of the machine.
type State string

const (
	StateIdle     State = "idle"
	StateOutgoing State = "outgoing"
	StateIncoming State = "incoming"
	StateOngoing  State = "ongoing"
	StateEnding   State = "ending"
)

// Machine-level errors.
var (
	ErrBusy         = errors.New("session: another call is active")
	ErrNoCall       = errors.New("session: no call in progress")
	ErrWrongState   = errors.New("session: operation invalid in current state")
	ErrStaleMessage = errors.New("session: message for another call")
)

// Call describes the machine's current call.
type Call struct {
	ID        string
	PeerID    string
	PeerName  string
	Type      proto.CallType
	Outbound  bool
	StartedAt time.Time
}

// Actions is the machine's effect seam, implemented by the call facade.
// Implementations must not call back into the Machine synchronously.
type Actions interface {
	// SignalInitiate sends call:initiate for an outbound call.
	SignalInitiate(c Call) error
	// SignalAccept sends call:accept after local accept.
	SignalAccept(c Call) error
	// SignalReject sends call:reject with the given reason.
	SignalReject(c Call, reason proto.EndReason) error
	// SignalEnd sends call:end. Invoked at most once per call.
	SignalEnd(c Call) error

	// SetupCall acquires media and builds the peer link. On the caller
	// side it also sends the initial offer.
	SetupCall(c Call) error
	// TeardownCall releases media and tears down links. Idempotent.
	TeardownCall(c Call)

	// StateChanged reports every transition, for the UI event stream.
	StateChanged(c Call, s State)
	// CallEnded reports the terminal outcome exactly once per call.
	CallEnded(c Call, reason proto.EndReason)
}

// Options bound the ring and reconnect windows.
type Options struct {
	OutgoingRing    time.Duration
	IncomingRing    time.Duration
	DisconnectGrace time.Duration
}

func (o *Options) withDefaults() {
	if o.OutgoingRing <= 0 {
		o.OutgoingRing = 30 * time.Second
	}
	if o.IncomingRing <= 0 {
		o.IncomingRing = 45 * time.Second
	}
	if o.DisconnectGrace <= 0 {
		o.DisconnectGrace = 10 * time.Second
	}
}

// Machine is the per-client call state machine.
type Machine struct {
	opts Options
	acts Actions

	mu         sync.Mutex
	state      State
	call       Call
	accepted   bool
	ringTimer  *time.Timer
	graceTimer *time.Timer
}

// NewMachine returns an idle machine.
func NewMachine(opts Options, acts Actions) *Machine {
	opts.withDefaults()
	return &Machine{opts: opts, acts: acts, state: StateIdle}
}

// State returns the current phase.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the live call and whether one exists.
func (m *Machine) Current() (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call, m.state != StateIdle
}

// Initiate starts an outbound call. Fails with ErrBusy unless idle. The
// offerer builds media and link up front, so the initial offer is already
// in flight while the callee rings. The ring bound runs until the call is
// established, not merely accepted.
func (m *Machine) Initiate(peerID, peerName string, callType proto.CallType) (Call, error) {
	if !callType.Valid() {
		return Call{}, fmt.Errorf("session: invalid call type %q", callType)
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return Call{}, ErrBusy
	}
	c := Call{
		ID:        uuid.NewString(),
		PeerID:    peerID,
		PeerName:  peerName,
		Type:      callType,
		Outbound:  true,
		StartedAt: time.Now(),
	}
	m.call = c
	m.setStateLocked(StateOutgoing)
	m.ringTimer = time.AfterFunc(m.opts.OutgoingRing, func() { m.ringExpired(c.ID) })
	m.mu.Unlock()

	if err := m.acts.SignalInitiate(c); err != nil {
		m.finish(c.ID, proto.ReasonLinkFailure, false)
		return Call{}, fmt.Errorf("session: initiate: %w", err)
	}
	if err := m.acts.SetupCall(c); err != nil {
		m.finish(c.ID, proto.ReasonMediaFailure, true)
		return Call{}, fmt.Errorf("session: initiate: %w", err)
	}
	if !m.stillLive(c.ID) {
		// The call ended while setup was blocked on the devices. Whatever
		// setup built just now must not outlive it.
		m.acts.TeardownCall(c)
		return Call{}, ErrNoCall
	}
	log.Infow("outgoing call", "call", c.ID, "peer", peerID, "type", callType)
	return c, nil
}

// HandleIncoming reacts to call:incoming. While another call is live the
// new caller gets an immediate busy reject and the current call is
// untouched.
func (m *Machine) HandleIncoming(callerID, callerName string, callType proto.CallType, callID string) error {
	if !callType.Valid() {
		return fmt.Errorf("session: invalid call type %q", callType)
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		log.Infow("busy, rejecting", "call", callID, "from", callerID)
		return m.acts.SignalReject(Call{ID: callID, PeerID: callerID, Type: callType}, proto.ReasonBusy)
	}
	c := Call{
		ID:        callID,
		PeerID:    callerID,
		PeerName:  callerName,
		Type:      callType,
		StartedAt: time.Now(),
	}
	m.call = c
	m.setStateLocked(StateIncoming)
	m.ringTimer = time.AfterFunc(m.opts.IncomingRing, func() { m.ringExpired(c.ID) })
	m.mu.Unlock()

	log.Infow("incoming call", "call", callID, "from", callerID, "type", callType)
	return nil
}

// Accept answers the ringing incoming call: media first, then the accept
// signal, so the caller's offer never races an unprepared callee. The
// session stays pending until the remote stream arrives.
func (m *Machine) Accept() error {
	m.mu.Lock()
	if m.state != StateIncoming {
		m.mu.Unlock()
		return ErrWrongState
	}
	c := m.call
	m.mu.Unlock()

	if err := m.acts.SetupCall(c); err != nil {
		m.finish(c.ID, proto.ReasonMediaFailure, true)
		return fmt.Errorf("session: accept: %w", err)
	}

	m.mu.Lock()
	if m.state != StateIncoming || m.call.ID != c.ID {
		m.mu.Unlock()
		// Ended while setup was blocked on the devices; release what it
		// built and keep call:accept off the wire.
		m.acts.TeardownCall(c)
		return ErrNoCall
	}
	m.accepted = true
	m.stopRingLocked()
	// Accepted but not yet connected: re-arm the bound so a negotiation
	// that never completes still times out.
	m.ringTimer = time.AfterFunc(m.opts.OutgoingRing, func() { m.ringExpired(c.ID) })
	m.mu.Unlock()

	if err := m.acts.SignalAccept(c); err != nil {
		m.finish(c.ID, proto.ReasonLinkFailure, false)
		return fmt.Errorf("session: accept: %w", err)
	}
	return nil
}

// Reject declines the ringing incoming call.
func (m *Machine) Reject() error {
	m.mu.Lock()
	if m.state != StateIncoming {
		m.mu.Unlock()
		return ErrWrongState
	}
	c := m.call
	m.stopRingLocked()
	m.resetLocked()
	m.mu.Unlock()

	err := m.acts.SignalReject(c, proto.ReasonRejected)
	m.acts.CallEnded(c, proto.ReasonRejected)
	return err
}

// HandleRemoteAccept reacts to call:accept on the caller side. The link
// and offer already exist from Initiate; negotiation now runs to
// completion and the ring bound keeps covering it.
func (m *Machine) HandleRemoteAccept(from, callID string) error {
	m.mu.Lock()
	if m.state != StateOutgoing {
		m.mu.Unlock()
		return ErrWrongState
	}
	if err := m.guardLocked(from, callID); err != nil {
		m.mu.Unlock()
		return err
	}
	m.accepted = true
	m.mu.Unlock()

	log.Infow("remote accepted, negotiating", "call", callID)
	return nil
}

// HandleRemoteStream marks the call established. Arrival of a usable
// remote track, not a particular ICE state, is what flips the session to
// ongoing.
func (m *Machine) HandleRemoteStream() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateOutgoing || (m.state == StateIncoming && m.accepted) {
		m.stopRingLocked()
		m.setStateLocked(StateOngoing)
		log.Infow("call established", "call", m.call.ID)
	}
}

// HandleRemoteReject reacts to call:reject on the caller side.
func (m *Machine) HandleRemoteReject(from, callID string, reason proto.EndReason) error {
	m.mu.Lock()
	if m.state != StateOutgoing {
		m.mu.Unlock()
		return ErrWrongState
	}
	if err := m.guardLocked(from, callID); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if reason == "" {
		reason = proto.ReasonRejected
	}
	m.finish(callID, reason, false)
	return nil
}

// End hangs up the live call. The end signal goes out exactly once; a
// second End is a no-op.
func (m *Machine) End() error {
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateEnding {
		m.mu.Unlock()
		return ErrNoCall
	}
	c := m.call
	ringing := m.state == StateOutgoing
	m.mu.Unlock()

	reason := proto.ReasonCompleted
	if ringing {
		reason = proto.ReasonCancelled
	}
	m.finish(c.ID, reason, true)
	return nil
}

// HandleRemoteEnd reacts to call:end / call:ended from the other side.
// No end signal is echoed back.
func (m *Machine) HandleRemoteEnd(from, callID string, reason proto.EndReason) error {
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateEnding {
		m.mu.Unlock()
		return ErrNoCall
	}
	if callID != m.call.ID {
		m.mu.Unlock()
		return fmt.Errorf("%w: call=%s", ErrStaleMessage, callID)
	}
	m.mu.Unlock()

	if reason == "" {
		reason = proto.ReasonCompleted
	}
	m.finish(callID, reason, false)
	return nil
}

// HandleLinkState feeds ICE transitions into the machine. "disconnected"
// opens a grace window for self-healing; "failed"/"closed" and grace
// expiry end the call as a link failure.
func (m *Machine) HandleLinkState(state webrtc.ICEConnectionState) {
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateEnding {
		m.mu.Unlock()
		return
	}
	c := m.call

	switch state {
	case webrtc.ICEConnectionStateDisconnected:
		if m.graceTimer == nil {
			log.Warnw("link disconnected, grace window open", "call", c.ID, "grace", m.opts.DisconnectGrace)
			m.graceTimer = time.AfterFunc(m.opts.DisconnectGrace, func() { m.graceExpired(c.ID) })
		}
		m.mu.Unlock()

	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		if m.graceTimer != nil {
			m.graceTimer.Stop()
			m.graceTimer = nil
			log.Infow("link recovered within grace", "call", c.ID)
		}
		m.mu.Unlock()

	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		m.mu.Unlock()
		m.finish(c.ID, proto.ReasonLinkFailure, true)

	default:
		m.mu.Unlock()
	}
}

// ringExpired fires when nobody answered in time.
func (m *Machine) ringExpired(callID string) {
	m.mu.Lock()
	if m.call.ID != callID || (m.state != StateOutgoing && m.state != StateIncoming) {
		m.mu.Unlock()
		return
	}
	unanswered := m.state == StateIncoming && !m.accepted
	c := m.call
	m.mu.Unlock()

	log.Infow("ring timeout", "call", callID, "unanswered", unanswered)
	if unanswered {
		// Auto-reject so the caller stops ringing too.
		m.mu.Lock()
		m.resetLocked()
		m.mu.Unlock()
		_ = m.acts.SignalReject(c, proto.ReasonTimeout)
		m.acts.TeardownCall(c)
		m.acts.CallEnded(c, proto.ReasonTimeout)
		return
	}
	m.finish(callID, proto.ReasonTimeout, true)
}

func (m *Machine) graceExpired(callID string) {
	m.mu.Lock()
	live := m.state == StateOngoing && m.call.ID == callID
	m.mu.Unlock()
	if live {
		log.Warnw("grace expired, ending call", "call", callID)
		m.finish(callID, proto.ReasonLinkFailure, true)
	}
}

// finish is the single terminal path: transition through ending to idle,
// optionally signal call:end, tear down, notify. Exactly-once per call by
// construction — the first caller flips the state, later callers see
// idle/ending and bail.
func (m *Machine) finish(callID string, reason proto.EndReason, signalEnd bool) {
	m.mu.Lock()
	if m.state == StateIdle || m.state == StateEnding || m.call.ID != callID {
		m.mu.Unlock()
		return
	}
	c := m.call
	m.stopRingLocked()
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	m.setStateLocked(StateEnding)
	m.mu.Unlock()

	if signalEnd {
		if err := m.acts.SignalEnd(c); err != nil {
			log.Debugw("signal end", "call", c.ID, "err", err)
		}
	}
	m.acts.TeardownCall(c)

	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()

	log.Infow("call finished", "call", c.ID, "reason", reason)
	m.acts.CallEnded(c, reason)
}

// stillLive reports whether callID is still the active call. Used after
// blocking setup steps to catch a call that ended underneath them.
func (m *Machine) stillLive(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.call.ID == callID && m.state != StateIdle && m.state != StateEnding
}

func (m *Machine) guardLocked(from, callID string) error {
	if from != m.call.PeerID || callID != m.call.ID {
		return fmt.Errorf("%w: from=%s call=%s", ErrStaleMessage, from, callID)
	}
	return nil
}

func (m *Machine) stopRingLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

func (m *Machine) setStateLocked(s State) {
	m.state = s
	c := m.call
	go m.acts.StateChanged(c, s)
}

func (m *Machine) resetLocked() {
	m.stopRingLocked()
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	m.setStateLocked(StateIdle)
	m.call = Call{}
	m.accepted = false
}
