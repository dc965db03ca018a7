// Package call is the facade over signaling, media capture, peer links
// and the session state machine. The UI layer talks to a Service and
// nothing else.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/parleyhq/callkit/internal/config"
	"github.com/parleyhq/callkit/internal/media"
	"github.com/parleyhq/callkit/internal/peer"
	"github.com/parleyhq/callkit/internal/proto"
	"github.com/parleyhq/callkit/internal/session"
)

var log = logging.Logger("call")

// ErrNoMedia means a toggle was requested while no local capture exists
// (no live call, or the call joined receive-only).
var ErrNoMedia = errors.New("call: no local media")

// Service wires the call core together and exposes the public operations.
type Service struct {
	cfg config.Config
	sig Signaler
	acq media.Acquirer

	machine *session.Machine
	links   *peer.Set
	hub     *eventHub

	mu        sync.Mutex
	bundle    *media.Bundle
	remote    []*peer.RemoteTrack
	heldOffer *heldSDP
	heldCands []heldCandidate

	offs      []func()
	closeOnce sync.Once
}

// heldSDP is an initial offer that arrived while the callee was still
// ringing; it is replayed once the answerer link exists.
type heldSDP struct {
	from, callID, sdp string
}

type heldCandidate struct {
	from, callID string
	cand         webrtc.ICECandidateInit
}

// NewService builds the facade and registers its signaling handlers. The
// Signaler must already be connected (or connecting) with the local
// identity bound.
func NewService(cfg config.Config, sig Signaler, acq media.Acquirer) *Service {
	s := &Service{
		cfg:   cfg,
		sig:   sig,
		acq:   acq,
		links: peer.NewSet(),
		hub:   newEventHub(),
	}
	s.machine = session.NewMachine(session.Options{
		OutgoingRing:    time.Duration(cfg.Call.OutgoingRingSec) * time.Second,
		IncomingRing:    time.Duration(cfg.Call.IncomingRingSec) * time.Second,
		DisconnectGrace: time.Duration(cfg.Call.DisconnectGraceSec) * time.Second,
	}, s)

	s.offs = []func(){
		sig.On(proto.EventCallIncoming, s.onIncoming),
		sig.On(proto.EventCallAccept, s.onAccept),
		sig.On(proto.EventCallReject, s.onReject),
		sig.On(proto.EventCallEnd, s.onEnd),
		sig.On(proto.EventCallEnded, s.onEnded),
		sig.On(proto.EventOffer, s.onOffer),
		sig.On(proto.EventAnswer, s.onAnswer),
		sig.On(proto.EventICECandidate, s.onCandidate),
	}
	return s
}

// InitiateCall starts an outbound call to target.
func (s *Service) InitiateCall(target, displayName string, callType proto.CallType) (session.Call, error) {
	return s.machine.Initiate(target, displayName, callType)
}

// AcceptCall answers the ringing incoming call.
func (s *Service) AcceptCall() error { return s.machine.Accept() }

// RejectCall declines the ringing incoming call.
func (s *Service) RejectCall() error { return s.machine.Reject() }

// EndCall hangs up the live call.
func (s *Service) EndCall() error { return s.machine.End() }

// ToggleAudio flips the microphone gate and returns the new enabled state.
func (s *Service) ToggleAudio() (bool, error) {
	s.mu.Lock()
	b := s.bundle
	s.mu.Unlock()
	if b == nil || !b.HasAudio() {
		return false, ErrNoMedia
	}
	enabled := !b.AudioEnabled()
	b.SetAudioEnabled(enabled)
	log.Infow("audio toggled", "enabled", enabled)
	return enabled, nil
}

// ToggleVideo flips the camera gate and returns the new enabled state.
func (s *Service) ToggleVideo() (bool, error) {
	s.mu.Lock()
	b := s.bundle
	s.mu.Unlock()
	if b == nil || !b.HasVideo() {
		return false, ErrNoMedia
	}
	enabled := !b.VideoEnabled()
	b.SetVideoEnabled(enabled)
	log.Infow("video toggled", "enabled", enabled)
	return enabled, nil
}

// CurrentRemoteStream returns the remote tracks received so far, so a UI
// that subscribes after the stream arrived still gets it.
func (s *Service) CurrentRemoteStream() []*peer.RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer.RemoteTrack, len(s.remote))
	copy(out, s.remote)
	return out
}

// Listen registers a UI event listener. Call the cancel func when done.
func (s *Service) Listen() (<-chan Event, func()) { return s.hub.add() }

// Status is a diagnostics snapshot for the debug endpoint.
type Status struct {
	State         session.State `json:"state"`
	Call          *session.Call `json:"call,omitempty"`
	Links         int           `json:"links"`
	SignalHealthy bool          `json:"signalHealthy"`
	AudioEnabled  bool          `json:"audioEnabled"`
	VideoEnabled  bool          `json:"videoEnabled"`
}

// Status reports the current call state.
func (s *Service) Status() Status {
	st := Status{
		State:         s.machine.State(),
		Links:         s.links.Len(),
		SignalHealthy: s.sig.IsHealthy(),
	}
	if c, ok := s.machine.Current(); ok {
		st.Call = &c
	}
	s.mu.Lock()
	if s.bundle != nil {
		st.AudioEnabled = s.bundle.AudioEnabled()
		st.VideoEnabled = s.bundle.VideoEnabled()
	}
	s.mu.Unlock()
	return st
}

// Close ends any live call and detaches the signaling handlers.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		_ = s.machine.End()
		for _, off := range s.offs {
			off()
		}
	})
}

// ── session.Actions ──

// SignalInitiate sends call:initiate with a delivery ack so an unroutable
// callee fails fast instead of ringing into the void.
func (s *Service) SignalInitiate(c session.Call) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply, err := s.sig.Emit(ctx, proto.EventCallInitiate, c.PeerID, c.ID, proto.CallInitiate{
		TargetUserID: c.PeerID,
		CallerID:     s.sig.LocalPeerID(),
		CallerName:   s.cfg.Identity.DisplayName,
		CallType:     c.Type,
		CallID:       c.ID,
	})
	if err != nil {
		return err
	}
	if !reply.OK {
		return errors.New("call: relay refused initiate: " + reply.Error)
	}
	return nil
}

func (s *Service) SignalAccept(c session.Call) error {
	return s.sig.Send(proto.EventCallAccept, c.PeerID, c.ID, proto.CallAccept{
		CallerID: c.PeerID,
		CalleeID: s.sig.LocalPeerID(),
		CallID:   c.ID,
	})
}

func (s *Service) SignalReject(c session.Call, reason proto.EndReason) error {
	return s.sig.Send(proto.EventCallReject, c.PeerID, c.ID, proto.CallReject{
		CallerID: c.PeerID,
		CalleeID: s.sig.LocalPeerID(),
		CallID:   c.ID,
		Reason:   reason,
	})
}

func (s *Service) SignalEnd(c session.Call) error {
	return s.sig.Send(proto.EventCallEnd, c.PeerID, c.ID, proto.CallEnd{
		UserID: s.sig.LocalPeerID(),
		CallID: c.ID,
	})
}

// SetupCall captures local media and builds the peer link. Missing
// capture hardware degrades to receive-only instead of failing the call;
// every other media error aborts.
func (s *Service) SetupCall(c session.Call) error {
	bundle, err := s.acq.Acquire(context.Background(), media.Request{Video: c.Type == proto.CallTypeVideo})
	if err != nil {
		if media.ClassOf(err) != media.ClassDeviceNotFound {
			return err
		}
		log.Warnw("no capture devices, joining receive-only", "call", c.ID, "err", err)
		bundle = nil
	}

	link, err := peer.NewLink(s.cfg.ICE, bundle, c.PeerID, c.ID, c.Outbound, s, peer.Events{
		OnStateChange: func(st webrtc.ICEConnectionState) {
			go s.machine.HandleLinkState(st)
		},
		OnRemoteTrack: func(rt *peer.RemoteTrack) {
			s.mu.Lock()
			s.remote = append(s.remote, rt)
			s.mu.Unlock()
			s.hub.broadcast(Event{Type: EventRemoteTrack, Call: c, TrackKind: rt.Kind().String()})
			go s.machine.HandleRemoteStream()
		},
	})
	if err != nil {
		if bundle != nil {
			bundle.Release()
		}
		return err
	}

	s.mu.Lock()
	s.bundle = bundle
	s.mu.Unlock()
	s.links.Put(link)

	if c.Outbound {
		return link.SendOffer()
	}
	return s.replayHeld(link, c)
}

// replayHeld applies negotiation traffic that raced ahead of the local
// accept. A held initial offer that cannot be applied fails the setup;
// candidates stay tolerant like everywhere else.
func (s *Service) replayHeld(link *peer.Link, c session.Call) error {
	s.mu.Lock()
	offer := s.heldOffer
	cands := s.heldCands
	s.heldOffer = nil
	s.heldCands = nil
	s.mu.Unlock()

	if offer != nil && offer.callID == c.ID {
		if err := link.HandleRemoteOffer(offer.from, offer.callID, offer.sdp); err != nil {
			return fmt.Errorf("held offer: %w", err)
		}
	}
	for _, hc := range cands {
		if hc.callID != c.ID {
			continue
		}
		if err := link.HandleRemoteCandidate(hc.from, hc.callID, hc.cand); err != nil {
			log.Debugw("held candidate dropped", "from", hc.from, "err", err)
		}
	}
	return nil
}

// TeardownCall releases links and capture. Idempotent.
func (s *Service) TeardownCall(c session.Call) {
	s.links.Clear()
	s.mu.Lock()
	bundle := s.bundle
	s.bundle = nil
	s.remote = nil
	s.heldOffer = nil
	s.heldCands = nil
	s.mu.Unlock()
	if bundle != nil {
		bundle.Release()
	}
}

func (s *Service) StateChanged(c session.Call, st session.State) {
	s.hub.broadcast(Event{Type: EventStateChanged, Call: c, State: st})
}

func (s *Service) CallEnded(c session.Call, reason proto.EndReason) {
	s.hub.broadcast(Event{Type: EventEnded, Call: c, Reason: reason})
}

// ── peer.Sender ──

func (s *Service) SendOffer(to, callID, sdp string) error {
	return s.sig.Send(proto.EventOffer, to, callID, proto.SDP{
		From: s.sig.LocalPeerID(), To: to, SDP: sdp, Type: "offer",
	})
}

func (s *Service) SendAnswer(to, callID, sdp string) error {
	return s.sig.Send(proto.EventAnswer, to, callID, proto.SDP{
		From: s.sig.LocalPeerID(), To: to, SDP: sdp, Type: "answer",
	})
}

func (s *Service) SendCandidate(to, callID string, cand webrtc.ICECandidateInit) error {
	p := proto.ICECandidate{From: s.sig.LocalPeerID(), To: to, Candidate: cand.Candidate}
	if cand.SDPMid != nil {
		p.SDPMid = *cand.SDPMid
	}
	if cand.SDPMLineIndex != nil {
		p.SDPMLine = *cand.SDPMLineIndex
	}
	return s.sig.Send(proto.EventICECandidate, to, callID, p)
}

// ── inbound signaling handlers ──

func (s *Service) onIncoming(env *proto.Envelope) {
	var p proto.CallIncoming
	if !decode(env, &p) {
		return
	}
	if err := s.machine.HandleIncoming(p.CallerID, p.CallerName, p.CallType, p.CallID); err != nil {
		log.Debugw("incoming dropped", "call", p.CallID, "err", err)
		return
	}
	if c, ok := s.machine.Current(); ok && c.ID == p.CallID {
		s.hub.broadcast(Event{Type: EventIncoming, Call: c})
	}
}

func (s *Service) onAccept(env *proto.Envelope) {
	if err := s.machine.HandleRemoteAccept(env.From, env.CallID); err != nil {
		log.Debugw("accept dropped", "from", env.From, "call", env.CallID, "err", err)
	}
}

func (s *Service) onReject(env *proto.Envelope) {
	var p proto.CallReject
	if !decode(env, &p) {
		return
	}
	if err := s.machine.HandleRemoteReject(env.From, env.CallID, p.Reason); err != nil {
		log.Debugw("reject dropped", "from", env.From, "call", env.CallID, "err", err)
	}
}

func (s *Service) onEnd(env *proto.Envelope) {
	if err := s.machine.HandleRemoteEnd(env.From, env.CallID, ""); err != nil {
		log.Debugw("end dropped", "from", env.From, "call", env.CallID, "err", err)
	}
}

func (s *Service) onEnded(env *proto.Envelope) {
	var p proto.CallEnded
	if !decode(env, &p) {
		return
	}
	if err := s.machine.HandleRemoteEnd(env.From, p.CallID, p.Reason); err != nil {
		log.Debugw("ended dropped", "call", p.CallID, "err", err)
	}
}

func (s *Service) onOffer(env *proto.Envelope) {
	var p proto.SDP
	if !decode(env, &p) {
		return
	}
	l := s.links.Get(env.From)
	if l == nil {
		// The caller's offer legitimately beats the local accept; hold it
		// for replay once the answerer link exists.
		if s.ringingFrom(env) {
			s.mu.Lock()
			s.heldOffer = &heldSDP{from: env.From, callID: env.CallID, sdp: p.SDP}
			s.mu.Unlock()
			log.Debugw("offer held until accept", "from", env.From, "call", env.CallID)
			return
		}
		log.Debugw("offer with no link", "from", env.From, "call", env.CallID)
		return
	}
	if err := l.HandleRemoteOffer(env.From, env.CallID, p.SDP); err != nil {
		log.Debugw("offer dropped", "from", env.From, "call", env.CallID, "err", err)
	}
}

// ringingFrom reports whether env belongs to the not-yet-accepted
// incoming call, i.e. negotiation traffic racing ahead of the accept.
func (s *Service) ringingFrom(env *proto.Envelope) bool {
	c, ok := s.machine.Current()
	return ok && !c.Outbound && c.ID == env.CallID && c.PeerID == env.From
}

func (s *Service) onAnswer(env *proto.Envelope) {
	var p proto.SDP
	if !decode(env, &p) {
		return
	}
	l := s.links.Get(env.From)
	if l == nil {
		log.Debugw("answer with no link", "from", env.From, "call", env.CallID)
		return
	}
	if err := l.HandleRemoteAnswer(env.From, env.CallID, p.SDP); err != nil {
		log.Debugw("answer dropped", "from", env.From, "call", env.CallID, "err", err)
	}
}

func (s *Service) onCandidate(env *proto.Envelope) {
	var p proto.ICECandidate
	if !decode(env, &p) {
		return
	}
	mid, line := p.SDPMid, p.SDPMLine
	cand := webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &line,
	}

	l := s.links.Get(env.From)
	if l == nil {
		if s.ringingFrom(env) {
			s.mu.Lock()
			s.heldCands = append(s.heldCands, heldCandidate{from: env.From, callID: env.CallID, cand: cand})
			s.mu.Unlock()
			return
		}
		log.Debugw("candidate with no link", "from", env.From, "call", env.CallID)
		return
	}
	if err := l.HandleRemoteCandidate(env.From, env.CallID, cand); err != nil {
		log.Debugw("candidate dropped", "from", env.From, "call", env.CallID, "err", err)
	}
}

func decode(env *proto.Envelope, dst any) bool {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		log.Debugw("malformed payload", "event", env.Event, "err", err)
		return false
	}
	return true
}
