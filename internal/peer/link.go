// Package peer owns the WebRTC side of a call: one Link per remote
// participant, wrapping a pion PeerConnection with offer/answer/candidate
// plumbing. Links never touch the signaling transport directly; outbound
// negotiation messages go through the Sender seam so the wiring (and the
// tests) stay in control of delivery.
package peer

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/parleyhq/callkit/internal/config"
	"github.com/parleyhq/callkit/internal/media"
)

var log = logging.Logger("peer")

// ErrStaleMessage marks a negotiation message that does not belong to this
// link (wrong sender or wrong call). Callers drop these.
var ErrStaleMessage = errors.New("peer: message for another peer or call")

const pliInterval = 3 * time.Second

// Sender delivers outbound negotiation messages for one link.
type Sender interface {
	SendOffer(to, callID, sdp string) error
	SendAnswer(to, callID, sdp string) error
	SendCandidate(to, callID string, cand webrtc.ICECandidateInit) error
}

// RemoteTrack is an inbound media track surfaced to the session layer.
type RemoteTrack struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// Kind reports audio or video.
func (rt *RemoteTrack) Kind() webrtc.RTPCodecType { return rt.Track.Kind() }

// Events are the link's upward callbacks. All optional.
type Events struct {
	// OnRemoteTrack fires once per inbound track.
	OnRemoteTrack func(*RemoteTrack)

	// OnStateChange reports ICE connection state transitions.
	OnStateChange func(webrtc.ICEConnectionState)

	// OnRTP receives every inbound packet. When nil the link still drains
	// the track so receiver buffers never back up.
	OnRTP func(*RemoteTrack, *rtp.Packet)
}

// Link is one negotiated connection to one remote peer within one call.
type Link struct {
	RemoteID string
	CallID   string

	pc      *webrtc.PeerConnection
	sender  Sender
	events  Events
	offerer bool

	mu            sync.Mutex
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit

	negotiating atomic.Bool
	closeOnce   sync.Once
	closed      chan struct{}
}

// NewLink builds the PeerConnection for one remote peer. bundle may be
// nil (receive-only); when present its tracks are attached and its codec
// selector populates the media engine so capture and transport agree on
// codecs. offerer marks the side that creates offers, including
// renegotiation offers.
func NewLink(cfg config.ICE, bundle *media.Bundle, remoteID, callID string, offerer bool, sender Sender, events Events) (*Link, error) {
	api, err := newAPI(cfg, bundle)
	if err != nil {
		return nil, err
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(cfg)})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	l := &Link{
		RemoteID: remoteID,
		CallID:   callID,
		pc:       pc,
		sender:   sender,
		events:   events,
		offerer:  offerer,
		closed:   make(chan struct{}),
	}

	if err := l.attachMedia(bundle); err != nil {
		pc.Close()
		return nil, err
	}
	l.setupCallbacks()
	return l, nil
}

// newAPI assembles the pion API: media engine (from the capture codec
// selector when there is one), default interceptors, and ICE timeouts wide
// enough that a short relay hiccup does not kill the call.
func newAPI(cfg config.ICE, bundle *media.Bundle) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if bundle != nil && bundle.Selector != nil {
		bundle.Selector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(
		time.Duration(cfg.DisconnectedTimeoutSec)*time.Second,
		time.Duration(cfg.FailedTimeoutSec)*time.Second,
		time.Duration(cfg.KeepAliveIntervalSec)*time.Second,
	)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

func iceServers(cfg config.ICE) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(cfg.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNURLs})
	}
	if cfg.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{cfg.TURNURL},
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNCredential,
		})
	}
	return servers
}

// attachMedia adds local tracks, then fills in recvonly transceivers for
// any kind without a local track so the SDP always carries valid audio and
// video m-lines.
func (l *Link) attachMedia(bundle *media.Bundle) error {
	haveVideo, haveAudio := false, false
	if bundle != nil {
		for _, t := range bundle.Tracks() {
			if _, err := l.pc.AddTrack(t); err != nil {
				return fmt.Errorf("add track: %w", err)
			}
			switch t.Kind() {
			case webrtc.RTPCodecTypeVideo:
				haveVideo = true
			case webrtc.RTPCodecTypeAudio:
				haveAudio = true
			}
		}
	}
	if !haveVideo {
		if _, err := l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	if !haveAudio {
		if _, err := l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	return nil
}

func (l *Link) setupCallbacks() {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := l.sender.SendCandidate(l.RemoteID, l.CallID, c.ToJSON()); err != nil {
			log.Debugw("send candidate", "to", l.RemoteID, "err", err)
		}
	})

	l.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Infow("ice state", "peer", l.RemoteID, "call", l.CallID, "state", state)
		if l.events.OnStateChange != nil {
			l.events.OnStateChange(state)
		}
	})

	l.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		rt := &RemoteTrack{Track: track, Receiver: receiver}
		log.Infow("remote track", "peer", l.RemoteID, "kind", track.Kind(), "codec", track.Codec().MimeType)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go l.keyframeLoop(track)
		}
		go l.readLoop(rt)
		if l.events.OnRemoteTrack != nil {
			l.events.OnRemoteTrack(rt)
		}
	})

	// Renegotiation (adding tracks mid-call) is driven by the offerer only;
	// the answerer reacting too would glare. The initial offer goes out
	// explicitly, so this stays quiet until the first exchange completed.
	l.pc.OnNegotiationNeeded(func() {
		if !l.offerer {
			return
		}
		l.mu.Lock()
		initial := !l.remoteDescSet
		l.mu.Unlock()
		if initial {
			return
		}
		if !l.negotiating.CompareAndSwap(false, true) {
			return
		}
		defer l.negotiating.Store(false)
		if l.pc.SignalingState() != webrtc.SignalingStateStable {
			return
		}
		if err := l.SendOffer(); err != nil {
			log.Warnw("renegotiation offer", "peer", l.RemoteID, "err", err)
		}
	})
}

// keyframeLoop nudges the sender with PLI so freshly attached viewers get
// a decodable frame promptly.
func (l *Link) keyframeLoop(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.closed:
			return
		case <-ticker.C:
			err := l.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

// readLoop drains inbound RTP, forwarding to OnRTP when set. Without a
// drain the receiver's jitter buffer fills and the track stalls.
func (l *Link) readLoop(rt *RemoteTrack) {
	for {
		pkt, _, err := rt.Track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugw("rtp read", "peer", l.RemoteID, "err", err)
			}
			return
		}
		if l.events.OnRTP != nil {
			l.events.OnRTP(rt, pkt)
		}
	}
}

// SendOffer creates and sends an offer to the remote peer.
func (l *Link) SendOffer() error {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return l.sender.SendOffer(l.RemoteID, l.CallID, offer.SDP)
}

// HandleRemoteOffer applies the remote offer, replays any buffered
// candidates, and sends back an answer. Messages from the wrong peer or
// call are rejected with ErrStaleMessage.
func (l *Link) HandleRemoteOffer(from, callID, sdp string) error {
	if err := l.guard(from, callID); err != nil {
		return err
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	l.flushCandidates()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return l.sender.SendAnswer(from, callID, answer.SDP)
}

// HandleRemoteAnswer applies the remote answer. A duplicate answer while
// already stable is tolerated and dropped, since relays may redeliver.
func (l *Link) HandleRemoteAnswer(from, callID, sdp string) error {
	if err := l.guard(from, callID); err != nil {
		return err
	}
	if l.pc.SignalingState() == webrtc.SignalingStateStable {
		log.Debugw("duplicate answer dropped", "peer", from, "call", callID)
		return nil
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	l.flushCandidates()
	return nil
}

// HandleRemoteCandidate adds a trickled candidate. Candidates racing
// ahead of the session description are buffered and replayed once the
// remote description lands.
func (l *Link) HandleRemoteCandidate(from, callID string, cand webrtc.ICECandidateInit) error {
	if err := l.guard(from, callID); err != nil {
		return err
	}

	l.mu.Lock()
	if !l.remoteDescSet {
		l.pending = append(l.pending, cand)
		n := len(l.pending)
		l.mu.Unlock()
		log.Debugw("candidate buffered", "peer", from, "buffered", n)
		return nil
	}
	l.mu.Unlock()

	if err := l.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// PendingCandidates reports how many candidates wait for the remote
// description.
func (l *Link) PendingCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Link) flushCandidates() {
	l.mu.Lock()
	l.remoteDescSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, cand := range pending {
		if err := l.pc.AddICECandidate(cand); err != nil {
			log.Warnw("flush candidate", "peer", l.RemoteID, "err", err)
		}
	}
	if len(pending) > 0 {
		log.Debugw("flushed buffered candidates", "peer", l.RemoteID, "count", len(pending))
	}
}

func (l *Link) guard(from, callID string) error {
	if from != l.RemoteID || callID != l.CallID {
		return fmt.Errorf("%w: from=%s call=%s (want %s/%s)", ErrStaleMessage, from, callID, l.RemoteID, l.CallID)
	}
	return nil
}

// ICEConnectionState returns the current ICE state.
func (l *Link) ICEConnectionState() webrtc.ICEConnectionState {
	return l.pc.ICEConnectionState()
}

// SignalingState returns the current signaling state.
func (l *Link) SignalingState() webrtc.SignalingState {
	return l.pc.SignalingState()
}

// Teardown closes the connection. Idempotent; safe from any goroutine.
func (l *Link) Teardown() {
	l.closeOnce.Do(func() {
		close(l.closed)
		if err := l.pc.Close(); err != nil {
			log.Debugw("pc close", "peer", l.RemoteID, "err", err)
		}
		log.Infow("link torn down", "peer", l.RemoteID, "call", l.CallID)
	})
}
