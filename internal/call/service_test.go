package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/callkit/internal/config"
	"github.com/parleyhq/callkit/internal/media"
	"github.com/parleyhq/callkit/internal/peer"
	"github.com/parleyhq/callkit/internal/proto"
	"github.com/parleyhq/callkit/internal/session"
)

type sentMsg struct {
	event   string
	to      string
	callID  string
	payload []byte
}

// fakeSignaler records outbound traffic and lets tests inject inbound
// envelopes straight into the service's handlers.
type fakeSignaler struct {
	mu       sync.Mutex
	handlers map[string]func(*proto.Envelope)
	sent     []sentMsg
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{handlers: make(map[string]func(*proto.Envelope))}
}

func (f *fakeSignaler) Send(event, to, callID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentMsg{event, to, callID, raw})
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) Emit(ctx context.Context, event, to, callID string, payload any) (*proto.AckReply, error) {
	if err := f.Send(event, to, callID, payload); err != nil {
		return nil, err
	}
	return &proto.AckReply{Ack: "a", OK: true, TS: proto.NowMillis()}, nil
}

func (f *fakeSignaler) On(event string, h func(*proto.Envelope)) func() {
	f.mu.Lock()
	f.handlers[event] = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.handlers, event)
		f.mu.Unlock()
	}
}

func (f *fakeSignaler) LocalPeerID() string { return "alice" }
func (f *fakeSignaler) IsHealthy() bool     { return true }

func (f *fakeSignaler) deliver(t *testing.T, event, from, callID string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	require.NotNil(t, h, "no handler for %s", event)
	h(&proto.Envelope{Event: event, From: from, CallID: callID, Payload: raw})
}

func (f *fakeSignaler) sentByEvent(event string) []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMsg
	for _, m := range f.sent {
		if m.event == event {
			out = append(out, m)
		}
	}
	return out
}

// noDeviceAcquirer forces the receive-only path so tests never touch
// capture hardware.
type noDeviceAcquirer struct{}

func (noDeviceAcquirer) Acquire(context.Context, media.Request) (*media.Bundle, error) {
	return nil, &media.Error{Class: media.ClassDeviceNotFound, Err: context.Canceled}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ICE.STUNURLs = nil // keep tests offline
	cfg.Identity.DisplayName = "Alice"
	return cfg
}

func newTestService(t *testing.T) (*Service, *fakeSignaler) {
	t.Helper()
	sig := newFakeSignaler()
	svc := NewService(testConfig(), sig, noDeviceAcquirer{})
	t.Cleanup(svc.Close)
	return svc, sig
}

func waitEvent(t *testing.T, ch <-chan Event, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestCalleeFlow(t *testing.T) {
	svc, sig := newTestService(t)
	events, cancel := svc.Listen()
	defer cancel()

	sig.deliver(t, proto.EventCallIncoming, "bob", "call-1", proto.CallIncoming{
		CallerID: "bob", CallerName: "Bob", CallType: proto.CallTypeVideo, CallID: "call-1",
	})

	ev := waitEvent(t, events, EventIncoming)
	assert.Equal(t, "bob", ev.Call.PeerID)
	assert.Equal(t, session.StateIncoming, svc.Status().State)

	require.NoError(t, svc.AcceptCall())
	// Accepted but no remote stream yet, so the session is still pending.
	assert.Equal(t, session.StateIncoming, svc.Status().State)
	assert.Equal(t, 1, svc.Status().Links)

	accepts := sig.sentByEvent(proto.EventCallAccept)
	require.Len(t, accepts, 1)
	var p proto.CallAccept
	require.NoError(t, json.Unmarshal(accepts[0].payload, &p))
	assert.Equal(t, "alice", p.CalleeID)
	assert.Equal(t, "bob", p.CallerID)
	assert.Equal(t, "call-1", p.CallID)

	sig.deliver(t, proto.EventCallEnd, "bob", "call-1", proto.CallEnd{UserID: "bob", CallID: "call-1"})

	ev = waitEvent(t, events, EventEnded)
	assert.Equal(t, proto.ReasonCompleted, ev.Reason)
	assert.Equal(t, session.StateIdle, svc.Status().State)
	assert.Equal(t, 0, svc.Status().Links)
	// Remote hangup must not be echoed back.
	assert.Empty(t, sig.sentByEvent(proto.EventCallEnd))
}

// remoteSender collects the negotiation traffic a simulated far end
// produces.
type remoteSender struct {
	mu     sync.Mutex
	offers []string
}

func (r *remoteSender) SendOffer(to, callID, sdp string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers = append(r.offers, sdp)
	return nil
}

func (r *remoteSender) SendAnswer(string, string, string) error { return nil }

func (r *remoteSender) SendCandidate(string, string, webrtc.ICECandidateInit) error { return nil }

func TestOfferWhileRingingHeldUntilAccept(t *testing.T) {
	svc, sig := newTestService(t)

	// A far end that already built its offerer link, the way a caller
	// does at initiate time.
	rs := &remoteSender{}
	remote, err := peer.NewLink(testConfig().ICE, nil, "alice", "call-1", true, rs, peer.Events{})
	require.NoError(t, err)
	t.Cleanup(remote.Teardown)
	require.NoError(t, remote.SendOffer())

	sig.deliver(t, proto.EventCallIncoming, "bob", "call-1", proto.CallIncoming{
		CallerID: "bob", CallerName: "Bob", CallType: proto.CallTypeVideo, CallID: "call-1",
	})
	sig.deliver(t, proto.EventOffer, "bob", "call-1", proto.SDP{
		From: "bob", To: "alice", SDP: rs.offers[0], Type: "offer",
	})

	// Nothing is answered while the callee still rings.
	assert.Empty(t, sig.sentByEvent(proto.EventAnswer))

	require.NoError(t, svc.AcceptCall())

	answers := sig.sentByEvent(proto.EventAnswer)
	require.Len(t, answers, 1)
	var ans proto.SDP
	require.NoError(t, json.Unmarshal(answers[0].payload, &ans))
	assert.Equal(t, "alice", ans.From)
	assert.Equal(t, "bob", ans.To)
	assert.Equal(t, "answer", ans.Type)
	assert.NotEmpty(t, ans.SDP)
}

func TestCallerFlow(t *testing.T) {
	svc, sig := newTestService(t)
	events, cancel := svc.Listen()
	defer cancel()

	c, err := svc.InitiateCall("bob", "Bob", proto.CallTypeVideo)
	require.NoError(t, err)
	assert.Equal(t, session.StateOutgoing, svc.Status().State)
	assert.Equal(t, 1, svc.Status().Links)

	initiates := sig.sentByEvent(proto.EventCallInitiate)
	require.Len(t, initiates, 1)
	var init proto.CallInitiate
	require.NoError(t, json.Unmarshal(initiates[0].payload, &init))
	assert.Equal(t, "bob", init.TargetUserID)
	assert.Equal(t, "alice", init.CallerID)
	assert.Equal(t, "Alice", init.CallerName)
	assert.Equal(t, c.ID, init.CallID)

	// The initial offer goes out at initiate time, while the callee rings.
	offers := sig.sentByEvent(proto.EventOffer)
	require.Len(t, offers, 1)

	sig.deliver(t, proto.EventCallAccept, "bob", c.ID, proto.CallAccept{
		CallerID: "alice", CalleeID: "bob", CallID: c.ID,
	})
	// Still outgoing until the remote stream arrives.
	assert.Equal(t, session.StateOutgoing, svc.Status().State)

	var offer proto.SDP
	require.NoError(t, json.Unmarshal(offers[0].payload, &offer))
	assert.Equal(t, "alice", offer.From)
	assert.Equal(t, "bob", offer.To)
	assert.Equal(t, "offer", offer.Type)
	assert.NotEmpty(t, offer.SDP)

	require.NoError(t, svc.EndCall())
	waitEvent(t, events, EventEnded)
	assert.Len(t, sig.sentByEvent(proto.EventCallEnd), 1)
}

func TestBusySecondCaller(t *testing.T) {
	svc, sig := newTestService(t)

	_, err := svc.InitiateCall("bob", "Bob", proto.CallTypeAudio)
	require.NoError(t, err)

	sig.deliver(t, proto.EventCallIncoming, "carol", "call-9", proto.CallIncoming{
		CallerID: "carol", CallType: proto.CallTypeAudio, CallID: "call-9",
	})

	rejects := sig.sentByEvent(proto.EventCallReject)
	require.Len(t, rejects, 1)
	var p proto.CallReject
	require.NoError(t, json.Unmarshal(rejects[0].payload, &p))
	assert.Equal(t, proto.ReasonBusy, p.Reason)
	assert.Equal(t, "call-9", p.CallID)

	// The original outgoing call is untouched.
	assert.Equal(t, session.StateOutgoing, svc.Status().State)
}

func TestRemoteRejectReachesUI(t *testing.T) {
	svc, sig := newTestService(t)
	events, cancel := svc.Listen()
	defer cancel()

	c, err := svc.InitiateCall("bob", "Bob", proto.CallTypeAudio)
	require.NoError(t, err)

	sig.deliver(t, proto.EventCallReject, "bob", c.ID, proto.CallReject{
		CallerID: "alice", CalleeID: "bob", CallID: c.ID, Reason: proto.ReasonBusy,
	})

	ev := waitEvent(t, events, EventEnded)
	assert.Equal(t, proto.ReasonBusy, ev.Reason)
	assert.Equal(t, session.StateIdle, svc.Status().State)
}

func TestStaleNegotiationMessagesIgnored(t *testing.T) {
	svc, sig := newTestService(t)

	sig.deliver(t, proto.EventCallIncoming, "bob", "call-1", proto.CallIncoming{
		CallerID: "bob", CallType: proto.CallTypeVideo, CallID: "call-1",
	})
	require.NoError(t, svc.AcceptCall())

	// Negotiation traffic from a third party or another call is dropped.
	sig.deliver(t, proto.EventOffer, "mallory", "call-1", proto.SDP{From: "mallory", To: "alice", SDP: "v=0", Type: "offer"})
	sig.deliver(t, proto.EventICECandidate, "bob", "call-2", proto.ICECandidate{From: "bob", To: "alice", Candidate: "candidate:1 1 UDP 2122252543 127.0.0.1 54321 typ host"})

	assert.Equal(t, session.StateIncoming, svc.Status().State)
	assert.Empty(t, sig.sentByEvent(proto.EventAnswer))
}

func TestTogglesWithoutMedia(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ToggleAudio()
	require.ErrorIs(t, err, ErrNoMedia)
	_, err = svc.ToggleVideo()
	require.ErrorIs(t, err, ErrNoMedia)
}

func TestStatusIdle(t *testing.T) {
	svc, _ := newTestService(t)
	st := svc.Status()
	assert.Equal(t, session.StateIdle, st.State)
	assert.Nil(t, st.Call)
	assert.True(t, st.SignalHealthy)
}
