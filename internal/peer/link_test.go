package peer

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/callkit/internal/config"
)

// recordingSender captures outbound negotiation messages instead of
// putting them on a wire.
type recordingSender struct {
	mu         sync.Mutex
	offers     []string
	answers    []string
	candidates []webrtc.ICECandidateInit
}

func (s *recordingSender) SendOffer(to, callID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, sdp)
	return nil
}

func (s *recordingSender) SendAnswer(to, callID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, sdp)
	return nil
}

func (s *recordingSender) SendCandidate(to, callID string, cand webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, cand)
	return nil
}

func (s *recordingSender) lastOffer(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.offers)
	return s.offers[len(s.offers)-1]
}

func (s *recordingSender) lastAnswer(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.answers)
	return s.answers[len(s.answers)-1]
}

// testICE avoids external STUN so tests stay offline.
func testICE() config.ICE {
	return config.ICE{
		DisconnectedTimeoutSec: 5,
		FailedTimeoutSec:       10,
		KeepAliveIntervalSec:   2,
	}
}

func newTestLink(t *testing.T, remoteID, callID string, offerer bool, sender Sender) *Link {
	t.Helper()
	l, err := NewLink(testICE(), nil, remoteID, callID, offerer, sender, Events{})
	require.NoError(t, err)
	t.Cleanup(l.Teardown)
	return l
}

const testCandidate = "candidate:1 1 UDP 2122252543 127.0.0.1 54321 typ host"

func TestOfferAnswerExchange(t *testing.T) {
	callerOut := &recordingSender{}
	calleeOut := &recordingSender{}

	caller := newTestLink(t, "bob", "call-1", true, callerOut)
	callee := newTestLink(t, "alice", "call-1", false, calleeOut)

	require.NoError(t, caller.SendOffer())
	require.NoError(t, callee.HandleRemoteOffer("alice", "call-1", callerOut.lastOffer(t)))
	require.NoError(t, caller.HandleRemoteAnswer("bob", "call-1", calleeOut.lastAnswer(t)))

	assert.Equal(t, webrtc.SignalingStateStable, caller.SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, callee.SignalingState())
}

func TestDuplicateAnswerTolerated(t *testing.T) {
	callerOut := &recordingSender{}
	calleeOut := &recordingSender{}

	caller := newTestLink(t, "bob", "call-1", true, callerOut)
	callee := newTestLink(t, "alice", "call-1", false, calleeOut)

	require.NoError(t, caller.SendOffer())
	require.NoError(t, callee.HandleRemoteOffer("alice", "call-1", callerOut.lastOffer(t)))

	answer := calleeOut.lastAnswer(t)
	require.NoError(t, caller.HandleRemoteAnswer("bob", "call-1", answer))
	// Relay redelivery: second copy of the same answer must be a no-op.
	require.NoError(t, caller.HandleRemoteAnswer("bob", "call-1", answer))
}

func TestStaleMessagesRejected(t *testing.T) {
	l := newTestLink(t, "bob", "call-1", false, &recordingSender{})

	t.Run("wrong sender", func(t *testing.T) {
		err := l.HandleRemoteCandidate("mallory", "call-1", webrtc.ICECandidateInit{Candidate: testCandidate})
		require.ErrorIs(t, err, ErrStaleMessage)
	})

	t.Run("wrong call", func(t *testing.T) {
		err := l.HandleRemoteOffer("bob", "call-2", "v=0")
		require.ErrorIs(t, err, ErrStaleMessage)
		err = l.HandleRemoteAnswer("bob", "call-2", "v=0")
		require.ErrorIs(t, err, ErrStaleMessage)
	})
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	callerOut := &recordingSender{}
	calleeOut := &recordingSender{}

	caller := newTestLink(t, "bob", "call-1", true, callerOut)
	callee := newTestLink(t, "alice", "call-1", false, calleeOut)

	// Candidates race ahead of the offer.
	require.NoError(t, callee.HandleRemoteCandidate("alice", "call-1", webrtc.ICECandidateInit{Candidate: testCandidate}))
	require.NoError(t, callee.HandleRemoteCandidate("alice", "call-1", webrtc.ICECandidateInit{Candidate: testCandidate}))
	assert.Equal(t, 2, callee.PendingCandidates())

	require.NoError(t, caller.SendOffer())
	require.NoError(t, callee.HandleRemoteOffer("alice", "call-1", callerOut.lastOffer(t)))

	// The offer's arrival flushed the buffer.
	assert.Equal(t, 0, callee.PendingCandidates())

	// Late candidates now apply directly.
	require.NoError(t, callee.HandleRemoteCandidate("alice", "call-1", webrtc.ICECandidateInit{Candidate: testCandidate}))
	assert.Equal(t, 0, callee.PendingCandidates())
}

func TestTeardownIdempotent(t *testing.T) {
	l := newTestLink(t, "bob", "call-1", false, &recordingSender{})
	l.Teardown()
	l.Teardown()
}

func TestSetReplacesAndClears(t *testing.T) {
	s := NewSet()

	a := newTestLink(t, "bob", "call-1", true, &recordingSender{})
	b := newTestLink(t, "carol", "call-1", true, &recordingSender{})
	s.Put(a)
	s.Put(b)
	assert.Equal(t, 2, s.Len())
	assert.Same(t, a, s.Get("bob"))

	// Replacing a peer's link tears the old one down.
	a2 := newTestLink(t, "bob", "call-1", true, &recordingSender{})
	s.Put(a2)
	assert.Equal(t, 2, s.Len())
	assert.Same(t, a2, s.Get("bob"))

	s.Remove("carol")
	assert.Nil(t, s.Get("carol"))

	s.Clear()
	assert.Equal(t, 0, s.Len())
}
