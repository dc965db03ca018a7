package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/callkit/internal/config"
	"github.com/parleyhq/callkit/internal/proto"
)

func newTestRelay(t *testing.T, secret string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(config.Relay{JWTSecret: secret}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, peerID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"X-Peer-ID": []string{peerID}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, env *proto.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *proto.Envelope {
	t.Helper()
	var env proto.Envelope
	require.NoError(t, json.Unmarshal(readFrame(t, conn), &env))
	return &env
}

func readAck(t *testing.T, conn *websocket.Conn) *proto.AckReply {
	t.Helper()
	var reply proto.AckReply
	require.NoError(t, json.Unmarshal(readFrame(t, conn), &reply))
	require.NotEmpty(t, reply.Ack)
	return &reply
}

func TestInitiateRoutedAsIncoming(t *testing.T) {
	srv := newTestRelay(t, "")
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	env, err := proto.Marshal(proto.EventCallInitiate, "bob", "call-1", proto.CallInitiate{
		TargetUserID: "bob", CallerID: "alice", CallerName: "Alice", CallType: proto.CallTypeVideo, CallID: "call-1",
	})
	require.NoError(t, err)
	env.Ack = "ack-1"
	send(t, alice, env)

	got := readEnvelope(t, bob)
	assert.Equal(t, proto.EventCallIncoming, got.Event)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "call-1", got.CallID)

	var p proto.CallIncoming
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	assert.Equal(t, "alice", p.CallerID)
	assert.Equal(t, "Alice", p.CallerName)
	assert.Equal(t, proto.CallTypeVideo, p.CallType)

	reply := readAck(t, alice)
	assert.True(t, reply.OK)
}

func TestInitiateToOfflinePeerFailsAck(t *testing.T) {
	srv := newTestRelay(t, "")
	alice := dial(t, srv, "alice")

	env, err := proto.Marshal(proto.EventCallInitiate, "ghost", "call-1", proto.CallInitiate{
		TargetUserID: "ghost", CallerID: "alice", CallType: proto.CallTypeAudio, CallID: "call-1",
	})
	require.NoError(t, err)
	env.Ack = "ack-1"
	send(t, alice, env)

	reply := readAck(t, alice)
	assert.False(t, reply.OK)
	assert.Equal(t, "target offline", reply.Error)
}

func TestFromIsStampedNotTrusted(t *testing.T) {
	srv := newTestRelay(t, "")
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	env, err := proto.Marshal(proto.EventOffer, "bob", "call-1", proto.SDP{
		From: "mallory", To: "bob", SDP: "v=0", Type: "offer",
	})
	require.NoError(t, err)
	env.From = "mallory"
	send(t, alice, env)

	got := readEnvelope(t, bob)
	assert.Equal(t, proto.EventOffer, got.Event)
	// The envelope sender is the authenticated identity, whatever the
	// client claimed.
	assert.Equal(t, "alice", got.From)
}

func TestEndFansOutToBothParties(t *testing.T) {
	srv := newTestRelay(t, "")
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	env, err := proto.Marshal(proto.EventCallEnd, "bob", "call-1", proto.CallEnd{
		UserID: "alice", CallID: "call-1",
	})
	require.NoError(t, err)
	send(t, alice, env)

	for _, conn := range []*websocket.Conn{bob, alice} {
		got := readEnvelope(t, conn)
		assert.Equal(t, proto.EventCallEnded, got.Event)
		var p proto.CallEnded
		require.NoError(t, json.Unmarshal(got.Payload, &p))
		assert.Equal(t, "call-1", p.CallID)
		assert.Equal(t, proto.ReasonCompleted, p.Reason)
	}
}

func TestPingAcked(t *testing.T) {
	srv := newTestRelay(t, "")
	alice := dial(t, srv, "alice")

	env, err := proto.Marshal(proto.EventPing, "", "", proto.Ping{Seq: 1, TS: proto.NowMillis()})
	require.NoError(t, err)
	env.Ack = "hb-1"
	send(t, alice, env)

	reply := readAck(t, alice)
	assert.True(t, reply.OK)
	assert.Equal(t, "hb-1", reply.Ack)
}

func TestJWTAuth(t *testing.T) {
	const secret = "test-secret"
	srv := newTestRelay(t, secret)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	t.Run("missing token rejected", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid token accepted and identity bound", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, &peerClaims{UserID: "alice"})
		signed, err := token.SignedString([]byte(secret))
		require.NoError(t, err)

		header := http.Header{"Authorization": []string{"Bearer " + signed}}
		conn, _, err := websocket.DefaultDialer.Dial(url, header)
		require.NoError(t, err)
		defer conn.Close()

		env, err := proto.Marshal(proto.EventPing, "", "", proto.Ping{Seq: 1})
		require.NoError(t, err)
		env.Ack = "hb"
		send(t, conn, env)
		assert.True(t, readAck(t, conn).OK)
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, &peerClaims{UserID: "alice"})
		signed, err := token.SignedString([]byte("other-secret"))
		require.NoError(t, err)

		header := http.Header{"Authorization": []string{"Bearer " + signed}}
		_, resp, err := websocket.DefaultDialer.Dial(url, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}
