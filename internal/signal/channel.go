// Package signal maintains the client side of the signaling channel: one
// logical duplex websocket connection to the relay, shared by every call
// attempt. The channel owns connect/reconnect/backoff and exposes typed
// send/receive of named events; call-level scoping happens in the session
// layer via per-call Subscriptions, never by tearing handlers off the
// shared channel.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/parleyhq/callkit/internal/proto"
)

var log = logging.Logger("signal")

// Channel-level errors. ErrNotConnected and ErrMissingIdentity are the
// ConnectionError class surfaced to Connect callers.
var (
	ErrMissingIdentity = errors.New("signal: missing local peer id")
	ErrNotConnected    = errors.New("signal: not connected")
	ErrAckTimeout      = errors.New("signal: ack timeout")
	ErrClosed          = errors.New("signal: channel closed")
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// Handler receives one inbound envelope. Handlers run sequentially in the
// read loop so envelopes for a given call are applied in receipt order;
// they must not block.
type Handler func(*proto.Envelope)

// Options configures a Channel. Zero values fall back to sane defaults.
type Options struct {
	URL            string
	Token          string
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
	Heartbeat      time.Duration
	MissedAckLimit int
	AckTimeout     time.Duration

	// Dial overrides the websocket dial for tests.
	Dial func(url string, header http.Header) (*websocket.Conn, error)
}

func (o *Options) withDefaults() {
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 500 * time.Millisecond
	}
	if o.ReconnectMax < o.ReconnectBase {
		o.ReconnectMax = 15 * time.Second
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 20 * time.Second
	}
	if o.MissedAckLimit <= 0 {
		o.MissedAckLimit = 3
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.Dial == nil {
		o.Dial = func(url string, header http.Header) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(url, header)
			return conn, err
		}
	}
}

// Health is a point-in-time snapshot of channel liveness.
type Health struct {
	Connected  bool          `json:"connected"`
	Attempt    int           `json:"attempt"`
	MissedAcks int           `json:"missed_acks"`
	LastRTT    time.Duration `json:"last_rtt"`
}

// Channel is the process-wide signaling connection. Exactly one per
// authenticated client session.
type Channel struct {
	opts        Options
	localPeerID string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool // explicit Disconnect — suppresses reconnection
	attempt   int
	reconnect *time.Timer
	sendCh    chan []byte
	connGen   int // invalidates pumps of a replaced connection

	handlersMu sync.RWMutex
	handlers   map[string]map[*Subscription]Handler

	ackMu      sync.Mutex
	acks       map[string]chan *proto.AckReply
	missedAcks int
	lastRTT    time.Duration
}

// New creates a disconnected Channel. Call Connect to bind an identity and
// open the transport.
func New(opts Options) *Channel {
	opts.withDefaults()
	return &Channel{
		opts:     opts,
		handlers: make(map[string]map[*Subscription]Handler),
		acks:     make(map[string]chan *proto.AckReply),
	}
}

// LocalPeerID returns the identity bound by Connect ("" before that).
func (c *Channel) LocalPeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localPeerID
}

// Connect binds localPeerID and opens the transport. Idempotent: when
// already connected it returns immediately, reusing the existing
// connection.
func (c *Channel) Connect(ctx context.Context, localPeerID string) error {
	if localPeerID == "" {
		return ErrMissingIdentity
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.localPeerID = localPeerID
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return fmt.Errorf("signal: connect: %w", err)
	}
	return nil
}

func (c *Channel) dial(ctx context.Context) error {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	header.Set("X-Peer-ID", c.localPeerID)

	conn, err := c.opts.Dial(c.opts.URL, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.connected = true
	c.attempt = 0
	c.connGen++
	gen := c.connGen
	c.sendCh = make(chan []byte, sendBufferSize)
	sendCh := c.sendCh
	c.mu.Unlock()

	c.ackMu.Lock()
	c.missedAcks = 0
	c.ackMu.Unlock()

	go c.readPump(conn, gen)
	go c.writePump(conn, gen, sendCh)

	log.Infow("connected", "peer", c.localPeerID, "url", c.opts.URL)
	return nil
}

// IsHealthy reports whether the transport currently reports itself
// connected.
func (c *Channel) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Health returns a liveness snapshot for diagnostics.
func (c *Channel) Health() Health {
	c.mu.Lock()
	connected, attempt := c.connected, c.attempt
	c.mu.Unlock()
	c.ackMu.Lock()
	missed, rtt := c.missedAcks, c.lastRTT
	c.ackMu.Unlock()
	return Health{Connected: connected, Attempt: attempt, MissedAcks: missed, LastRTT: rtt}
}

// Send transmits an envelope fire-and-forget. The envelope's From field is
// stamped with the local identity.
func (c *Channel) Send(event, to, callID string, payload any) error {
	env, err := proto.Marshal(event, to, callID, payload)
	if err != nil {
		return err
	}
	return c.enqueue(env)
}

// Emit transmits an envelope and waits for the relay's delivery
// acknowledgement, or fails with ErrAckTimeout.
func (c *Channel) Emit(ctx context.Context, event, to, callID string, payload any) (*proto.AckReply, error) {
	env, err := proto.Marshal(event, to, callID, payload)
	if err != nil {
		return nil, err
	}
	env.Ack = uuid.NewString()

	replyCh := make(chan *proto.AckReply, 1)
	c.ackMu.Lock()
	c.acks[env.Ack] = replyCh
	c.ackMu.Unlock()
	defer func() {
		c.ackMu.Lock()
		delete(c.acks, env.Ack)
		c.ackMu.Unlock()
	}()

	if err := c.enqueue(env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, ErrAckTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) enqueue(env *proto.Envelope) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	env.From = c.localPeerID
	sendCh := c.sendCh
	c.mu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case sendCh <- data:
		return nil
	default:
		return fmt.Errorf("signal: send buffer full (event %s)", env.Event)
	}
}

// Disconnect is the explicit, user-intent teardown: cancels pending
// reconnection, closes the transport and clears every registered handler.
// Only called on logout or session termination — transient drops go
// through the reconnect path instead.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closing = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(writeWait))
		conn.Close()
	}

	c.handlersMu.Lock()
	c.handlers = make(map[string]map[*Subscription]Handler)
	c.handlersMu.Unlock()

	log.Infow("disconnected", "peer", c.localPeerID)
}

// nextDelay computes the backoff for the given attempt:
// min(base * 1.5^attempt, max).
func (c *Channel) nextDelay(attempt int) time.Duration {
	d := time.Duration(float64(c.opts.ReconnectBase) * math.Pow(1.5, float64(attempt)))
	if d > c.opts.ReconnectMax {
		return c.opts.ReconnectMax
	}
	return d
}

// handleDrop is called by the pumps when the transport fails. Server-going-
// away closes reconnect immediately; network loss applies backoff.
func (c *Channel) handleDrop(gen int, err error) {
	c.mu.Lock()
	if gen != c.connGen || !c.connected {
		// A newer connection already took over.
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	if c.closing {
		c.mu.Unlock()
		return
	}

	serverInitiated := websocket.IsCloseError(err,
		websocket.CloseGoingAway, websocket.CloseServiceRestart)

	var delay time.Duration
	if serverInitiated {
		delay = 0
	} else {
		delay = c.nextDelay(c.attempt)
		c.attempt++
	}
	attempt := c.attempt
	c.reconnect = time.AfterFunc(delay, c.tryReconnect)
	c.mu.Unlock()

	log.Warnw("transport dropped", "err", err, "attempt", attempt, "retry_in", delay)
}

func (c *Channel) tryReconnect() {
	c.mu.Lock()
	if c.closing || c.connected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.dial(context.Background()); err != nil {
		c.mu.Lock()
		delay := c.nextDelay(c.attempt)
		c.attempt++
		c.reconnect = time.AfterFunc(delay, c.tryReconnect)
		c.mu.Unlock()
		log.Debugw("reconnect failed", "err", err, "retry_in", delay)
	}
}

// forceReconnect tears down the current transport so the drop path runs.
// Used when the heartbeat sees too many missed acks.
func (c *Channel) forceReconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Channel) readPump(conn *websocket.Conn, gen int) {
	pongWait := 2 * c.opts.Heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(gen, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(data)
	}
}

func (c *Channel) writePump(conn *websocket.Conn, gen int, sendCh chan []byte) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()

	var pingSeq int64
	for {
		select {
		case data := <-sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.handleDrop(gen, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.handleDrop(gen, err)
				return
			}
			pingSeq++
			c.sendHeartbeat(pingSeq)
		}
	}
}

// sendHeartbeat emits an application-level ping with an ack. Repeated
// missed acks mean the relay stopped answering even though TCP looks
// alive, so the transport is forced down to trigger a reconnect.
func (c *Channel) sendHeartbeat(seq int64) {
	start := time.Now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.AckTimeout)
		defer cancel()
		_, err := c.Emit(ctx, proto.EventPing, "", "", proto.Ping{Seq: seq, TS: proto.NowMillis()})

		c.ackMu.Lock()
		if err != nil {
			c.missedAcks++
			missed := c.missedAcks
			c.ackMu.Unlock()
			log.Debugw("heartbeat missed", "seq", seq, "missed", missed)
			if missed >= c.opts.MissedAckLimit {
				log.Warnw("heartbeat limit reached, forcing reconnect", "missed", missed)
				c.forceReconnect()
			}
			return
		}
		c.missedAcks = 0
		c.lastRTT = time.Since(start)
		c.ackMu.Unlock()
	}()
}

// dispatch routes one inbound frame: either an ack reply or an event
// envelope fanned out to subscribers.
func (c *Channel) dispatch(data []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debugw("dropping malformed frame", "err", err)
		return
	}

	if env.Event == "" {
		var reply proto.AckReply
		if err := json.Unmarshal(data, &reply); err != nil || reply.Ack == "" {
			log.Debugw("dropping frame with no event")
			return
		}
		c.ackMu.Lock()
		ch, ok := c.acks[reply.Ack]
		c.ackMu.Unlock()
		if ok {
			select {
			case ch <- &reply:
			default:
			}
		}
		return
	}

	c.handlersMu.RLock()
	subs := c.handlers[env.Event]
	list := make([]Handler, 0, len(subs))
	for _, h := range subs {
		list = append(list, h)
	}
	c.handlersMu.RUnlock()

	for _, h := range list {
		h(&env)
	}
}
