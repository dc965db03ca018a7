// Package relay is the development signaling server: it authenticates
// clients, keeps one websocket per peer id, and routes call envelopes by
// their To field. It never inspects payloads beyond the event name and
// keeps no durable state — production deployments put a real signaling
// service here.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/parleyhq/callkit/internal/config"
	"github.com/parleyhq/callkit/internal/proto"
)

var log = logging.Logger("relay")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one connected peer.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Server routes signaling envelopes between connected peers.
type Server struct {
	cfg config.Relay

	mu      sync.RWMutex
	clients map[string]*client
}

// New builds a relay for the given config.
func New(cfg config.Relay) *Server {
	return &Server{cfg: cfg, clients: make(map[string]*client)}
}

// Handler returns the HTTP handler (also used directly by tests).
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		s.mu.RLock()
		n := len(s.clients)
		s.mu.RUnlock()
		c.JSON(http.StatusOK, gin.H{"status": "ok", "peers": n})
	})

	r.GET("/ws", auth(s.cfg.JWTSecret), s.handleWS)
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("relay listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(c *gin.Context) {
	peerID := c.GetString(identityKey)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnw("upgrade failed", "peer", peerID, "err", err)
		return
	}

	cl := &client{id: peerID, conn: conn, send: make(chan []byte, 256)}
	s.register(cl)
	log.Infow("peer connected", "peer", peerID)

	go cl.writePump()
	go s.readPump(cl)
}

func (s *Server) register(cl *client) {
	s.mu.Lock()
	old := s.clients[cl.id]
	s.clients[cl.id] = cl
	s.mu.Unlock()
	if old != nil {
		// One connection per identity; the newer one wins.
		old.conn.Close()
	}
}

func (s *Server) unregister(cl *client) {
	s.mu.Lock()
	if s.clients[cl.id] == cl {
		delete(s.clients, cl.id)
	}
	s.mu.Unlock()
}

func (s *Server) lookup(peerID string) *client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[peerID]
}

func (s *Server) readPump(cl *client) {
	defer func() {
		s.unregister(cl)
		cl.conn.Close()
		log.Infow("peer disconnected", "peer", cl.id)
	}()

	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugw("read error", "peer", cl.id, "err", err)
			}
			return
		}
		_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Debugw("malformed envelope", "peer", cl.id, "err", err)
			continue
		}
		// The authenticated identity is authoritative; clients cannot
		// speak for anyone else.
		env.From = cl.id
		s.route(cl, &env)
	}
}

// route dispatches one envelope. Acks are answered by the relay after the
// delivery attempt, so Emit callers learn about unroutable targets
// immediately.
func (s *Server) route(cl *client, env *proto.Envelope) {
	switch env.Event {
	case proto.EventPing:
		s.ack(cl, env, true, "")
		return

	case proto.EventCallInitiate:
		s.routeInitiate(cl, env)
		return

	case proto.EventCallEnd:
		// Fan call:ended out to both parties.
		ended, err := proto.Marshal(proto.EventCallEnded, env.To, env.CallID,
			proto.CallEnded{CallID: env.CallID, Reason: proto.ReasonCompleted})
		if err == nil {
			ended.From = env.From
			s.deliver(env.To, ended)
			s.deliver(env.From, ended)
		}
		s.ack(cl, env, true, "")
		return

	case proto.EventCallAccept, proto.EventCallReject,
		proto.EventOffer, proto.EventAnswer, proto.EventICECandidate:
		ok := s.deliver(env.To, env)
		if !ok {
			log.Debugw("target offline", "event", env.Event, "to", env.To)
		}
		s.ack(cl, env, ok, offlineError(ok))
		return

	default:
		log.Debugw("unknown event", "event", env.Event, "peer", cl.id)
		s.ack(cl, env, false, "unknown event")
	}
}

// routeInitiate turns call:initiate into call:incoming for the callee.
func (s *Server) routeInitiate(cl *client, env *proto.Envelope) {
	var p proto.CallInitiate
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.ack(cl, env, false, "malformed payload")
		return
	}

	incoming, err := proto.Marshal(proto.EventCallIncoming, p.TargetUserID, p.CallID, proto.CallIncoming{
		CallerID:   cl.id,
		CallerName: p.CallerName,
		CallType:   p.CallType,
		CallID:     p.CallID,
	})
	if err != nil {
		s.ack(cl, env, false, "internal error")
		return
	}
	incoming.From = cl.id

	ok := s.deliver(p.TargetUserID, incoming)
	s.ack(cl, env, ok, offlineError(ok))
	if ok {
		log.Infow("call routed", "call", p.CallID, "from", cl.id, "to", p.TargetUserID)
	}
}

// deliver sends env to the named peer; false when offline or backlogged.
func (s *Server) deliver(peerID string, env *proto.Envelope) bool {
	target := s.lookup(peerID)
	if target == nil {
		return false
	}
	// Acks are between the relay and the sender only.
	fwd := *env
	fwd.Ack = ""
	data, err := json.Marshal(&fwd)
	if err != nil {
		return false
	}
	select {
	case target.send <- data:
		return true
	default:
		log.Warnw("send buffer full, dropping", "peer", peerID, "event", env.Event)
		return false
	}
}

func (s *Server) ack(cl *client, env *proto.Envelope, ok bool, msg string) {
	if env.Ack == "" {
		return
	}
	data, err := json.Marshal(proto.AckReply{Ack: env.Ack, OK: ok, Error: msg, TS: proto.NowMillis()})
	if err != nil {
		return
	}
	select {
	case cl.send <- data:
	default:
	}
}

func offlineError(ok bool) string {
	if ok {
		return ""
	}
	return "target offline"
}

func (cl *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case data, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
