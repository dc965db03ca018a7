package call

import (
	"sync"

	"github.com/parleyhq/callkit/internal/proto"
	"github.com/parleyhq/callkit/internal/session"
)

// EventType labels service events on the UI stream.
type EventType string

const (
	EventIncoming     EventType = "incoming"
	EventStateChanged EventType = "state"
	EventRemoteTrack  EventType = "remote-track"
	EventEnded        EventType = "ended"
)

// Event is one UI-facing notification.
type Event struct {
	Type   EventType       `json:"type"`
	Call   session.Call    `json:"call"`
	State  session.State   `json:"state,omitempty"`
	Reason proto.EndReason `json:"reason,omitempty"`

	// TrackKind is set on remote-track events: "audio" or "video".
	TrackKind string `json:"trackKind,omitempty"`
}

// eventHub fans events out to any number of listeners. Slow listeners
// lose events rather than block the call path.
type eventHub struct {
	mu        sync.Mutex
	listeners map[chan Event]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{listeners: make(map[chan Event]struct{})}
}

// add registers a listener and returns its channel plus a cancel func.
func (h *eventHub) add() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.listeners[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *eventHub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}
