package signal

import "sync"

// Subscription is one registered handler for one event name. Closing it
// detaches only this handler; other subscribers of the same event keep
// receiving. Call-scoped listeners hold their Subscriptions and close them
// on call teardown instead of clearing the shared event name.
type Subscription struct {
	ch    *Channel
	event string
	once  sync.Once
}

// Event returns the event name this subscription listens on.
func (s *Subscription) Event() string { return s.event }

// Close detaches the handler. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.ch.handlersMu.Lock()
		if subs, ok := s.ch.handlers[s.event]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.ch.handlers, s.event)
			}
		}
		s.ch.handlersMu.Unlock()
	})
}

// Subscribe registers h for event and returns its Subscription handle.
// Multiple subscriptions per event are allowed; each receives every
// envelope once.
func (c *Channel) Subscribe(event string, h Handler) *Subscription {
	sub := &Subscription{ch: c, event: event}
	c.handlersMu.Lock()
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[*Subscription]Handler)
	}
	c.handlers[event][sub] = h
	c.handlersMu.Unlock()
	return sub
}

// On replaces any existing handlers for event with h. Re-registering a
// handler for an event therefore never double-fires; components that need
// additive listeners use Subscribe instead.
func (c *Channel) On(event string, h Handler) *Subscription {
	c.handlersMu.Lock()
	delete(c.handlers, event)
	c.handlersMu.Unlock()
	return c.Subscribe(event, h)
}

// Off removes every handler for event.
func (c *Channel) Off(event string) {
	c.handlersMu.Lock()
	delete(c.handlers, event)
	c.handlersMu.Unlock()
}
