package call

import (
	"context"

	"github.com/parleyhq/callkit/internal/proto"
	"github.com/parleyhq/callkit/internal/signal"
)

// Signaler is the slice of the signaling channel the call service needs.
// The concrete implementation is signal.Channel; tests use fakes.
type Signaler interface {
	// Send transmits fire-and-forget.
	Send(event, to, callID string, payload any) error
	// Emit transmits and waits for the relay's delivery ack.
	Emit(ctx context.Context, event, to, callID string, payload any) (*proto.AckReply, error)
	// On registers a handler and returns its detach func.
	On(event string, h func(*proto.Envelope)) (off func())
	// LocalPeerID is the identity bound at connect time.
	LocalPeerID() string
	// IsHealthy reports transport liveness.
	IsHealthy() bool
}

// WrapChannel adapts a signal.Channel to the Signaler seam.
func WrapChannel(ch *signal.Channel) Signaler {
	return &channelSignaler{ch}
}

type channelSignaler struct {
	*signal.Channel
}

func (c *channelSignaler) On(event string, h func(*proto.Envelope)) func() {
	sub := c.Subscribe(event, h)
	return sub.Close
}
