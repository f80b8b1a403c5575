package transport

import (
	"context"
	"fmt"
	"sync"

	"helix/api/internal/replica"
)

// Loopback is an in-process transport endpoint. Events sent on one end
// arrive on the peer's inbound channel after a wire round trip, so the
// codec path is exercised exactly as over a real socket.
type Loopback struct {
	mu      sync.Mutex
	peer    *Loopback
	inbound chan replica.Event
	down    bool
}

// Pair returns two connected loopback endpoints.
func Pair() (*Loopback, *Loopback) {
	a := &Loopback{inbound: make(chan replica.Event, 256)}
	b := &Loopback{inbound: make(chan replica.Event, 256)}
	a.peer = b
	b.peer = a
	return a, b
}

// SetDown simulates losing the link from this end. Sends fail with a
// delivery error until the link is restored.
func (l *Loopback) SetDown(down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = down
}

func (l *Loopback) Send(ctx context.Context, e replica.Event) error {
	l.mu.Lock()
	down := l.down
	l.mu.Unlock()
	if down {
		return &replica.DeliveryError{Err: fmt.Errorf("loopback link down")}
	}

	raw, err := replica.EncodeEvent(e)
	if err != nil {
		return fmt.Errorf("loopback send: %w", err)
	}
	decoded, err := replica.DecodeEvent(raw)
	if err != nil {
		return fmt.Errorf("loopback round trip: %w", err)
	}

	select {
	case l.peer.inbound <- decoded:
		return nil
	case <-ctx.Done():
		return &replica.DeliveryError{Err: ctx.Err()}
	}
}

// Inbound is the stream of events the peer has sent.
func (l *Loopback) Inbound() <-chan replica.Event {
	return l.inbound
}
