// Package transport moves replication events between peers.
package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"helix/api/internal/replica"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Relay is a websocket connection to the event relay. Outbound events go
// through Send; inbound events from other replicas arrive on Inbound.
// Write failures surface as *replica.DeliveryError so the engine can fall
// back to the offline queue.
type Relay struct {
	url     string
	inbound chan replica.Event

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// DialRelay connects to the relay and starts the read loop.
func DialRelay(ctx context.Context, url string) (*Relay, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	r := &Relay{
		url:     url,
		conn:    conn,
		inbound: make(chan replica.Event, 256),
	}
	go r.readLoop()
	return r, nil
}

// Send writes one event to the relay.
func (r *Relay) Send(ctx context.Context, e replica.Event) error {
	raw, err := replica.EncodeEvent(e)
	if err != nil {
		return fmt.Errorf("relay send: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return &replica.DeliveryError{Err: fmt.Errorf("relay connection closed")}
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := r.conn.SetWriteDeadline(deadline); err != nil {
		return &replica.DeliveryError{Err: err}
	}
	if err := r.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return &replica.DeliveryError{Err: err}
	}
	return nil
}

// Inbound is the stream of decoded events from other replicas. The
// channel closes when the connection drops.
func (r *Relay) Inbound() <-chan replica.Event {
	return r.inbound
}

// readLoop pumps relay frames into the inbound channel. A frame that
// fails to decode is dropped individually; the stream keeps flowing.
func (r *Relay) readLoop() {
	defer close(r.inbound)
	for {
		_, raw, err := r.conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			alreadyClosed := r.closed
			r.closed = true
			r.mu.Unlock()
			if !alreadyClosed {
				log.Printf("transport: relay read: %v", err)
			}
			return
		}
		ev, err := replica.DecodeEvent(raw)
		if err != nil {
			log.Printf("transport: dropping malformed frame: %v", err)
			continue
		}
		r.inbound <- ev
	}
}

// Close tears down the connection.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	_ = r.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return r.conn.Close()
}
