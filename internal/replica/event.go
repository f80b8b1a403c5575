package replica

import (
	"encoding/json"
	"fmt"
	"time"

	"helix/api/internal/geometry"
	"helix/api/internal/graph"
)

// EventKind is the closed set of replicated mutation types. Decoding
// rejects unknown kinds so a new kind cannot be silently mishandled.
type EventKind string

const (
	EventRoomCreated        EventKind = "room_created"
	EventNodeCreated        EventKind = "node_created"
	EventNodeUpdated        EventKind = "node_updated"
	EventNodeDeleted        EventKind = "node_deleted"
	EventLeafGenerated      EventKind = "leaf_generated"
	EventAvatarMoved        EventKind = "avatar_moved"
	EventAvatarStateChanged EventKind = "avatar_state_changed"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventRoomCreated, EventNodeCreated, EventNodeUpdated, EventNodeDeleted,
		EventLeafGenerated, EventAvatarMoved, EventAvatarStateChanged:
		return true
	}
	return false
}

// Payload is the closed union of event payloads. Each kind pairs with
// exactly one payload type; the apply path matches exhaustively.
type Payload interface {
	isPayload()
}

type RoomPayload struct {
	Title  string          `json:"title"`
	Params geometry.Params `json:"params"`
}

type NodePayload struct {
	Node graph.Node `json:"node"`
}

type NodeDeletePayload struct {
	NodeID string `json:"nodeId"`
	// Hard requests physical removal; the default is a tombstone.
	Hard bool `json:"hard,omitempty"`
}

type LeafPayload struct {
	NodeID string     `json:"nodeId"`
	Leaf   graph.Leaf `json:"leaf"`
}

type AvatarPayload struct {
	Avatar AvatarState `json:"avatar"`
}

func (RoomPayload) isPayload()       {}
func (NodePayload) isPayload()       {}
func (NodeDeletePayload) isPayload() {}
func (LeafPayload) isPayload()       {}
func (AvatarPayload) isPayload()     {}

// Event is the unit of replication: immutable once created, stamped with
// the originating author, a vector-clock snapshot and a wall timestamp.
type Event struct {
	Kind      EventKind
	RoomID    string
	AuthorID  string
	Payload   Payload
	Clock     VectorClock
	Timestamp time.Time
}

// wireEvent is the JSON envelope exchanged between replicas. The clock is
// a flat comma-joined list of author:counter pairs; absent means all-zero.
type wireEvent struct {
	Type        string          `json:"type"`
	RoomID      string          `json:"roomId"`
	UserID      string          `json:"userId"`
	Data        json.RawMessage `json:"data"`
	VectorClock string          `json:"vectorClock,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// EncodeEvent serializes an event to its wire form.
func EncodeEvent(e Event) ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("encode event: unknown kind %q", e.Kind)
	}
	if e.Payload == nil {
		return nil, fmt.Errorf("encode event: nil payload for %s", e.Kind)
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return json.Marshal(wireEvent{
		Type:        string(e.Kind),
		RoomID:      e.RoomID,
		UserID:      e.AuthorID,
		Data:        data,
		VectorClock: e.Clock.String(),
		Timestamp:   e.Timestamp.UTC(),
	})
}

// DecodeEvent parses a wire envelope. Any malformed part fails the whole
// event; callers drop it individually and keep processing siblings.
func DecodeEvent(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("decode event envelope: %w", err)
	}
	kind := EventKind(w.Type)
	if !kind.Valid() {
		return Event{}, fmt.Errorf("decode event: unknown kind %q", w.Type)
	}
	if w.RoomID == "" || w.UserID == "" {
		return Event{}, fmt.Errorf("decode event: missing room or author id")
	}
	clock, err := ParseVectorClock(w.VectorClock)
	if err != nil {
		return Event{}, fmt.Errorf("decode event clock: %w", err)
	}
	payload, err := decodePayload(kind, w.Data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Kind:      kind,
		RoomID:    w.RoomID,
		AuthorID:  w.UserID,
		Payload:   payload,
		Clock:     clock,
		Timestamp: w.Timestamp,
	}, nil
}

func decodePayload(kind EventKind, data []byte) (Payload, error) {
	unmarshal := func(v any) error {
		if len(data) == 0 {
			return fmt.Errorf("decode %s: empty payload", kind)
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return nil
	}
	switch kind {
	case EventRoomCreated:
		var p RoomPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case EventNodeCreated, EventNodeUpdated:
		var p NodePayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.Node.ID == "" {
			return nil, fmt.Errorf("decode %s: node without id", kind)
		}
		return p, nil
	case EventNodeDeleted:
		var p NodeDeletePayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.NodeID == "" {
			return nil, fmt.Errorf("decode %s: missing node id", kind)
		}
		return p, nil
	case EventLeafGenerated:
		var p LeafPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.NodeID == "" || p.Leaf.ID == "" {
			return nil, fmt.Errorf("decode %s: missing ids", kind)
		}
		return p, nil
	case EventAvatarMoved, EventAvatarStateChanged:
		var p AvatarPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.Avatar.ID == "" {
			return nil, fmt.Errorf("decode %s: avatar without id", kind)
		}
		return p, nil
	}
	return nil, fmt.Errorf("decode event: unknown kind %q", kind)
}
