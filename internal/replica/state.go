package replica

import (
	"time"

	"helix/api/internal/geometry"
	"helix/api/internal/graph"
)

// AvatarStatus is the closed set of presence states.
type AvatarStatus string

const (
	AvatarIdle     AvatarStatus = "idle"
	AvatarSpeaking AvatarStatus = "speaking"
	AvatarAway     AvatarStatus = "away"
)

func (s AvatarStatus) Valid() bool {
	switch s {
	case AvatarIdle, AvatarSpeaking, AvatarAway:
		return true
	}
	return false
}

// AvatarState is one participant's presence in a room. Lane is assigned at
// join time and rides the join event so every replica agrees on it.
type AvatarState struct {
	ID          string        `json:"id"`
	DisplayName string        `json:"displayName"`
	Lane        int           `json:"lane"`
	Position    geometry.Vec3 `json:"position"`
	Status      AvatarStatus  `json:"status"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// State is the per-room replica aggregate. Exactly one authoritative copy
// exists per process; every mutation flows through the engine's apply path
// so each change is observable as an event.
type State struct {
	RoomID     string                 `json:"roomId"`
	Title      string                 `json:"title"`
	Params     geometry.Params        `json:"params"`
	Nodes      map[string]*graph.Node `json:"nodes"`
	Avatars    map[string]AvatarState `json:"avatars"`
	Clock      VectorClock            `json:"vectorClock"`
	LastUpdate time.Time              `json:"lastUpdate"`
}

func NewState(roomID, title string, params geometry.Params) *State {
	return &State{
		RoomID:  roomID,
		Title:   title,
		Params:  params,
		Nodes:   make(map[string]*graph.Node),
		Avatars: make(map[string]AvatarState),
		Clock:   NewVectorClock(),
	}
}

// Snapshot deep-copies the aggregate for readers outside the apply path.
func (s *State) Snapshot() State {
	out := State{
		RoomID:     s.RoomID,
		Title:      s.Title,
		Params:     s.Params,
		Nodes:      make(map[string]*graph.Node, len(s.Nodes)),
		Avatars:    make(map[string]AvatarState, len(s.Avatars)),
		Clock:      s.Clock.Clone(),
		LastUpdate: s.LastUpdate,
	}
	for id, n := range s.Nodes {
		out.Nodes[id] = n.Clone()
	}
	for id, a := range s.Avatars {
		out.Avatars[id] = a
	}
	return out
}
