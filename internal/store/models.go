package store

import (
	"time"

	"helix/api/internal/geometry"
)

// Room is the archived record of a discussion room. Params are the helix
// mapping parameters fixed at room creation; every replica derives node
// positions from them.
type Room struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Params    geometry.Params `json:"params"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
