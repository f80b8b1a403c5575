package graph

import (
	"time"

	"helix/api/internal/geometry"
)

// Status is the node lifecycle state. Locally it only moves forward;
// a later-stamped remote event may overwrite it with any value.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPlaced    Status = "placed"
	StatusConnected Status = "connected"
	StatusConfirmed Status = "confirmed"
	StatusArchived  Status = "archived"
)

var statusRank = map[Status]int{
	StatusDraft:     0,
	StatusPlaced:    1,
	StatusConnected: 2,
	StatusConfirmed: 3,
	StatusArchived:  4,
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Before reports whether s precedes other in the forward lifecycle order.
func (s Status) Before(other Status) bool {
	return statusRank[s] < statusRank[other]
}

// TemporalPoint carries the inputs of the coordinate mapping together with
// the derived position. Position is never mutated independently; call
// Reposition after changing any input.
type TemporalPoint struct {
	Timestamp   time.Time     `json:"timestamp"`
	AuthorLane  int           `json:"authorLane"`
	ThreadDepth int           `json:"threadDepth"`
	Position    geometry.Vec3 `json:"position"`
}

// Reposition recomputes the derived position from the point's inputs.
func (p *TemporalPoint) Reposition(params geometry.Params) error {
	pos, err := geometry.Position(params, p.Timestamp, p.AuthorLane, p.ThreadDepth)
	if err != nil {
		return err
	}
	p.Position = pos
	return nil
}

// Leaf is a small attachment hung off a node by any peer (a generated
// summary, an insight). Leaves are append-only; peers may attach
// concurrently, so applying one never replaces the list.
type Leaf struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"authorId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Node is one contribution in the discussion graph. Content is immutable
// after creation; status and structural link fields change over time.
// Removal is a tombstone, never a physical delete, outside maintenance.
type Node struct {
	ID            string        `json:"id"`
	RoomID        string        `json:"roomId"`
	AuthorID      string        `json:"authorId"`
	ParentID      string        `json:"parentId,omitempty"`
	Content       string        `json:"content"`
	Status        Status        `json:"status"`
	Point         TemporalPoint `json:"point"`
	BranchTargets []string      `json:"branchTargets,omitempty"`
	MergeSource   string        `json:"mergeSource,omitempty"`
	References    []string      `json:"references,omitempty"`
	Leaves        []Leaf        `json:"leaves,omitempty"`
	Tombstoned    bool          `json:"tombstoned,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	LogicalClock  int64         `json:"logicalClock"`
}

// Clone returns a deep copy so snapshots never alias live state.
func (n *Node) Clone() *Node {
	c := *n
	c.BranchTargets = append([]string(nil), n.BranchTargets...)
	c.References = append([]string(nil), n.References...)
	c.Leaves = append([]Leaf(nil), n.Leaves...)
	return &c
}

// HasBranchTarget reports whether id is already registered on this node.
func (n *Node) HasBranchTarget(id string) bool {
	for _, t := range n.BranchTargets {
		if t == id {
			return true
		}
	}
	return false
}

// HasLeaf reports whether a leaf with this id is already attached,
// making duplicate leaf-generated deliveries harmless.
func (n *Node) HasLeaf(id string) bool {
	for _, l := range n.Leaves {
		if l.ID == id {
			return true
		}
	}
	return false
}

type EdgeKind string

const (
	EdgeTemporal  EdgeKind = "temporal"
	EdgeBranch    EdgeKind = "branch"
	EdgeMerge     EdgeKind = "merge"
	EdgeReference EdgeKind = "reference"
)

type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
}

// Edges projects a node's link fields into edge records. Edges are a
// queryable view only; the node fields stay the source of truth so the
// topology index can always be rebuilt from nodes alone.
func Edges(n *Node) []Edge {
	var edges []Edge
	if n.ParentID != "" {
		edges = append(edges, Edge{From: n.ParentID, To: n.ID, Kind: EdgeTemporal})
	}
	for _, target := range n.BranchTargets {
		edges = append(edges, Edge{From: n.ID, To: target, Kind: EdgeBranch})
	}
	if n.MergeSource != "" {
		edges = append(edges, Edge{From: n.MergeSource, To: n.ID, Kind: EdgeMerge})
	}
	for _, ref := range n.References {
		edges = append(edges, Edge{From: n.ID, To: ref, Kind: EdgeReference})
	}
	return edges
}
