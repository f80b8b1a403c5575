// Package search indexes node content for full-text lookup.
package search

import (
	"strings"

	"helix/api/internal/graph"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string  `json:"id"`
	RoomID   string  `json:"roomId"`
	AuthorID string  `json:"authorId"`
	Snippet  string  `json:"snippet"`
	Status   string  `json:"status"`
	Score    float64 `json:"score,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text   string
	RoomID string // empty = all rooms
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push node records into a search index.
type Indexer interface {
	IndexNode(rec NodeRecord) error
	DeleteNode(id string) error
}

// NodeRecord is the data we index for a node. Leaf content is folded in so
// generated attachments are findable through their parent node.
type NodeRecord struct {
	ID       string `json:"id"`
	RoomID   string `json:"roomId"`
	AuthorID string `json:"authorId"`
	Content  string `json:"content"`
	Leaves   string `json:"leaves"`
	Status   string `json:"status"`
}

// RecordFromNode flattens a graph node into its indexable form.
func RecordFromNode(n graph.Node) NodeRecord {
	var leaves []string
	for _, leaf := range n.Leaves {
		leaves = append(leaves, leaf.Content)
	}
	return NodeRecord{
		ID:       n.ID,
		RoomID:   n.RoomID,
		AuthorID: n.AuthorID,
		Content:  n.Content,
		Leaves:   strings.Join(leaves, "\n"),
		Status:   string(n.Status),
	}
}
