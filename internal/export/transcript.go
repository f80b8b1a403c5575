// Package export renders room transcripts and ships them to object
// storage.
package export

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"helix/api/internal/graph"
)

// Transcript is a rendered flat view of a room: nodes in submission order,
// indented by thread depth, with generated leaves under their node.
type Transcript struct {
	RoomID      string
	Title       string
	GeneratedAt time.Time
	Body        string
}

// BuildTranscript renders the room's surviving nodes as markdown.
// Tombstoned nodes are skipped; their descendants still appear.
func BuildTranscript(roomID, title string, nodes []graph.Node, now time.Time) Transcript {
	ordered := make([]graph.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Tombstoned {
			continue
		}
		ordered = append(ordered, n)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "Exported %s\n\n", now.UTC().Format(time.RFC3339))

	for _, n := range ordered {
		indent := strings.Repeat("  ", n.Point.ThreadDepth)
		fmt.Fprintf(&b, "%s- [%s] **%s** (%s): %s\n",
			indent, n.CreatedAt.UTC().Format("15:04:05"), n.AuthorID, n.Status, n.Content)
		for _, leaf := range n.Leaves {
			fmt.Fprintf(&b, "%s  - _%s_\n", indent, leaf.Content)
		}
	}

	return Transcript{
		RoomID:      roomID,
		Title:       title,
		GeneratedAt: now.UTC(),
		Body:        b.String(),
	}
}

// ObjectKey is the storage key for a transcript export.
func (t Transcript) ObjectKey() string {
	return fmt.Sprintf("transcripts/%s/%s.md", t.RoomID, t.GeneratedAt.Format("20060102T150405Z"))
}
