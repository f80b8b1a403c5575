package graph

import (
	"fmt"
	"sort"
)

// StructuralIntegrityError reports corrupt graph structure, such as a
// parent chain that loops back on itself. It marks a programming-invariant
// violation: callers should surface it, not retry or repair.
type StructuralIntegrityError struct {
	NodeID string
	Reason string
}

func (e *StructuralIntegrityError) Error() string {
	return fmt.Sprintf("structural integrity: node %s: %s", e.NodeID, e.Reason)
}

// TopologyIndex is a derived, rebuildable view over a node collection.
// Nodes live in an arena slice addressed by index; ids resolve through a
// map, and children are pre-grouped by parent. The index holds no data of
// its own, so it can be rebuilt from the nodes at any time.
//
// Queries are read-only and safe to run concurrently with each other; the
// owning engine serializes them against mutations on the same room.
type TopologyIndex struct {
	arena    []*Node
	byID     map[string]int
	children map[int][]int
	// orphans holds children whose parent has not arrived yet, keyed by
	// the missing parent id; remote events can deliver children first.
	orphans map[string][]int
}

func NewTopologyIndex(nodes []*Node) *TopologyIndex {
	idx := &TopologyIndex{
		byID:     make(map[string]int, len(nodes)),
		children: make(map[int][]int),
		orphans:  make(map[string][]int),
	}
	for _, n := range nodes {
		idx.Insert(n)
	}
	return idx
}

// Insert adds a node, replacing any existing node with the same id.
func (idx *TopologyIndex) Insert(n *Node) {
	if at, ok := idx.byID[n.ID]; ok {
		idx.unlinkParent(at)
		idx.arena[at] = n
		idx.linkParent(at)
		return
	}
	at := len(idx.arena)
	idx.arena = append(idx.arena, n)
	idx.byID[n.ID] = at
	idx.linkParent(at)
	idx.adoptOrphans(at)
}

func (idx *TopologyIndex) linkParent(at int) {
	parent := idx.arena[at].ParentID
	if parent == "" {
		return
	}
	if p, ok := idx.byID[parent]; ok {
		idx.children[p] = append(idx.children[p], at)
		return
	}
	idx.orphans[parent] = append(idx.orphans[parent], at)
}

func (idx *TopologyIndex) adoptOrphans(at int) {
	id := idx.arena[at].ID
	waiting, ok := idx.orphans[id]
	if !ok {
		return
	}
	idx.children[at] = append(idx.children[at], waiting...)
	delete(idx.orphans, id)
}

func (idx *TopologyIndex) unlinkParent(at int) {
	parent := idx.arena[at].ParentID
	if parent == "" {
		return
	}
	if p, ok := idx.byID[parent]; ok {
		idx.children[p] = removeInt(idx.children[p], at)
		return
	}
	idx.orphans[parent] = removeInt(idx.orphans[parent], at)
	if len(idx.orphans[parent]) == 0 {
		delete(idx.orphans, parent)
	}
}

func removeInt(xs []int, x int) []int {
	for i, v := range xs {
		if v == x {
			return append(xs[:i:i], xs[i+1:]...)
		}
	}
	return xs
}

// Node looks an id up in O(1). The second result is false when absent;
// lookups never fail loudly.
func (idx *TopologyIndex) Node(id string) (*Node, bool) {
	at, ok := idx.byID[id]
	if !ok {
		return nil, false
	}
	return idx.arena[at], true
}

// Children returns the direct children of a node, ordered by creation time
// for stable traversal output.
func (idx *TopologyIndex) Children(id string) []*Node {
	at, ok := idx.byID[id]
	if !ok {
		return nil
	}
	kids := make([]*Node, 0, len(idx.children[at]))
	for _, c := range idx.children[at] {
		kids = append(kids, idx.arena[c])
	}
	sort.Slice(kids, func(i, j int) bool {
		if kids[i].CreatedAt.Equal(kids[j].CreatedAt) {
			return kids[i].ID < kids[j].ID
		}
		return kids[i].CreatedAt.Before(kids[j].CreatedAt)
	})
	return kids
}

// Ancestors walks the parent chain from id outward, nearest first. The walk
// keeps a visited set; revisiting an index means corrupt input and stops
// with a StructuralIntegrityError instead of looping.
func (idx *TopologyIndex) Ancestors(id string) ([]*Node, error) {
	at, ok := idx.byID[id]
	if !ok {
		return nil, nil
	}
	visited := map[int]bool{at: true}
	var chain []*Node
	current := idx.arena[at]
	for current.ParentID != "" {
		p, ok := idx.byID[current.ParentID]
		if !ok {
			break
		}
		if visited[p] {
			return nil, &StructuralIntegrityError{NodeID: current.ParentID, Reason: "cycle in parent chain"}
		}
		visited[p] = true
		current = idx.arena[p]
		chain = append(chain, current)
	}
	return chain, nil
}

// Descendants returns every node below id, in creation order per level.
func (idx *TopologyIndex) Descendants(id string) []*Node {
	at, ok := idx.byID[id]
	if !ok {
		return nil
	}
	visited := map[int]bool{at: true}
	var out []*Node
	stack := []int{at}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range idx.children[cur] {
			if visited[c] {
				continue
			}
			visited[c] = true
			out = append(out, idx.arena[c])
			stack = append(stack, c)
		}
	}
	return out
}

// CommonAncestor finds the lowest common ancestor of a and b by collecting
// a's ancestor set (including a itself) and walking b upward until the
// first hit. The second result is false when the ids live in disconnected
// components.
func (idx *TopologyIndex) CommonAncestor(a, b string) (*Node, bool, error) {
	aAt, okA := idx.byID[a]
	bAt, okB := idx.byID[b]
	if !okA || !okB {
		return nil, false, nil
	}

	onPath := map[string]bool{idx.arena[aAt].ID: true}
	aChain, err := idx.Ancestors(a)
	if err != nil {
		return nil, false, err
	}
	for _, n := range aChain {
		onPath[n.ID] = true
	}

	candidate := idx.arena[bAt]
	if onPath[candidate.ID] {
		return candidate, true, nil
	}
	bChain, err := idx.Ancestors(b)
	if err != nil {
		return nil, false, err
	}
	for _, n := range bChain {
		if onPath[n.ID] {
			return n, true, nil
		}
	}
	return nil, false, nil
}

// BranchSubtree unions the descendant sets rooted at each registered branch
// target of the branch point, each target included.
func (idx *TopologyIndex) BranchSubtree(branchPointID string) ([]*Node, error) {
	point, ok := idx.Node(branchPointID)
	if !ok {
		return nil, nil
	}
	seen := make(map[string]bool)
	var out []*Node
	for _, target := range point.BranchTargets {
		root, ok := idx.Node(target)
		if !ok {
			return nil, &StructuralIntegrityError{NodeID: target, Reason: "dangling branch target"}
		}
		if !seen[root.ID] {
			seen[root.ID] = true
			out = append(out, root)
		}
		for _, n := range idx.Descendants(target) {
			if !seen[n.ID] {
				seen[n.ID] = true
				out = append(out, n)
			}
		}
	}
	return out, nil
}

// Len returns the number of indexed nodes, tombstones included.
func (idx *TopologyIndex) Len() int {
	return len(idx.arena)
}

// Nodes returns all indexed nodes in insertion order.
func (idx *TopologyIndex) Nodes() []*Node {
	return append([]*Node(nil), idx.arena...)
}
