package replica

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"helix/api/internal/geometry"
	"helix/api/internal/graph"
	"helix/api/internal/util"
)

// DeliveryError marks a transport-layer failure (socket down, timeout) as
// opposed to a peer rejecting the event. Only delivery failures route to
// the offline queue; rejections are final.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsDeliveryFailure reports whether err is a transport-layer failure.
func IsDeliveryFailure(err error) bool {
	var d *DeliveryError
	return errors.As(err, &d)
}

// Transport is the outbound half of the network collaborator. Send returns
// a *DeliveryError for transport-layer failures and any other error when
// the peer rejected the event.
type Transport interface {
	Send(ctx context.Context, e Event) error
}

// PendingQueue is the durable log of locally-generated events awaiting
// delivery. DrainPending removes and returns entries in creation order.
type PendingQueue interface {
	Enqueue(ctx context.Context, e Event) error
	DrainPending(ctx context.Context) []Event
	Clear(ctx context.Context) error
	PendingCount(ctx context.Context) (int, error)
}

const sendTimeout = 10 * time.Second

// EngineConfig wires one room's engine. Transport may be nil (a replica
// that starts offline); Queue is required.
type EngineConfig struct {
	RoomID    string
	Title     string
	SelfID    string
	Params    geometry.Params
	Tolerance time.Duration
	Transport Transport
	Queue     PendingQueue
	Stream    *Stream
	// Restore seeds the aggregate from an archived snapshot.
	Restore *State
}

// Engine owns one room's replica state. Every mutation, local or remote,
// passes through its single serialized apply path; structural queries are
// read-only and may run concurrently with each other.
type Engine struct {
	mu        sync.RWMutex
	state     *State
	topology  *graph.TopologyIndex
	selfID    string
	// locals tracks every author who has originated events through this
	// replica; relayed echoes of their events are discarded.
	locals    map[string]bool
	tolerance time.Duration
	transport Transport
	queue     PendingQueue
	stream    *Stream
	sends     sync.WaitGroup
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Queue == nil {
		return nil, errors.New("engine: queue is required")
	}
	if cfg.SelfID == "" {
		return nil, errors.New("engine: self id is required")
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 2 * time.Second
	}
	stream := cfg.Stream
	if stream == nil {
		stream = NewStream()
	}

	state := cfg.Restore
	if state == nil {
		state = NewState(cfg.RoomID, cfg.Title, cfg.Params)
	}
	nodes := make([]*graph.Node, 0, len(state.Nodes))
	for _, n := range state.Nodes {
		nodes = append(nodes, n)
	}

	return &Engine{
		state:     state,
		topology:  graph.NewTopologyIndex(nodes),
		selfID:    cfg.SelfID,
		locals:    map[string]bool{cfg.SelfID: true},
		tolerance: cfg.Tolerance,
		transport: cfg.Transport,
		queue:     cfg.Queue,
		stream:    stream,
	}, nil
}

// Stream exposes the applied-event stream for observer collaborators.
func (e *Engine) Stream() *Stream {
	return e.stream
}

// Wait blocks until in-flight deliveries finish. Test and shutdown hook.
func (e *Engine) Wait() {
	e.sends.Wait()
}

// =========================================================================
// Local mutations
// =========================================================================

// Submission is the tuple handed over by the content-submission
// collaborator.
type Submission struct {
	Content       string
	AuthorID      string
	ReplyTargetID string
	MergeSourceID string
	Timestamp     time.Time
}

// SubmitContent creates a node from a submission and replicates it. The
// call returns as soon as the optimistic local apply completes; delivery
// runs asynchronously and falls back to the offline queue on transport
// failure.
func (e *Engine) SubmitContent(ctx context.Context, sub Submission) (graph.Node, error) {
	if sub.Content == "" {
		return graph.Node{}, errors.New("submit: content is required")
	}
	if sub.AuthorID == "" {
		return graph.Node{}, errors.New("submit: author is required")
	}
	ts := sub.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	e.mu.Lock()

	depth := 0
	status := graph.StatusPlaced
	if sub.ReplyTargetID != "" {
		parent, ok := e.topology.Node(sub.ReplyTargetID)
		if !ok {
			e.mu.Unlock()
			return graph.Node{}, fmt.Errorf("submit: reply target %s not found", sub.ReplyTargetID)
		}
		depth = parent.Point.ThreadDepth + 1
		status = graph.StatusConnected
	}
	if sub.MergeSourceID != "" {
		if _, ok := e.topology.Node(sub.MergeSourceID); !ok {
			e.mu.Unlock()
			return graph.Node{}, fmt.Errorf("submit: merge source %s not found", sub.MergeSourceID)
		}
	}

	node := &graph.Node{
		ID:          util.NewID("node"),
		RoomID:      e.state.RoomID,
		AuthorID:    sub.AuthorID,
		ParentID:    sub.ReplyTargetID,
		Content:     sub.Content,
		Status:      status,
		MergeSource: sub.MergeSourceID,
		Point: graph.TemporalPoint{
			Timestamp:   ts,
			AuthorLane:  e.laneForLocked(sub.AuthorID),
			ThreadDepth: depth,
		},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if err := node.Point.Reposition(e.state.Params); err != nil {
		e.mu.Unlock()
		return graph.Node{}, fmt.Errorf("submit: %w", err)
	}

	ev := e.stampLocked(EventNodeCreated, sub.AuthorID, ts)
	node.LogicalClock = ev.Clock.Counter(sub.AuthorID)
	ev.Payload = NodePayload{Node: *node}
	e.applyLocked(ev)
	out := *node.Clone()
	e.mu.Unlock()

	e.publishAndDispatch(ev)
	return out, nil
}

// UpdateNodeStatus advances a node's lifecycle. Local transitions only
// move forward; a later-stamped remote event may still overwrite.
func (e *Engine) UpdateNodeStatus(ctx context.Context, nodeID string, status graph.Status, authorID string) error {
	if !status.Valid() {
		return fmt.Errorf("update status: invalid status %q", status)
	}
	e.mu.Lock()
	node, ok := e.topology.Node(nodeID)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("update status: node %s not found", nodeID)
	}
	if status.Before(node.Status) {
		e.mu.Unlock()
		return fmt.Errorf("update status: %s cannot move back from %s to %s", nodeID, node.Status, status)
	}
	ts := time.Now().UTC()
	updated := node.Clone()
	updated.Status = status
	updated.UpdatedAt = ts

	ev := e.stampLocked(EventNodeUpdated, authorID, ts)
	ev.Payload = NodePayload{Node: *updated}
	e.applyLocked(ev)
	e.mu.Unlock()

	e.publishAndDispatch(ev)
	return nil
}

// AddReference records a cross-link from one node to another.
func (e *Engine) AddReference(ctx context.Context, nodeID, refID, authorID string) error {
	e.mu.Lock()
	node, ok := e.topology.Node(nodeID)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("add reference: node %s not found", nodeID)
	}
	if _, ok := e.topology.Node(refID); !ok {
		e.mu.Unlock()
		return fmt.Errorf("add reference: target %s not found", refID)
	}
	ts := time.Now().UTC()
	updated := node.Clone()
	updated.References = append(updated.References, refID)
	updated.UpdatedAt = ts

	ev := e.stampLocked(EventNodeUpdated, authorID, ts)
	ev.Payload = NodePayload{Node: *updated}
	e.applyLocked(ev)
	e.mu.Unlock()

	e.publishAndDispatch(ev)
	return nil
}

// TombstoneNode soft-deletes a node. The node stays in the graph so the
// topology of surviving descendants is preserved.
func (e *Engine) TombstoneNode(ctx context.Context, nodeID, authorID string) error {
	return e.deleteNode(ctx, nodeID, authorID, false)
}

// HardDeleteNode physically removes a node. Maintenance operation, not
// part of the normal lifecycle.
func (e *Engine) HardDeleteNode(ctx context.Context, nodeID, authorID string) error {
	return e.deleteNode(ctx, nodeID, authorID, true)
}

func (e *Engine) deleteNode(ctx context.Context, nodeID, authorID string, hard bool) error {
	e.mu.Lock()
	if _, ok := e.topology.Node(nodeID); !ok {
		e.mu.Unlock()
		return fmt.Errorf("delete: node %s not found", nodeID)
	}
	ev := e.stampLocked(EventNodeDeleted, authorID, time.Now().UTC())
	ev.Payload = NodeDeletePayload{NodeID: nodeID, Hard: hard}
	e.applyLocked(ev)
	e.mu.Unlock()

	e.publishAndDispatch(ev)
	return nil
}

// AttachLeaf appends a generated attachment to a node's leaf list.
func (e *Engine) AttachLeaf(ctx context.Context, nodeID, content, authorID string) (graph.Leaf, error) {
	e.mu.Lock()
	if _, ok := e.topology.Node(nodeID); !ok {
		e.mu.Unlock()
		return graph.Leaf{}, fmt.Errorf("attach leaf: node %s not found", nodeID)
	}
	ts := time.Now().UTC()
	leaf := graph.Leaf{
		ID:        util.NewID("leaf"),
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: ts,
	}
	ev := e.stampLocked(EventLeafGenerated, authorID, ts)
	ev.Payload = LeafPayload{NodeID: nodeID, Leaf: leaf}
	e.applyLocked(ev)
	e.mu.Unlock()

	e.publishAndDispatch(ev)
	return leaf, nil
}

// Join registers a participant avatar and assigns its lane. The lane rides
// the event so remote replicas place the author identically.
func (e *Engine) Join(ctx context.Context, authorID, displayName string) (AvatarState, error) {
	if authorID == "" {
		return AvatarState{}, errors.New("join: author is required")
	}
	e.mu.Lock()
	ts := time.Now().UTC()
	avatar, ok := e.state.Avatars[authorID]
	if !ok {
		avatar = AvatarState{
			ID:   authorID,
			Lane: len(e.state.Avatars),
		}
	}
	avatar.DisplayName = displayName
	avatar.Status = AvatarIdle
	avatar.UpdatedAt = ts

	ev := e.stampLocked(EventAvatarStateChanged, authorID, ts)
	ev.Payload = AvatarPayload{Avatar: avatar}
	e.applyLocked(ev)
	e.mu.Unlock()

	e.publishAndDispatch(ev)
	return avatar, nil
}

// MoveAvatar updates the local avatar position and notifies remote
// observers. Position traffic is high-frequency and disposable: a failed
// delivery is logged and dropped instead of queued, since any replayed
// position would be stale by the time it arrived.
func (e *Engine) MoveAvatar(ctx context.Context, authorID string, pos geometry.Vec3) error {
	e.mu.Lock()
	avatar, ok := e.state.Avatars[authorID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("move avatar: %s has not joined", authorID)
	}
	ts := time.Now().UTC()
	avatar.Position = pos
	avatar.UpdatedAt = ts

	ev := e.stampLocked(EventAvatarMoved, authorID, ts)
	ev.Payload = AvatarPayload{Avatar: avatar}
	e.applyLocked(ev)
	e.mu.Unlock()

	e.publishAndDispatch(ev)
	return nil
}

// AnnounceRoom emits the room-created event so late joiners learn the
// title and helix parameters.
func (e *Engine) AnnounceRoom(ctx context.Context, authorID string) {
	e.mu.Lock()
	ev := e.stampLocked(EventRoomCreated, authorID, time.Now().UTC())
	ev.Payload = RoomPayload{Title: e.state.Title, Params: e.state.Params}
	e.applyLocked(ev)
	e.mu.Unlock()

	e.publishAndDispatch(ev)
}

// stampLocked increments the local author's clock exactly once and builds
// the event shell carrying the clock snapshot.
func (e *Engine) stampLocked(kind EventKind, authorID string, ts time.Time) Event {
	e.locals[authorID] = true
	e.state.Clock.Increment(authorID)
	return Event{
		Kind:      kind,
		RoomID:    e.state.RoomID,
		AuthorID:  authorID,
		Clock:     e.state.Clock.Clone(),
		Timestamp: ts,
	}
}

func (e *Engine) laneForLocked(authorID string) int {
	if avatar, ok := e.state.Avatars[authorID]; ok {
		return avatar.Lane
	}
	// Unjoined authors get a stable hashed lane so their position is
	// still deterministic across replicas.
	h := fnv.New32a()
	_, _ = h.Write([]byte(authorID))
	return int(h.Sum32() % uint32(maxInt(e.state.Params.TotalLanes, 1)))
}

// =========================================================================
// Remote events
// =========================================================================

// ApplyRemote reconciles one inbound event against local state. Returns
// whether the event was applied; stale events are ignored without error
// (expected steady-state behavior, not a failure).
func (e *Engine) ApplyRemote(ctx context.Context, ev Event) (bool, error) {
	if !ev.Kind.Valid() {
		return false, fmt.Errorf("apply remote: unknown kind %q", ev.Kind)
	}
	e.mu.Lock()
	if ev.RoomID != e.state.RoomID {
		e.mu.Unlock()
		return false, fmt.Errorf("apply remote: event for room %s on replica of %s", ev.RoomID, e.state.RoomID)
	}
	// Echoes of our own events are already authoritative locally.
	if e.locals[ev.AuthorID] {
		e.mu.Unlock()
		return false, nil
	}
	// Last-write-wins with a tolerance window: events later than the
	// replica's last update apply, as do slightly earlier ones within
	// the window, absorbing benign clock skew between peers.
	if ev.Timestamp.Before(e.state.LastUpdate) &&
		e.state.LastUpdate.Sub(ev.Timestamp) > e.tolerance {
		e.mu.Unlock()
		return false, nil
	}
	applied := e.applyLocked(ev)
	e.mu.Unlock()

	if applied {
		e.stream.Publish(ev)
	}
	return applied, nil
}

// applyLocked merges one event into the aggregate. Shared by the local and
// remote paths; the caller holds the write lock. Divergence between peers
// is accepted by design — this is best-effort eventual consistency, not a
// convergence-proof CRDT.
func (e *Engine) applyLocked(ev Event) bool {
	applied := false
	switch p := ev.Payload.(type) {
	case RoomPayload:
		e.state.Title = p.Title
		e.state.Params = p.Params
		applied = true
	case NodePayload:
		applied = e.upsertNodeLocked(p.Node, ev.Timestamp)
	case NodeDeletePayload:
		applied = e.removeNodeLocked(p, ev.Timestamp)
	case LeafPayload:
		applied = e.appendLeafLocked(p)
	case AvatarPayload:
		applied = e.applyAvatarLocked(ev.Kind, p.Avatar)
	}
	if applied {
		e.state.Clock.Merge(ev.Clock)
		if ev.Timestamp.After(e.state.LastUpdate) {
			e.state.LastUpdate = ev.Timestamp
		}
	}
	return applied
}

func (e *Engine) upsertNodeLocked(incoming graph.Node, ts time.Time) bool {
	existing, exists := e.state.Nodes[incoming.ID]
	// Per-node last-write-wins: an older update never clobbers newer
	// local data, and a duplicate delivery is a no-op upsert.
	if exists && existing.UpdatedAt.After(incoming.UpdatedAt) {
		return false
	}
	node := incoming.Clone()
	// Position is derived; recompute from the point inputs so replicas
	// never trust (or drift from) a sender's arithmetic.
	if err := node.Point.Reposition(e.state.Params); err != nil {
		log.Printf("sync: keeping sender position for node %s: %v", node.ID, err)
	}
	e.state.Nodes[node.ID] = node
	e.topology.Insert(node)
	e.markBranchPointLocked(node.ParentID)
	return true
}

// markBranchPointLocked derives branch targets: once a parent has two or
// more children the discussion has diverged there, and every child is a
// branch root. Derived on apply from the same rule on every replica, so
// the sets converge without their own events.
func (e *Engine) markBranchPointLocked(parentID string) {
	if parentID == "" {
		return
	}
	parent, ok := e.topology.Node(parentID)
	if !ok {
		return
	}
	kids := e.topology.Children(parentID)
	if len(kids) < 2 {
		return
	}
	for _, kid := range kids {
		if !parent.HasBranchTarget(kid.ID) {
			parent.BranchTargets = append(parent.BranchTargets, kid.ID)
		}
	}
}

func (e *Engine) removeNodeLocked(p NodeDeletePayload, ts time.Time) bool {
	node, exists := e.state.Nodes[p.NodeID]
	if !exists {
		return false
	}
	if p.Hard {
		delete(e.state.Nodes, p.NodeID)
		e.rebuildTopologyLocked()
		return true
	}
	if node.Tombstoned {
		return true
	}
	node.Tombstoned = true
	node.Status = graph.StatusArchived
	node.UpdatedAt = ts
	return true
}

func (e *Engine) rebuildTopologyLocked() {
	nodes := make([]*graph.Node, 0, len(e.state.Nodes))
	for _, n := range e.state.Nodes {
		nodes = append(nodes, n)
	}
	e.topology = graph.NewTopologyIndex(nodes)
}

func (e *Engine) appendLeafLocked(p LeafPayload) bool {
	node, exists := e.state.Nodes[p.NodeID]
	if !exists {
		log.Printf("sync: dropping leaf %s for unknown node %s", p.Leaf.ID, p.NodeID)
		return false
	}
	// Appends only, never replaces: peers attach leaves independently,
	// and the id check keeps duplicate deliveries harmless.
	if node.HasLeaf(p.Leaf.ID) {
		return true
	}
	node.Leaves = append(node.Leaves, p.Leaf)
	return true
}

func (e *Engine) applyAvatarLocked(kind EventKind, avatar AvatarState) bool {
	switch kind {
	case EventAvatarMoved:
		existing, ok := e.state.Avatars[avatar.ID]
		if !ok {
			return false
		}
		existing.Position = avatar.Position
		existing.UpdatedAt = avatar.UpdatedAt
		e.state.Avatars[avatar.ID] = existing
		return true
	case EventAvatarStateChanged:
		e.state.Avatars[avatar.ID] = avatar
		return true
	}
	return false
}

// =========================================================================
// Delivery and reconnection
// =========================================================================

func (e *Engine) publishAndDispatch(ev Event) {
	e.stream.Publish(ev)
	e.sends.Add(1)
	go func() {
		defer e.sends.Done()
		e.deliver(ev)
	}()
}

func (e *Engine) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if e.transport == nil {
		e.enqueue(ctx, ev)
		return
	}
	err := e.transport.Send(ctx, ev)
	if err == nil {
		return
	}
	if IsDeliveryFailure(err) {
		e.enqueue(ctx, ev)
		return
	}
	// Peer rejection is final; retrying would replay the same refusal.
	log.Printf("sync: peer rejected %s event %s/%s: %v", ev.Kind, ev.RoomID, ev.AuthorID, err)
}

func (e *Engine) enqueue(ctx context.Context, ev Event) {
	if ev.Kind == EventAvatarMoved {
		log.Printf("sync: dropping stale avatar position for %s (offline)", ev.AuthorID)
		return
	}
	if err := e.queue.Enqueue(ctx, ev); err != nil {
		log.Printf("sync: enqueue %s event failed: %v", ev.Kind, err)
	}
}

// Reconnect drains the offline queue in creation order and re-attempts
// delivery. Clock values are already embedded in the stored events, so
// nothing is re-stamped. On a fresh transport failure the unsent remainder
// goes back to the queue.
func (e *Engine) Reconnect(ctx context.Context) (int, error) {
	if e.transport == nil {
		return 0, errors.New("reconnect: no transport configured")
	}
	events := e.queue.DrainPending(ctx)
	delivered := 0
	for i, ev := range events {
		err := e.transport.Send(ctx, ev)
		if err == nil {
			delivered++
			continue
		}
		if IsDeliveryFailure(err) {
			for _, rest := range events[i:] {
				if qerr := e.queue.Enqueue(ctx, rest); qerr != nil {
					log.Printf("sync: requeue after failed reconnect: %v", qerr)
				}
			}
			return delivered, err
		}
		log.Printf("sync: peer rejected replayed %s event: %v", ev.Kind, err)
	}
	return delivered, nil
}

// PendingCount reports undelivered events for connectivity-status UI.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.queue.PendingCount(ctx)
}

// =========================================================================
// Read-only queries
// =========================================================================

// Snapshot returns a deep copy of the replica aggregate.
func (e *Engine) Snapshot() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Snapshot()
}

func (e *Engine) Node(id string) (graph.Node, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, ok := e.topology.Node(id)
	if !ok {
		return graph.Node{}, false
	}
	return *n.Clone(), true
}

func (e *Engine) Children(id string) []graph.Node {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneAll(e.topology.Children(id))
}

func (e *Engine) Ancestors(id string) ([]graph.Node, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	nodes, err := e.topology.Ancestors(id)
	if err != nil {
		return nil, err
	}
	return cloneAll(nodes), nil
}

func (e *Engine) Descendants(id string) []graph.Node {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneAll(e.topology.Descendants(id))
}

func (e *Engine) CommonAncestor(a, b string) (graph.Node, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, ok, err := e.topology.CommonAncestor(a, b)
	if err != nil || !ok {
		return graph.Node{}, ok, err
	}
	return *n.Clone(), true, nil
}

func (e *Engine) BranchSubtree(id string) ([]graph.Node, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	nodes, err := e.topology.BranchSubtree(id)
	if err != nil {
		return nil, err
	}
	return cloneAll(nodes), nil
}

func (e *Engine) Metrics() graph.Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.topology.CalculateMetrics()
}

func cloneAll(nodes []*graph.Node) []graph.Node {
	out := make([]graph.Node, len(nodes))
	for i, n := range nodes {
		out[i] = *n.Clone()
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
