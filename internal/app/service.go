package app

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"helix/api/internal/auth"
	"helix/api/internal/config"
	"helix/api/internal/export"
	"helix/api/internal/geometry"
	"helix/api/internal/graph"
	"helix/api/internal/replica"
	"helix/api/internal/search"
	"helix/api/internal/store"
	"helix/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

// archiveStore is the durable copy of rooms and nodes. Optional: the
// service runs memory-only without it.
type archiveStore interface {
	UpsertRoom(context.Context, store.Room) error
	GetRoom(context.Context, string) (store.Room, error)
	ListRooms(context.Context) ([]store.Room, error)
	DeleteRoom(context.Context, string) error
	UpsertNode(context.Context, graph.Node) error
	ListNodes(context.Context, string) ([]graph.Node, error)
	DeleteNode(context.Context, string) error
	TouchRoom(context.Context, string, time.Time) error
	Ping(ctx context.Context) error
}

// searchIndex receives node records as the graph changes.
type searchIndex interface {
	Search(search.Query) search.Response
	IndexNode(search.NodeRecord)
	DeleteNode(string)
	ReindexAll([]search.NodeRecord)
}

// RoomView is the payload shape rooms take on the wire.
type RoomView struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Params    geometry.Params `json:"params"`
	NodeCount int             `json:"nodeCount"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Service struct {
	cfg       config.Config
	archive   archiveStore
	search    searchIndex
	uploader  export.Uploader
	transport replica.Transport
	queue     replica.PendingQueue

	mu        sync.Mutex
	rooms     map[string]*replica.Engine
	observers map[string]func()
	replicaID string
}

// NewService wires the room registry. archive, searchIdx, uploader and
// transport may each be nil; queue is required because every engine needs
// somewhere to park undelivered events.
func NewService(cfg config.Config, archive archiveStore, searchIdx searchIndex, uploader export.Uploader, transport replica.Transport, queue replica.PendingQueue) *Service {
	return &Service{
		cfg:       cfg,
		archive:   archive,
		search:    searchIdx,
		uploader:  uploader,
		transport: transport,
		queue:     queue,
		rooms:     make(map[string]*replica.Engine),
		observers: make(map[string]func()),
		replicaID: util.NewID("replica"),
	}
}

// ReplicaID identifies this process in vector clocks and self-echo checks.
func (s *Service) ReplicaID() string {
	return s.replicaID
}

func (s *Service) Ping(ctx context.Context) error {
	if s.archive == nil {
		return nil
	}
	return s.archive.Ping(ctx)
}

// Close stops all room observers and waits for in-flight deliveries.
func (s *Service) Close() {
	s.mu.Lock()
	engines := make([]*replica.Engine, 0, len(s.rooms))
	for id, e := range s.rooms {
		engines = append(engines, e)
		if cancel := s.observers[id]; cancel != nil {
			cancel()
		}
	}
	s.mu.Unlock()
	for _, e := range engines {
		e.Wait()
	}
}

// =========================================================================
// Sessions
// =========================================================================

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	if name == "" {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	userID := stableUserID(name)
	expiresAt := time.Now().Add(s.cfg.TokenTTL)
	claims := auth.Claims{
		Sub:  userID,
		Name: name,
		JTI:  util.NewID("jti"),
		Exp:  expiresAt.Unix(),
	}
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), claims)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{
		Token:     token,
		UserID:    userID,
		UserName:  name,
		JTI:       claims.JTI,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// stableUserID derives the same id for the same display name on every
// replica, so a participant reconnecting elsewhere keeps their identity.
func stableUserID(name string) string {
	sum := sha1.Sum([]byte(name))
	return "user_" + hex.EncodeToString(sum[:6])
}

// =========================================================================
// Rooms
// =========================================================================

func (s *Service) CreateRoom(ctx context.Context, title string, session Session) (RoomView, error) {
	if title == "" {
		return RoomView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	now := time.Now().UTC()
	roomID := util.NewID("room")
	params := s.helixParams(now)

	engine, err := s.startEngine(roomID, title, params, nil)
	if err != nil {
		return RoomView{}, err
	}
	engine.AnnounceRoom(ctx, session.UserID)

	if s.archive != nil {
		if err := s.archive.UpsertRoom(ctx, store.Room{
			ID: roomID, Title: title, Params: params,
			CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			log.Printf("rooms: archive room %s: %v", roomID, err)
		}
	}
	return RoomView{ID: roomID, Title: title, Params: params, CreatedAt: now}, nil
}

func (s *Service) helixParams(origin time.Time) geometry.Params {
	return geometry.Params{
		Origin:     origin,
		TotalLanes: s.cfg.TotalLanes,
		TimeScale:  s.cfg.TimeScale,
		BaseRadius: s.cfg.BaseRadius,
		Growth:     s.cfg.RadiusGrowth,
		DepthStep:  s.cfg.DepthStep,
		TurnRate:   s.cfg.TurnRate,
	}
}

// startEngine registers a new engine under the shared transport and queue
// and hooks up the archive/search observer.
func (s *Service) startEngine(roomID, title string, params geometry.Params, restore *replica.State) (*replica.Engine, error) {
	engine, err := replica.NewEngine(replica.EngineConfig{
		RoomID:    roomID,
		Title:     title,
		SelfID:    s.replicaID,
		Params:    params,
		Tolerance: s.cfg.LWWTolerance,
		Transport: s.transport,
		Queue:     s.queue,
		Restore:   restore,
	})
	if err != nil {
		return nil, fmt.Errorf("start room engine: %w", err)
	}

	s.mu.Lock()
	if existing, ok := s.rooms[roomID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.rooms[roomID] = engine
	events, cancel := engine.Stream().Subscribe(256)
	s.observers[roomID] = cancel
	s.mu.Unlock()

	go s.observeRoom(engine, events)
	return engine, nil
}

// observeRoom mirrors applied events into the archive and search index.
// Best-effort: a failed mirror write is logged, never propagated back into
// the apply path.
func (s *Service) observeRoom(engine *replica.Engine, events <-chan replica.Event) {
	for ev := range events {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.mirrorEvent(ctx, engine, ev)
		cancel()
	}
}

func (s *Service) mirrorEvent(ctx context.Context, engine *replica.Engine, ev replica.Event) {
	switch p := ev.Payload.(type) {
	case replica.NodePayload:
		node, ok := engine.Node(p.Node.ID)
		if !ok {
			return
		}
		if s.archive != nil {
			if err := s.archive.UpsertNode(ctx, node); err != nil {
				log.Printf("rooms: archive node %s: %v", node.ID, err)
			}
			if err := s.archive.TouchRoom(ctx, ev.RoomID, ev.Timestamp); err != nil {
				log.Printf("rooms: touch room %s: %v", ev.RoomID, err)
			}
		}
		if s.search != nil {
			s.search.IndexNode(search.RecordFromNode(node))
		}
	case replica.LeafPayload:
		node, ok := engine.Node(p.NodeID)
		if !ok {
			return
		}
		if s.archive != nil {
			if err := s.archive.UpsertNode(ctx, node); err != nil {
				log.Printf("rooms: archive node %s: %v", node.ID, err)
			}
		}
		if s.search != nil {
			s.search.IndexNode(search.RecordFromNode(node))
		}
	case replica.NodeDeletePayload:
		if p.Hard {
			if s.archive != nil {
				if err := s.archive.DeleteNode(ctx, p.NodeID); err != nil {
					log.Printf("rooms: delete node %s: %v", p.NodeID, err)
				}
			}
			if s.search != nil {
				s.search.DeleteNode(p.NodeID)
			}
			return
		}
		node, ok := engine.Node(p.NodeID)
		if !ok {
			return
		}
		if s.archive != nil {
			if err := s.archive.UpsertNode(ctx, node); err != nil {
				log.Printf("rooms: archive tombstone %s: %v", node.ID, err)
			}
		}
		if s.search != nil {
			// Tombstoned content should stop surfacing in search.
			s.search.DeleteNode(p.NodeID)
		}
	}
}

// engineFor returns the live engine, restoring it from the archive on a
// cold start.
func (s *Service) engineFor(ctx context.Context, roomID string) (*replica.Engine, error) {
	s.mu.Lock()
	engine, ok := s.rooms[roomID]
	s.mu.Unlock()
	if ok {
		return engine, nil
	}
	if s.archive == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "room not found", nil)
	}

	room, err := s.archive.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "room not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}
	nodes, err := s.archive.ListNodes(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load room nodes: %w", err)
	}

	state := replica.NewState(room.ID, room.Title, room.Params)
	records := make([]search.NodeRecord, 0, len(nodes))
	for i := range nodes {
		node := nodes[i]
		state.Nodes[node.ID] = &node
		if !node.Tombstoned {
			records = append(records, search.RecordFromNode(node))
		}
	}
	engine, err = s.startEngine(room.ID, room.Title, room.Params, state)
	if err != nil {
		return nil, err
	}
	if s.search != nil && len(records) > 0 {
		s.search.ReindexAll(records)
	}
	return engine, nil
}

func (s *Service) GetRoom(ctx context.Context, roomID string) (RoomView, error) {
	engine, err := s.engineFor(ctx, roomID)
	if err != nil {
		return RoomView{}, err
	}
	snap := engine.Snapshot()
	return RoomView{
		ID:        snap.RoomID,
		Title:     snap.Title,
		Params:    snap.Params,
		NodeCount: len(snap.Nodes),
		CreatedAt: snap.Params.Origin,
	}, nil
}

func (s *Service) ListRooms(ctx context.Context) ([]RoomView, error) {
	views := map[string]RoomView{}
	if s.archive != nil {
		rooms, err := s.archive.ListRooms(ctx)
		if err != nil {
			return nil, fmt.Errorf("list rooms: %w", err)
		}
		for _, room := range rooms {
			views[room.ID] = RoomView{
				ID: room.ID, Title: room.Title, Params: room.Params,
				CreatedAt: room.CreatedAt,
			}
		}
	}
	s.mu.Lock()
	for id, engine := range s.rooms {
		snap := engine.Snapshot()
		views[id] = RoomView{
			ID: snap.RoomID, Title: snap.Title, Params: snap.Params,
			NodeCount: len(snap.Nodes), CreatedAt: snap.Params.Origin,
		}
	}
	s.mu.Unlock()

	out := make([]RoomView, 0, len(views))
	for _, view := range views {
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =========================================================================
// Graph operations
// =========================================================================

type SubmitNodeInput struct {
	Content       string `json:"content"`
	ReplyTargetID string `json:"replyTargetId"`
	MergeSourceID string `json:"mergeSourceId"`
}

func (s *Service) SubmitNode(ctx context.Context, roomID string, session Session, input SubmitNodeInput) (graph.Node, error) {
	engine, err := s.engineFor(ctx, roomID)
	if err != nil {
		return graph.Node{}, err
	}
	node, err := engine.SubmitContent(ctx, replica.Submission{
		Content:       input.Content,
		AuthorID:      session.UserID,
		ReplyTargetID: input.ReplyTargetID,
		MergeSourceID: input.MergeSourceID,
	})
	if err != nil {
		return graph.Node{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return node, nil
}

func (s *Service) UpdateNodeStatus(ctx context.Context, roomID, nodeID string, status graph.Status, session Session) (graph.Node, error) {
	engine, err := s.engineFor(ctx, roomID)
	if err != nil {
		return graph.Node{}, err
	}
	if err := engine.UpdateNodeStatus(ctx, nodeID, status, session.UserID); err != nil {
		return graph.Node{}, domainError(http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	}
	node, _ := engine.Node(nodeID)
	return node, nil
}

func (s *Service) DeleteNode(ctx context.Context, roomID, nodeID string, hard bool, session Session) error {
	engine, err := s.engineFor(ctx, roomID)
	if err != nil {
		return err
	}
	if hard {
		err = engine.HardDeleteNode(ctx, nodeID, session.UserID)
	} else {
		err = engine.TombstoneNode(ctx, nodeID, session.UserID)
	}
	if err != nil {
		return domainError(http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	}
	return nil
}

func (s *Service) AttachLeaf(ctx context.Context, roomID, nodeID, content string, session Session) (graph.Leaf, error) {
	engine, err := s.engineFor(ctx, roomID)
	if err != nil {
		return graph.Leaf{}, err
	}
	leaf, err := engine.AttachLeaf(ctx, nodeID, content, session.UserID)
	if err != nil {
		return graph.Leaf{}, domainError(http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	}
	return leaf, nil
}

func (s *Service) AddReference(ctx context.Context, roomID, nodeID, targetID string, session Session) error {
	engine, err := s.engineFor(ctx, roomID)
	if err != nil {
		return err
	}
	if err := engine.AddReference(ctx, nodeID, targetID, session.UserID); err != nil {
		return domainError(http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	}
	return nil
}

func (s *Service) JoinRoom(ctx context.Context, roomID string, session Session) (replica.AvatarState, error) {
	engine, err := s.engineFor(ctx, roomID)
	if err != nil {
		return replica.AvatarState{}, err
	}
	avatar, err := engine.Join(ctx, session.UserID, session.UserName)
	if err != nil {
		return replica.AvatarState{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return avatar, nil
}

func (s *Service) MoveAvatar(ctx context.Context, roomID string, session Session, pos geometry.Vec3) error {
	engine, err := s.engineFor(ctx, roomID)
	if err != nil {
		return err
	}
	if err := engine.MoveAvatar(ctx, session.UserID, pos); err != nil {
		return domainError(http.StatusConflict, "NOT_JOINED", err.Error(), nil)
	}
	return nil
}

func (s *Service) RoomNodes(ctx context.Context, roomID string) ([]graph.Node, error) {
	engine, err := s.engineFor(ctx, roomID)
	if err != nil {
		return nil, err
	}
	snap := engine.Snapshot()
	nodes := make([]graph.Node, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		nodes = append(nodes, *n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
	return nodes, nil
}

func (s *Service) RoomAvatars(ctx context.Context, roomID string) ([]replica.AvatarState, error) {
	engine, err := s.engineFor(ctx, roomID)
	if err != nil {
		return nil, err
	}
	snap := engine.Snapshot()
	avatars := make([]replica.AvatarState, 0, len(snap.Avatars))
	for _, a := range snap.Avatars {
		avatars = append(avatars, a)
	}
	sort.Slice(avatars, func(i, j int) bool { return avatars[i].ID < avatars[j].ID })
	return avatars, nil
}

func (s *Service) Ancestors(ctx context.Context, roomID, nodeID string) ([]graph.Node, error) {
	engine, err := s.engineFor(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if _, ok := engine.Node(nodeID); !ok {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "node not found", nil)
	}
	nodes, err := engine.Ancestors(nodeID)
	if err != nil {
		return nil, mapTopologyError(err)
	}
	return nodes, nil
}

func (s *Service) Descendants(ctx context.Context, roomID, nodeID string) ([]graph.Node, error) {
	engine, err := s.engineFor(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if _, ok := engine.Node(nodeID); !ok {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "node not found", nil)
	}
	return engine.Descendants(nodeID), nil
}

func (s *Service) CommonAncestor(ctx context.Context, roomID, a, b string) (graph.Node, bool, error) {
	engine, err := s.engineFor(ctx, roomID)
	if err != nil {
		return graph.Node{}, false, err
	}
	node, ok, err := engine.CommonAncestor(a, b)
	if err != nil {
		return graph.Node{}, false, mapTopologyError(err)
	}
	return node, ok, nil
}

func (s *Service) BranchSubtree(ctx context.Context, roomID, nodeID string) ([]graph.Node, error) {
	engine, err := s.engineFor(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if _, ok := engine.Node(nodeID); !ok {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "node not found", nil)
	}
	nodes, err := engine.BranchSubtree(nodeID)
	if err != nil {
		return nil, mapTopologyError(err)
	}
	return nodes, nil
}

func (s *Service) Metrics(ctx context.Context, roomID string) (graph.Metrics, error) {
	engine, err := s.engineFor(ctx, roomID)
	if err != nil {
		return graph.Metrics{}, err
	}
	return engine.Metrics(), nil
}

func mapTopologyError(err error) error {
	var integrity *graph.StructuralIntegrityError
	if errors.As(err, &integrity) {
		return domainError(http.StatusConflict, "STRUCTURAL_INTEGRITY", integrity.Error(), map[string]any{
			"nodeId": integrity.NodeID,
		})
	}
	return domainError(http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
}

// =========================================================================
// Replication endpoints
// =========================================================================

// ApplyEvents reconciles a batch of inbound wire events. A malformed or
// stale entry is dropped individually; the rest of the batch proceeds.
func (s *Service) ApplyEvents(ctx context.Context, roomID string, raw []json.RawMessage) (applied, dropped int, err error) {
	engine, err := s.engineFor(ctx, roomID)
	if err != nil {
		return 0, 0, err
	}
	for _, entry := range raw {
		ev, err := replica.DecodeEvent(entry)
		if err != nil {
			log.Printf("sync: dropping malformed event for %s: %v", roomID, err)
			dropped++
			continue
		}
		if ev.RoomID != roomID {
			log.Printf("sync: dropping misrouted event for %s (addressed to %s)", roomID, ev.RoomID)
			dropped++
			continue
		}
		ok, err := engine.ApplyRemote(ctx, ev)
		if err != nil {
			log.Printf("sync: dropping unappliable event for %s: %v", roomID, err)
			dropped++
			continue
		}
		if ok {
			applied++
		} else {
			dropped++
		}
	}
	return applied, dropped, nil
}

// DispatchRemote routes one relayed event into the owning room engine,
// spinning the room up from its announcement when first seen.
func (s *Service) DispatchRemote(ctx context.Context, ev replica.Event) (bool, error) {
	if room, ok := ev.Payload.(replica.RoomPayload); ok && ev.Kind == replica.EventRoomCreated {
		s.mu.Lock()
		_, known := s.rooms[ev.RoomID]
		s.mu.Unlock()
		if !known {
			engine, err := s.startEngine(ev.RoomID, room.Title, room.Params, nil)
			if err != nil {
				return false, err
			}
			if s.archive != nil {
				if err := s.archive.UpsertRoom(ctx, store.Room{
					ID: ev.RoomID, Title: room.Title, Params: room.Params,
					CreatedAt: ev.Timestamp, UpdatedAt: ev.Timestamp,
				}); err != nil {
					log.Printf("sync: archive announced room %s: %v", ev.RoomID, err)
				}
			}
			return engine.ApplyRemote(ctx, ev)
		}
	}
	engine, err := s.engineFor(ctx, ev.RoomID)
	if err != nil {
		return false, err
	}
	return engine.ApplyRemote(ctx, ev)
}

// PendingCount reports queued, undelivered events across all rooms.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.queue.PendingCount(ctx)
}

// Reconnect replays the shared offline queue through the transport.
func (s *Service) Reconnect(ctx context.Context) (int, error) {
	s.mu.Lock()
	var engine *replica.Engine
	for _, e := range s.rooms {
		engine = e
		break
	}
	s.mu.Unlock()
	if engine == nil {
		return 0, domainError(http.StatusConflict, "NO_ROOMS", "no active rooms to reconnect", nil)
	}
	delivered, err := engine.Reconnect(ctx)
	if err != nil {
		if replica.IsDeliveryFailure(err) {
			return delivered, domainError(http.StatusServiceUnavailable, "RELAY_UNAVAILABLE", "relay still unreachable", map[string]any{
				"delivered": delivered,
			})
		}
		return delivered, err
	}
	return delivered, nil
}

// =========================================================================
// Search and export
// =========================================================================

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// ExportTranscript renders the room transcript and, when an uploader is
// configured, ships it to object storage. The transcript body is returned
// either way.
func (s *Service) ExportTranscript(ctx context.Context, roomID string) (export.Transcript, string, error) {
	engine, err := s.engineFor(ctx, roomID)
	if err != nil {
		return export.Transcript{}, "", err
	}
	snap := engine.Snapshot()
	nodes := make([]graph.Node, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		nodes = append(nodes, *n)
	}
	transcript := export.BuildTranscript(snap.RoomID, snap.Title, nodes, time.Now())

	if s.uploader == nil {
		return transcript, "", nil
	}
	key, err := s.uploader.Upload(ctx, transcript)
	if err != nil {
		return transcript, "", domainError(http.StatusBadGateway, "EXPORT_UPLOAD_FAILED", err.Error(), nil)
	}
	return transcript, key, nil
}
