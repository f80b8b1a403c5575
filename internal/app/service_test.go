package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"helix/api/internal/config"
	"helix/api/internal/graph"
	"helix/api/internal/queue"
	"helix/api/internal/replica"
	"helix/api/internal/search"
	"helix/api/internal/store"
)

type fakeArchive struct {
	mu          sync.Mutex
	rooms       map[string]store.Room
	nodes       map[string]graph.Node
	getRoomFn   func(ctx context.Context, id string) (store.Room, error)
	listNodesFn func(ctx context.Context, roomID string) ([]graph.Node, error)
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		rooms: map[string]store.Room{},
		nodes: map[string]graph.Node{},
	}
}

func (f *fakeArchive) UpsertRoom(ctx context.Context, room store.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[room.ID] = room
	return nil
}

func (f *fakeArchive) GetRoom(ctx context.Context, id string) (store.Room, error) {
	if f.getRoomFn != nil {
		return f.getRoomFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[id]
	if !ok {
		return store.Room{}, store.ErrNotFound
	}
	return room, nil
}

func (f *fakeArchive) ListRooms(ctx context.Context) ([]store.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Room, 0, len(f.rooms))
	for _, room := range f.rooms {
		out = append(out, room)
	}
	return out, nil
}

func (f *fakeArchive) DeleteRoom(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, id)
	return nil
}

func (f *fakeArchive) UpsertNode(ctx context.Context, node graph.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[node.ID] = node
	return nil
}

func (f *fakeArchive) ListNodes(ctx context.Context, roomID string) ([]graph.Node, error) {
	if f.listNodesFn != nil {
		return f.listNodesFn(ctx, roomID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []graph.Node
	for _, node := range f.nodes {
		if node.RoomID == roomID {
			out = append(out, node)
		}
	}
	return out, nil
}

func (f *fakeArchive) DeleteNode(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, id)
	return nil
}

func (f *fakeArchive) TouchRoom(ctx context.Context, id string, at time.Time) error {
	return nil
}

func (f *fakeArchive) Ping(ctx context.Context) error {
	return nil
}

func (f *fakeArchive) node(id string) (graph.Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[id]
	return node, ok
}

func testConfig() config.Config {
	return config.Config{
		TokenSecret:  "test-secret",
		TokenTTL:     time.Hour,
		LWWTolerance: 2 * time.Second,
		TotalLanes:   8,
		TimeScale:    0.5,
		BaseRadius:   4.0,
		RadiusGrowth: 0.02,
		DepthStep:    1.5,
		TurnRate:     0.1,
	}
}

func newTestService(archive archiveStore) *Service {
	return NewService(testConfig(), archive, search.NewService(nil), nil, nil,
		queue.New(queue.NewMemoryKV()))
}

func loginAs(t *testing.T, svc *Service, name string) Session {
	t.Helper()
	session, err := svc.Login(context.Background(), name)
	if err != nil {
		t.Fatalf("login %s: %v", name, err)
	}
	return session
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	svc := newTestService(nil)
	session := loginAs(t, svc, "Avery")

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("parse own token: %v", err)
	}
	if parsed.UserID != session.UserID || parsed.UserName != "Avery" {
		t.Fatalf("parsed = %+v", parsed)
	}

	// Same name always maps to the same participant id.
	again := loginAs(t, svc, "Avery")
	if again.UserID != session.UserID {
		t.Fatalf("user id changed across logins: %s vs %s", again.UserID, session.UserID)
	}
	if _, err := svc.Login(context.Background(), ""); err == nil {
		t.Fatal("empty name should be rejected")
	}
}

func TestRoomDiscussionFlow(t *testing.T) {
	svc := newTestService(nil)
	defer svc.Close()
	ctx := context.Background()
	alice := loginAs(t, svc, "Alice")
	bob := loginAs(t, svc, "Bob")

	room, err := svc.CreateRoom(ctx, "architecture review", alice)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := svc.JoinRoom(ctx, room.ID, alice); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := svc.JoinRoom(ctx, room.ID, bob); err != nil {
		t.Fatalf("join: %v", err)
	}

	root, err := svc.SubmitNode(ctx, room.ID, alice, SubmitNodeInput{Content: "proposal"})
	if err != nil {
		t.Fatalf("submit root: %v", err)
	}
	replyA, err := svc.SubmitNode(ctx, room.ID, bob, SubmitNodeInput{
		Content: "objection", ReplyTargetID: root.ID,
	})
	if err != nil {
		t.Fatalf("submit reply: %v", err)
	}
	replyB, err := svc.SubmitNode(ctx, room.ID, alice, SubmitNodeInput{
		Content: "alternative", ReplyTargetID: root.ID,
	})
	if err != nil {
		t.Fatalf("submit second reply: %v", err)
	}

	nodes, err := svc.RoomNodes(ctx, room.ID)
	if err != nil {
		t.Fatalf("room nodes: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("nodes = %d, want 3", len(nodes))
	}

	ancestors, err := svc.Ancestors(ctx, room.ID, replyA.ID)
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}
	if len(ancestors) != 1 || ancestors[0].ID != root.ID {
		t.Fatalf("ancestors = %+v", ancestors)
	}

	lca, found, err := svc.CommonAncestor(ctx, room.ID, replyA.ID, replyB.ID)
	if err != nil || !found || lca.ID != root.ID {
		t.Fatalf("lca = %v found=%v err=%v", lca.ID, found, err)
	}

	metrics, err := svc.Metrics(ctx, room.ID)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if metrics.NodeCount != 3 || metrics.BranchCount == 0 {
		t.Fatalf("metrics = %+v", metrics)
	}

	if _, err := svc.UpdateNodeStatus(ctx, room.ID, root.ID, graph.StatusConfirmed, alice); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	var domainErr *DomainError
	if _, err := svc.UpdateNodeStatus(ctx, room.ID, root.ID, graph.StatusDraft, alice); !errors.As(err, &domainErr) {
		t.Fatalf("regression err = %v, want domain error", err)
	}
}

func TestUnknownRoomIsNotFound(t *testing.T) {
	svc := newTestService(nil)
	_, err := svc.GetRoom(context.Background(), "room_missing")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "NOT_FOUND" {
		t.Fatalf("err = %v, want NOT_FOUND domain error", err)
	}
}

func TestColdStartRestoresRoomFromArchive(t *testing.T) {
	archive := newFakeArchive()
	svc := newTestService(archive)
	defer svc.Close()
	ctx := context.Background()

	origin := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	params := svc.helixParams(origin)
	archive.rooms["room_old"] = store.Room{
		ID: "room_old", Title: "archived talk", Params: params,
		CreatedAt: origin, UpdatedAt: origin,
	}
	archive.nodes["node_old"] = graph.Node{
		ID: "node_old", RoomID: "room_old", AuthorID: "user_x",
		Content: "from the archive", Status: graph.StatusConfirmed,
		Point:     graph.TemporalPoint{Timestamp: origin.Add(time.Second)},
		CreatedAt: origin.Add(time.Second), UpdatedAt: origin.Add(time.Second),
	}

	room, err := svc.GetRoom(ctx, "room_old")
	if err != nil {
		t.Fatalf("cold start: %v", err)
	}
	if room.Title != "archived talk" || room.NodeCount != 1 {
		t.Fatalf("restored view = %+v", room)
	}
	nodes, err := svc.RoomNodes(ctx, "room_old")
	if err != nil || len(nodes) != 1 || nodes[0].ID != "node_old" {
		t.Fatalf("restored nodes = %+v err=%v", nodes, err)
	}
}

func TestObserverMirrorsNodesIntoArchive(t *testing.T) {
	archive := newFakeArchive()
	svc := newTestService(archive)
	defer svc.Close()
	ctx := context.Background()
	alice := loginAs(t, svc, "Alice")

	room, err := svc.CreateRoom(ctx, "mirrored", alice)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	node, err := svc.SubmitNode(ctx, room.ID, alice, SubmitNodeInput{Content: "persist me"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if archived, ok := archive.node(node.ID); ok {
			if archived.Content != "persist me" {
				t.Fatalf("archived = %+v", archived)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("node never mirrored into archive")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestApplyEventsDropsBadEntriesIndividually(t *testing.T) {
	svc := newTestService(nil)
	defer svc.Close()
	ctx := context.Background()
	alice := loginAs(t, svc, "Alice")

	room, err := svc.CreateRoom(ctx, "sync target", alice)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	good := json.RawMessage(`{"type":"node_created","roomId":"` + room.ID + `","userId":"remote-user",` +
		`"data":{"node":{"id":"node_r1","roomId":"` + room.ID + `","authorId":"remote-user",` +
		`"content":"from a peer","status":"placed","createdAt":"` + ts + `","updatedAt":"` + ts + `"}},` +
		`"vectorClock":"remote-user:1","timestamp":"` + ts + `"}`)
	malformed := json.RawMessage(`{"type":"node_created","roomId":"` + room.ID + `"}`)
	misrouted := json.RawMessage(`{"type":"node_deleted","roomId":"room_other","userId":"remote-user",` +
		`"data":{"nodeId":"node_x"},"timestamp":"` + ts + `"}`)

	applied, dropped, err := svc.ApplyEvents(ctx, room.ID, []json.RawMessage{good, malformed, misrouted})
	if err != nil {
		t.Fatalf("apply events: %v", err)
	}
	if applied != 1 || dropped != 2 {
		t.Fatalf("applied=%d dropped=%d, want 1/2", applied, dropped)
	}
	nodes, _ := svc.RoomNodes(ctx, room.ID)
	if len(nodes) != 1 || nodes[0].ID != "node_r1" {
		t.Fatalf("nodes after batch = %+v", nodes)
	}
}

func TestExportTranscriptWithoutUploader(t *testing.T) {
	svc := newTestService(nil)
	defer svc.Close()
	ctx := context.Background()
	alice := loginAs(t, svc, "Alice")

	room, err := svc.CreateRoom(ctx, "to export", alice)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := svc.SubmitNode(ctx, room.ID, alice, SubmitNodeInput{Content: "exported line"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	transcript, key, err := svc.ExportTranscript(ctx, room.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if key != "" {
		t.Fatalf("object key without uploader = %q", key)
	}
	if transcript.RoomID != room.ID || transcript.Body == "" {
		t.Fatalf("transcript = %+v", transcript)
	}
}

func TestReconnectWithoutRooms(t *testing.T) {
	svc := newTestService(nil)
	_, err := svc.Reconnect(context.Background())
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "NO_ROOMS" {
		t.Fatalf("err = %v, want NO_ROOMS", err)
	}
}

func TestDispatchRemoteCreatesAnnouncedRoom(t *testing.T) {
	svc := newTestService(nil)
	defer svc.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	applied, err := svc.DispatchRemote(ctx, replica.Event{
		Kind:      replica.EventRoomCreated,
		RoomID:    "room_remote",
		AuthorID:  "user_remote",
		Payload:   replica.RoomPayload{Title: "announced elsewhere", Params: svc.helixParams(now)},
		Timestamp: now,
	})
	if err != nil || !applied {
		t.Fatalf("dispatch announcement: applied=%v err=%v", applied, err)
	}

	room, err := svc.GetRoom(ctx, "room_remote")
	if err != nil {
		t.Fatalf("announced room missing: %v", err)
	}
	if room.Title != "announced elsewhere" {
		t.Fatalf("room = %+v", room)
	}
}

func TestSelfEventsAreNotReapplied(t *testing.T) {
	svc := newTestService(nil)
	defer svc.Close()
	ctx := context.Background()
	alice := loginAs(t, svc, "Alice")

	room, err := svc.CreateRoom(ctx, "echo test", alice)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	node, err := svc.SubmitNode(ctx, room.ID, alice, SubmitNodeInput{Content: "mine"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// A relayed copy of a locally-originated delete must not land.
	ts := time.Now().UTC().Format(time.RFC3339)
	echo := json.RawMessage(`{"type":"node_deleted","roomId":"` + room.ID + `","userId":"` + alice.UserID + `",` +
		`"data":{"nodeId":"` + node.ID + `"},"timestamp":"` + ts + `"}`)
	applied, dropped, err := svc.ApplyEvents(ctx, room.ID, []json.RawMessage{echo})
	if err != nil {
		t.Fatalf("apply echo: %v", err)
	}
	if applied != 0 || dropped != 1 {
		t.Fatalf("applied=%d dropped=%d, want 0/1", applied, dropped)
	}
}
