package replica

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"helix/api/internal/graph"
)

func TestEncodeDecodeNodeEvent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := Event{
		Kind:     EventNodeCreated,
		RoomID:   "room_1",
		AuthorID: "alice",
		Payload: NodePayload{Node: graph.Node{
			ID:        "node_1",
			RoomID:    "room_1",
			AuthorID:  "alice",
			Content:   "first point",
			Status:    graph.StatusPlaced,
			CreatedAt: ts,
			UpdatedAt: ts,
		}},
		Clock:     VectorClock{"alice": 1},
		Timestamp: ts,
	}

	raw, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var envelope map[string]any
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("envelope is not json: %v", err)
	}
	if envelope["type"] != "node_created" {
		t.Errorf("type = %v", envelope["type"])
	}
	if envelope["roomId"] != "room_1" || envelope["userId"] != "alice" {
		t.Errorf("ids = %v / %v", envelope["roomId"], envelope["userId"])
	}
	if envelope["vectorClock"] != "alice:1" {
		t.Errorf("vectorClock = %v", envelope["vectorClock"])
	}

	got, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != EventNodeCreated || got.AuthorID != "alice" {
		t.Fatalf("decoded header mismatch: %+v", got)
	}
	p, ok := got.Payload.(NodePayload)
	if !ok {
		t.Fatalf("payload type = %T", got.Payload)
	}
	if p.Node.ID != "node_1" || p.Node.Content != "first point" {
		t.Fatalf("decoded node mismatch: %+v", p.Node)
	}
	if !got.Timestamp.Equal(ts) {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, ts)
	}
	if got.Clock.Counter("alice") != 1 {
		t.Fatalf("clock = %v", got.Clock)
	}
}

func TestDecodeEventMissingClockMeansZero(t *testing.T) {
	raw := []byte(`{"type":"node_deleted","roomId":"r","userId":"bob",` +
		`"data":{"nodeId":"n1"},"timestamp":"2026-03-01T12:00:00Z"}`)
	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode without clock: %v", err)
	}
	if len(ev.Clock) != 0 {
		t.Fatalf("clock should be all-zero, got %v", ev.Clock)
	}
}

func TestDecodeEventRejectsUnknownKind(t *testing.T) {
	raw := []byte(`{"type":"node_exploded","roomId":"r","userId":"u","data":{}}`)
	if _, err := DecodeEvent(raw); err == nil {
		t.Fatal("unknown kind should fail decoding")
	}
}

func TestDecodeEventRejectsMalformedParts(t *testing.T) {
	cases := map[string]string{
		"bad clock":    `{"type":"node_deleted","roomId":"r","userId":"u","data":{"nodeId":"n"},"vectorClock":"oops"}`,
		"missing room": `{"type":"node_deleted","userId":"u","data":{"nodeId":"n"}}`,
		"missing node": `{"type":"node_deleted","roomId":"r","userId":"u","data":{}}`,
		"empty data":   `{"type":"leaf_generated","roomId":"r","userId":"u"}`,
		"not json":     `{"type":"node_created","roomId":"r","userId":"u","data":"nope"}`,
	}
	for name, raw := range cases {
		if _, err := DecodeEvent([]byte(raw)); err == nil {
			t.Errorf("%s: decode should fail", name)
		}
	}
}

func TestEncodeEventRejectsInvalid(t *testing.T) {
	if _, err := EncodeEvent(Event{Kind: "bogus"}); err == nil {
		t.Fatal("unknown kind should fail encoding")
	}
	if _, err := EncodeEvent(Event{Kind: EventNodeCreated}); err == nil {
		t.Fatal("nil payload should fail encoding")
	}
}

func TestDecodePayloadKinds(t *testing.T) {
	ts := "2026-03-01T12:00:00Z"
	cases := []struct {
		kind string
		data string
	}{
		{"room_created", `{"title":"t","params":{"origin":"` + ts + `","totalLanes":8}}`},
		{"leaf_generated", `{"nodeId":"n","leaf":{"id":"leaf_1","authorId":"a","content":"c"}}`},
		{"avatar_moved", `{"avatar":{"id":"alice","lane":2}}`},
		{"avatar_state_changed", `{"avatar":{"id":"alice","status":"idle"}}`},
	}
	for _, tc := range cases {
		raw := `{"type":"` + tc.kind + `","roomId":"r","userId":"u","data":` + tc.data +
			`,"timestamp":"` + ts + `"}`
		ev, err := DecodeEvent([]byte(raw))
		if err != nil {
			t.Errorf("%s: %v", tc.kind, err)
			continue
		}
		if string(ev.Kind) != tc.kind {
			t.Errorf("%s decoded as %s", tc.kind, ev.Kind)
		}
	}
}

func TestWireTimestampIsISO8601(t *testing.T) {
	ev := Event{
		Kind:      EventNodeDeleted,
		RoomID:    "r",
		AuthorID:  "u",
		Payload:   NodeDeletePayload{NodeID: "n"},
		Timestamp: time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC),
	}
	raw, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(raw), `"2026-03-01T12:30:45Z"`) {
		t.Fatalf("timestamp not ISO-8601 UTC: %s", raw)
	}
}
