package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"helix/api/internal/graph"
)

var ErrNotFound = errors.New("not found")

// PostgresStore archives rooms and their node graphs. The live replica
// state stays in memory; this is the durable copy that survives restarts
// and feeds cold starts.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) UpsertRoom(ctx context.Context, room Room) error {
	params, err := json.Marshal(room.Params)
	if err != nil {
		return fmt.Errorf("marshal room params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, title, params, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET title=EXCLUDED.title, params=EXCLUDED.params, updated_at=EXCLUDED.updated_at
	`, room.ID, room.Title, params, room.CreatedAt, room.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert room: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	const query = `SELECT id, title, params, created_at, updated_at FROM rooms WHERE id=$1`
	var (
		room Room
		raw  []byte
	)
	err := s.db.QueryRowContext(ctx, query, roomID).
		Scan(&room.ID, &room.Title, &raw, &room.CreatedAt, &room.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("get room: %w", err)
	}
	if err := json.Unmarshal(raw, &room.Params); err != nil {
		return Room{}, fmt.Errorf("unmarshal room params: %w", err)
	}
	return room, nil
}

func (s *PostgresStore) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, params, created_at, updated_at FROM rooms ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var (
			room Room
			raw  []byte
		)
		if err := rows.Scan(&room.ID, &room.Title, &raw, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		if err := json.Unmarshal(raw, &room.Params); err != nil {
			return nil, fmt.Errorf("unmarshal room params: %w", err)
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *PostgresStore) DeleteRoom(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id=$1`, roomID); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

// UpsertNode archives one node. The full node travels as a JSONB payload;
// the indexed columns exist for queries and cascade deletes, not as the
// source of truth.
func (s *PostgresStore) UpsertNode(ctx context.Context, node graph.Node) error {
	payload, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, room_id, parent_id, author_id, status, tombstoned, payload, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			parent_id=EXCLUDED.parent_id,
			status=EXCLUDED.status,
			tombstoned=EXCLUDED.tombstoned,
			payload=EXCLUDED.payload,
			updated_at=EXCLUDED.updated_at
	`, node.ID, node.RoomID, node.ParentID, node.AuthorID, string(node.Status),
		node.Tombstoned, payload, node.CreatedAt, node.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

// ListNodes returns every archived node of a room in creation order.
func (s *PostgresStore) ListNodes(ctx context.Context, roomID string) ([]graph.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM nodes WHERE room_id=$1 ORDER BY created_at, id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []graph.Node
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		var node graph.Node
		if err := json.Unmarshal(raw, &node); err != nil {
			return nil, fmt.Errorf("unmarshal node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) DeleteNode(ctx context.Context, nodeID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id=$1`, nodeID); err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return nil
}

// TouchRoom bumps the room's updated_at after node activity.
func (s *PostgresStore) TouchRoom(ctx context.Context, roomID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET updated_at=$2 WHERE id=$1`, roomID, at); err != nil {
		return fmt.Errorf("touch room: %w", err)
	}
	return nil
}
