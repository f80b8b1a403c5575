package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisKV, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	kv, err := NewRedisKV("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis kv: %v", err)
	}
	return kv, s
}

func TestNewRedisKV(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	kv, err := NewRedisKV("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisKV failed: %v", err)
	}
	defer kv.Close()

	if err := kv.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestRedisPutGetAllDelete(t *testing.T) {
	kv, s := setupTestRedis(t)
	defer kv.Close()
	defer s.Close()

	ctx := context.Background()
	if err := kv.Put(ctx, "a", []byte("one")); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := kv.Put(ctx, "b", []byte("two")); err != nil {
		t.Fatalf("put b: %v", err)
	}

	all, err := kv.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 2 || string(all["a"]) != "one" || string(all["b"]) != "two" {
		t.Fatalf("get all = %v", all)
	}

	if err := kv.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, err = kv.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all after delete: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("entries after delete = %d, want 1", len(all))
	}
}

func TestRedisDeleteNonExistent(t *testing.T) {
	kv, s := setupTestRedis(t)
	defer kv.Close()
	defer s.Close()

	if err := kv.Delete(context.Background(), "never-stored"); err != nil {
		t.Errorf("delete of missing key should not error: %v", err)
	}
}

func TestQueueSurvivesReconnect(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	kv, err := NewRedisKV("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("first connect: %v", err)
	}
	q := New(kv)
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, pendingEvent("alice", ts.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	kv.Close()

	// A fresh client against the same backend sees the same entries.
	kv2, err := NewRedisKV("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	defer kv2.Close()
	q2 := New(kv2)

	if n, err := q2.PendingCount(ctx); err != nil || n != 3 {
		t.Fatalf("count after reconnect = %d err=%v, want 3", n, err)
	}
	events := q2.DrainPending(ctx)
	if len(events) != 3 {
		t.Fatalf("drained %d events, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Fatalf("out of order after reconnect at %d", i)
		}
	}
}
