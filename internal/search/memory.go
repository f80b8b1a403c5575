package search

import (
	"sort"
	"strings"
	"sync"
)

// MemoryIndex is the fallback when Meilisearch is not configured or down.
// Case-insensitive substring matching over content and leaf text; good
// enough to keep the search endpoint working, not a ranking engine.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]NodeRecord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]NodeRecord)}
}

func (m *MemoryIndex) Healthy() bool {
	return true
}

func (m *MemoryIndex) IndexNode(rec NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryIndex) DeleteNode(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryIndex) Search(q Query) ([]Result, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(q.Text))
	var matches []Result
	for _, rec := range m.records {
		if q.RoomID != "" && rec.RoomID != q.RoomID {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(rec.Content), needle) &&
			!strings.Contains(strings.ToLower(rec.Leaves), needle) {
			continue
		}
		matches = append(matches, Result{
			ID:       rec.ID,
			RoomID:   rec.RoomID,
			AuthorID: rec.AuthorID,
			Status:   rec.Status,
			Snippet:  rec.Content,
		})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })

	total := len(matches)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matches) {
		return []Result{}, total, nil
	}
	matches = matches[offset:]
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, total, nil
}
