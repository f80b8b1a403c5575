package search

import "log"

// Service is the facade that tries Meilisearch first and falls back to the
// in-memory index. The memory index is always kept current so the fallback
// has data the moment Meilisearch drops out.
type Service struct {
	meili  *Meili
	memory *MemoryIndex
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili) *Service {
	return &Service{meili: meili, memory: NewMemoryIndex()}
}

// Search tries Meilisearch if healthy, otherwise the in-memory index.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to memory index: %v", err)
	}

	results, total, err := s.memory.Search(q)
	if err != nil {
		log.Printf("search: memory index error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexNode indexes a node (fire-and-forget to Meilisearch).
func (s *Service) IndexNode(rec NodeRecord) {
	if err := s.memory.IndexNode(rec); err != nil {
		log.Printf("search: memory index node %s: %v", rec.ID, err)
	}
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexNode(rec); err != nil {
			log.Printf("search: index node %s: %v", rec.ID, err)
		}
	}()
}

// DeleteNode removes a node from the indexes (fire-and-forget).
func (s *Service) DeleteNode(id string) {
	if err := s.memory.DeleteNode(id); err != nil {
		log.Printf("search: memory delete node %s: %v", id, err)
	}
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteNode(id); err != nil {
			log.Printf("search: delete node %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes a full node set, used after a cold start from the
// archive.
func (s *Service) ReindexAll(records []NodeRecord) {
	for _, rec := range records {
		if err := s.memory.IndexNode(rec); err != nil {
			log.Printf("search: memory reindex node %s: %v", rec.ID, err)
		}
	}
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexNodes(records); err != nil {
		log.Printf("search: reindex nodes: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
