package replica

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// VectorClock maps author ids to monotonically non-decreasing counters.
// It orders events from different replicas without synchronized wall
// clocks: each replica increments its own author's counter exactly once
// per locally-originated mutation.
type VectorClock map[string]int64

func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment bumps the counter for author and returns the new value.
func (c VectorClock) Increment(author string) int64 {
	c[author]++
	return c[author]
}

// Counter returns the counter for author, zero when absent.
func (c VectorClock) Counter(author string) int64 {
	return c[author]
}

// Merge takes the per-author maximum of both clocks into c, preserving
// monotonicity under duplicate and out-of-order delivery.
func (c VectorClock) Merge(other VectorClock) {
	for author, counter := range other {
		if counter > c[author] {
			c[author] = counter
		}
	}
}

func (c VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(c))
	for author, counter := range c {
		out[author] = counter
	}
	return out
}

// String serializes as "author1:n1,author2:n2" with authors sorted, so the
// wire form is stable across replicas. An empty clock serializes as "".
func (c VectorClock) String() string {
	if len(c) == 0 {
		return ""
	}
	authors := make([]string, 0, len(c))
	for author := range c {
		authors = append(authors, author)
	}
	sort.Strings(authors)
	parts := make([]string, 0, len(authors))
	for _, author := range authors {
		parts = append(parts, author+":"+strconv.FormatInt(c[author], 10))
	}
	return strings.Join(parts, ",")
}

// ParseVectorClock parses the flat comma-joined wire form. An empty string
// is a valid all-zero clock; malformed pairs are an error so the carrying
// event can be dropped as a whole.
func ParseVectorClock(s string) (VectorClock, error) {
	clock := NewVectorClock()
	s = strings.TrimSpace(s)
	if s == "" {
		return clock, nil
	}
	for _, pair := range strings.Split(s, ",") {
		author, raw, ok := strings.Cut(pair, ":")
		if !ok || author == "" {
			return nil, fmt.Errorf("malformed clock pair %q", pair)
		}
		counter, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || counter < 0 {
			return nil, fmt.Errorf("malformed clock counter %q", pair)
		}
		clock[author] = counter
	}
	return clock, nil
}
