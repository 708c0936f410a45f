package app

import (
	"slices"

	"github.com/dkeye/callserver/internal/domain"
)

// BroadcasterSet is an insertion-ordered set of peer ids bounded by the
// stage capacity. It is not safe for concurrent use; the owning room locks.
type BroadcasterSet struct {
	capacity int
	ids      []string
}

func NewBroadcasterSet(capacity int) *BroadcasterSet {
	return &BroadcasterSet{capacity: capacity}
}

// Add inserts id. Adding a present id is a no-op. When the set is full the
// set is left untouched and ErrBroadcastersLimitExceeded is returned.
func (s *BroadcasterSet) Add(id string) error {
	if s.Has(id) {
		return nil
	}
	if len(s.ids) >= s.capacity {
		return domain.Errorf(domain.CodeBroadcastersLimitExceeded, "stage is full (%d)", s.capacity)
	}
	s.ids = append(s.ids, id)
	return nil
}

// Remove reports whether id was present.
func (s *BroadcasterSet) Remove(id string) bool {
	i := slices.Index(s.ids, id)
	if i < 0 {
		return false
	}
	s.ids = slices.Delete(s.ids, i, i+1)
	return true
}

func (s *BroadcasterSet) Has(id string) bool { return slices.Contains(s.ids, id) }

func (s *BroadcasterSet) Len() int { return len(s.ids) }

func (s *BroadcasterSet) Cap() int { return s.capacity }

func (s *BroadcasterSet) Full() bool { return len(s.ids) >= s.capacity }

// SetCapacity changes the bound. Members above a lowered bound stay; further
// inserts fail until the set drains below it.
func (s *BroadcasterSet) SetCapacity(capacity int) { s.capacity = capacity }

func (s *BroadcasterSet) IDs() []string { return slices.Clone(s.ids) }

func (s *BroadcasterSet) Clear() { s.ids = nil }

// handSet keeps raised hands in the order they were raised.
type handSet struct {
	ids []string
}

// raise reports whether the hand was down before.
func (h *handSet) raise(id string) bool {
	if slices.Contains(h.ids, id) {
		return false
	}
	h.ids = append(h.ids, id)
	return true
}

// lower reports whether the hand was up before.
func (h *handSet) lower(id string) bool {
	i := slices.Index(h.ids, id)
	if i < 0 {
		return false
	}
	h.ids = slices.Delete(h.ids, i, i+1)
	return true
}

func (h *handSet) has(id string) bool { return slices.Contains(h.ids, id) }

func (h *handSet) list() []string { return slices.Clone(h.ids) }
