package liquidation

import (
	"container/list"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
)

// SignatureSet remembers submitted signatures, bounded both by capacity
// (oldest evicted first) and by age.
type SignatureSet struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	entries  map[solana.Signature]*list.Element
	order    *list.List

	evictions int64
}

type sigEntry struct {
	sig     solana.Signature
	addedAt time.Time
}

func NewSignatureSet(capacity int, ttl time.Duration) *SignatureSet {
	if capacity < 1 {
		capacity = 1
	}
	return &SignatureSet{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[solana.Signature]*list.Element, capacity),
		order:    list.New(),
	}
}

// Add records sig. It returns false if sig was already present.
func (s *SignatureSet) Add(sig solana.Signature) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expireLocked(now)

	if _, exists := s.entries[sig]; exists {
		return false
	}

	elem := s.order.PushFront(&sigEntry{sig: sig, addedAt: now})
	s.entries[sig] = elem

	if s.order.Len() > s.capacity {
		s.evictOldestLocked()
	}
	return true
}

// Contains reports whether sig was recorded and has not expired.
func (s *SignatureSet) Contains(sig solana.Signature) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(s.now())
	_, exists := s.entries[sig]
	return exists
}

// Size returns current number of entries
func (s *SignatureSet) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(s.now())
	return s.order.Len()
}

// Evictions returns total capacity and age evictions.
func (s *SignatureSet) Evictions() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictions
}

// Entries are newest at the front, so expiry walks from the back.
func (s *SignatureSet) expireLocked(now time.Time) {
	if s.ttl <= 0 {
		return
	}
	for {
		elem := s.order.Back()
		if elem == nil || now.Sub(elem.Value.(*sigEntry).addedAt) < s.ttl {
			return
		}
		s.evictOldestLocked()
	}
}

func (s *SignatureSet) evictOldestLocked() {
	elem := s.order.Back()
	if elem != nil {
		s.order.Remove(elem)
		delete(s.entries, elem.Value.(*sigEntry).sig)
		s.evictions++
	}
}
