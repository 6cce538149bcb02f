// ABOUTME: Outstanding time requests keyed by a process-unique UID
// ABOUTME: Bounded FIFO so unanswered requests age out on their own
package sync

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// RequestRecord is created when a round trip starts. SentAtTicks is always
// the requester's raw elapsed time, never the corrected one.
type RequestRecord struct {
	UID         uint64 `json:"uid"`
	SentAtTicks Tick   `json:"sent_at_ticks"`
}

// uidCounter is seeded randomly so UIDs from separate processes rarely collide.
var uidCounter atomic.Uint64

func init() {
	id := uuid.New()
	uidCounter.Store(binary.BigEndian.Uint64(id[:8]) >> 1)
}

// NextUID returns a process-unique, non-zero request UID.
func NextUID() uint64 {
	for {
		if v := uidCounter.Add(1); v != 0 {
			return v
		}
	}
}

// RequestHistory remembers the last few requests until their response arrives.
type RequestHistory struct {
	mu       sync.Mutex
	capacity int
	order    []uint64
	records  map[uint64]RequestRecord
	evicted  int64
}

// NewRequestHistory creates a history holding at most capacity requests.
func NewRequestHistory(capacity int) *RequestHistory {
	if capacity <= 0 {
		capacity = 1
	}
	return &RequestHistory{
		capacity: capacity,
		order:    make([]uint64, 0, capacity),
		records:  make(map[uint64]RequestRecord, capacity),
	}
}

// New creates, stores and returns a record stamped with sentAt.
func (h *RequestHistory) New(sentAt Tick) RequestRecord {
	r := RequestRecord{UID: NextUID(), SentAtTicks: sentAt}
	h.Add(r)
	return r
}

// Add stores r, evicting the oldest record when full. Re-adding a UID
// replaces the stored record.
func (h *RequestHistory) Add(r RequestRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.records[r.UID]; ok {
		h.records[r.UID] = r
		return
	}
	for len(h.order) >= h.capacity {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.records, oldest)
		h.evicted++
	}
	h.order = append(h.order, r.UID)
	h.records[r.UID] = r
}

// Take removes and returns the record for uid.
func (h *RequestHistory) Take(uid uint64) (RequestRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.records[uid]
	if !ok {
		return RequestRecord{}, false
	}
	delete(h.records, uid)
	for i, v := range h.order {
		if v == uid {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	return r, true
}

// Len returns the number of outstanding requests.
func (h *RequestHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.order)
}

// Evicted returns how many requests were dropped unanswered.
func (h *RequestHistory) Evicted() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.evicted
}

// Clear forgets every outstanding request.
func (h *RequestHistory) Clear() {
	h.mu.Lock()
	h.order = h.order[:0]
	h.records = make(map[uint64]RequestRecord, h.capacity)
	h.mu.Unlock()
}

// ResetForTesting clears the history and its eviction count.
func (h *RequestHistory) ResetForTesting() {
	h.Clear()
	h.mu.Lock()
	h.evicted = 0
	h.mu.Unlock()
}
