package framesupplier

import (
	"sync/atomic"
	"time"
)

// idleThreshold marks a worker idle when it has not consumed for this long.
// A hung keypoint provider shows up here first.
const idleThreshold = 30 * time.Second

// SupplierStats is a snapshot of supplier operational state.
type SupplierStats struct {
	// Published counts frames accepted by Publish.
	Published uint64
	// InboxDrops counts frames overwritten before the distribution loop took them.
	InboxDrops uint64
	// Workers maps workerID to per-worker statistics.
	Workers map[string]WorkerStats
}

// WorkerStats tracks per-worker operational state.
type WorkerStats struct {
	WorkerID         string
	LastConsumedAt   time.Time
	LastConsumedSeq  uint64
	Consumed         uint64
	ConsecutiveDrops uint64
	TotalDrops       uint64
	IsIdle           bool
}

// TotalDrops sums inbox drops and all worker drops.
func (s SupplierStats) TotalDrops() uint64 {
	total := s.InboxDrops
	for _, w := range s.Workers {
		total += w.TotalDrops
	}
	return total
}

func (s *supplier) Stats() SupplierStats {
	workers := make(map[string]WorkerStats)

	s.slots.Range(func(key, value interface{}) bool {
		workerID := key.(string)
		slot := value.(*workerSlot)

		slot.mu.Lock()
		workers[workerID] = WorkerStats{
			WorkerID:         workerID,
			LastConsumedAt:   slot.lastConsumedAt,
			LastConsumedSeq:  slot.lastConsumedSeq,
			Consumed:         slot.consumed,
			ConsecutiveDrops: slot.consecutiveDrops,
			TotalDrops:       slot.totalDrops,
			IsIdle:           time.Since(slot.lastConsumedAt) > idleThreshold,
		}
		slot.mu.Unlock()
		return true
	})

	return SupplierStats{
		Published:  atomic.LoadUint64(&s.published),
		InboxDrops: atomic.LoadUint64(&s.inboxDrops),
		Workers:    workers,
	}
}
