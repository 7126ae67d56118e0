package framesupplier

import (
	"sync"
	"time"

	"github.com/e7canasta/orion-posture/internal/types"
)

// workerSlot is a single-slot mailbox owned by one worker.
type workerSlot struct {
	mu    sync.Mutex
	cond  *sync.Cond
	frame *types.Frame

	lastConsumedAt   time.Time
	lastConsumedSeq  uint64
	consecutiveDrops uint64
	totalDrops       uint64
	consumed         uint64

	closed bool
}

func newWorkerSlot() *workerSlot {
	slot := &workerSlot{lastConsumedAt: time.Now()}
	slot.cond = sync.NewCond(&slot.mu)
	return slot
}

// publish overwrites the slot (JIT) and wakes the worker.
func (slot *workerSlot) publish(frame *types.Frame) {
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.closed {
		return
	}

	if slot.frame != nil {
		slot.consecutiveDrops++
		slot.totalDrops++
	}
	slot.frame = frame
	slot.cond.Signal()
}

// read blocks until a frame is available; nil means closed.
func (slot *workerSlot) read() *types.Frame {
	slot.mu.Lock()
	defer slot.mu.Unlock()

	for slot.frame == nil && !slot.closed {
		slot.cond.Wait()
	}
	if slot.closed {
		return nil
	}

	frame := slot.frame
	slot.frame = nil
	slot.lastConsumedAt = time.Now()
	slot.lastConsumedSeq = frame.Seq
	slot.consecutiveDrops = 0
	slot.consumed++

	return frame
}

func (slot *workerSlot) close() {
	slot.mu.Lock()
	slot.closed = true
	slot.frame = nil
	slot.cond.Broadcast()
	slot.mu.Unlock()
}

func (s *supplier) Subscribe(workerID string) func() *types.Frame {
	if s.stopping.Load() {
		return func() *types.Frame { return nil }
	}

	slot := newWorkerSlot()
	if previous, loaded := s.slots.Swap(workerID, slot); loaded {
		previous.(*workerSlot).close()
	}

	return slot.read
}

func (s *supplier) Unsubscribe(workerID string) {
	val, ok := s.slots.LoadAndDelete(workerID)
	if !ok {
		return
	}
	val.(*workerSlot).close()
}
