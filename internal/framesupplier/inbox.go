package framesupplier

import (
	"sync/atomic"

	"github.com/e7canasta/orion-posture/internal/types"
)

// Publish implements Supplier. O(1): lock, overwrite, signal.
func (s *supplier) Publish(frame *types.Frame) {
	if frame == nil || s.stopping.Load() {
		return
	}

	s.inboxMu.Lock()
	if s.inboxFrame != nil {
		atomic.AddUint64(&s.inboxDrops, 1)
	}
	s.inboxFrame = frame
	atomic.AddUint64(&s.published, 1)
	s.inboxCond.Signal()
	s.inboxMu.Unlock()
}
