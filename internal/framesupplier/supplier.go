package framesupplier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-posture/internal/types"
)

// Supplier distributes frames to subscribed workers with mailbox semantics.
//
// Lifecycle: New() → Start() → Publish()/Subscribe() → Stop().
// All methods are safe for concurrent use.
type Supplier interface {
	// Start spawns the distribution loop. Returns error if already started.
	Start(ctx context.Context) error

	// Stop shuts down the distribution loop and releases blocked readers
	// (their readFunc returns nil). Idempotent.
	Stop() error

	// Publish hands a frame over without blocking. An unconsumed frame in the
	// inbox is overwritten and counted in InboxDrops.
	Publish(frame *types.Frame)

	// Subscribe registers a worker and returns its blocking read function.
	// The read function returns nil once the worker is unsubscribed or the
	// supplier stops. It must be called from a single goroutine.
	Subscribe(workerID string) func() *types.Frame

	// Unsubscribe removes a worker and wakes its read function. Idempotent.
	Unsubscribe(workerID string)

	// Stats returns an operational snapshot.
	Stats() SupplierStats
}

type supplier struct {
	// inbox: publisher → distribution loop
	inboxMu    sync.Mutex
	inboxCond  *sync.Cond
	inboxFrame *types.Frame
	inboxDrops uint64 // atomic

	// worker slots: distribution loop → workers
	slots sync.Map // workerID → *workerSlot

	published uint64 // atomic, frames accepted by Publish

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedMu sync.Mutex
	started   bool
	stopping  atomic.Bool
}

// New creates a supplier with no subscribers
func New() Supplier {
	s := &supplier{}
	s.inboxCond = sync.NewCond(&s.inboxMu)
	return s
}

func (s *supplier) Start(ctx context.Context) error {
	s.startedMu.Lock()
	defer s.startedMu.Unlock()

	if s.started {
		return fmt.Errorf("supplier already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	s.wg.Add(1)
	go s.distributionLoop()

	// Wake the loop when the parent context ends so it can observe ctx.Err().
	go func() {
		<-s.ctx.Done()
		s.inboxMu.Lock()
		s.inboxCond.Broadcast()
		s.inboxMu.Unlock()
	}()

	return nil
}

func (s *supplier) Stop() error {
	s.startedMu.Lock()
	if !s.started || s.stopping.Load() {
		s.startedMu.Unlock()
		return nil
	}
	s.stopping.Store(true)
	s.startedMu.Unlock()

	s.cancel()

	s.inboxMu.Lock()
	s.inboxCond.Broadcast()
	s.inboxMu.Unlock()

	s.wg.Wait()

	// Release every worker still blocked in readFunc.
	s.slots.Range(func(key, value interface{}) bool {
		s.Unsubscribe(key.(string))
		return true
	})

	return nil
}

// distributionLoop waits on the inbox and forwards each frame to all slots.
func (s *supplier) distributionLoop() {
	defer s.wg.Done()

	for {
		s.inboxMu.Lock()
		for s.inboxFrame == nil {
			if s.ctx.Err() != nil {
				s.inboxMu.Unlock()
				return
			}
			s.inboxCond.Wait()
		}

		if s.ctx.Err() != nil {
			s.inboxMu.Unlock()
			return
		}

		frame := s.inboxFrame
		s.inboxFrame = nil
		s.inboxMu.Unlock()

		s.slots.Range(func(_, value interface{}) bool {
			value.(*workerSlot).publish(frame)
			return true
		})
	}
}
