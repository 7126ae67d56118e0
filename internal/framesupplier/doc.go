// Package framesupplier hands captured frames to the processing lane
// just-in-time.
//
// Philosophy: "Drop frames, never queue. Latency > Completeness."
//
// The capture callback publishes every frame; the processing lane reads the
// freshest one whenever it finishes the previous frame. Frames that arrive
// while the keypoint provider is busy overwrite the unconsumed frame and are
// counted as drops instead of piling up behind it.
//
// Architecture:
//
//	capture ──Publish──▶ [inbox: 1 slot] ──distributionLoop──▶ [worker slot: 1 slot] ──readFunc──▶ processing lane
//
// Both mailboxes are single-slot buffers guarded by a sync.Cond, so neither
// side busy-waits and memory stays constant regardless of frame rate.
//
// Usage:
//
//	supplier := framesupplier.New()
//	supplier.Start(ctx)
//	defer supplier.Stop()
//
//	readFunc := supplier.Subscribe("posture")
//	defer supplier.Unsubscribe("posture")
//	for {
//	    frame := readFunc() // blocks
//	    if frame == nil {
//	        return // unsubscribed or stopped
//	    }
//	    process(frame)
//	}
//
// Immutability contract: frame.Data MUST NOT be modified after Publish; the
// same backing array is shared with every subscriber.
package framesupplier
