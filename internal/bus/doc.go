// Package bus provides non-blocking fan-out of events to multiple subscribers.
//
// Core Philosophy: "Drop, never queue. Latency > Completeness."
//
// A publisher never waits on a slow subscriber:
//   - Subscribe: channel subscriber, value dropped when the channel is full
//   - SubscribeOnce: one-shot receiver, takes exactly the next published value
//     and is removed from the bus afterwards
//
// Usage:
//
//	b := bus.New[types.Observation]()
//	defer b.Close()
//
//	ch := make(chan types.Observation, 4)
//	b.Subscribe("emitter", ch)
//
//	once, _ := b.SubscribeOnce("calibration")
//	obs, ok := once.Receive(ctx)
//
// Thread Safety:
//
// All operations are safe for concurrent use. Publish holds a read lock only,
// so concurrent publishers do not serialize against each other.
package bus
