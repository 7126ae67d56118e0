// Package status holds the posture status state machine.
//
// Machine.Run is the UI lane: a single goroutine that is the only writer of
// the status, the monitoring flag, the session generation and the keypoint
// overlay. Every other lane submits updates through the machine's channel:
//
//   - Propose / ProposeFor: classification results and per-frame errors.
//     Applied only while monitoring, unless the status is interrupting
//     (no-detection, pocket-no-signal, error, needs-calibration).
//     ProposeFor discards proposals from a generation that is no longer
//     current, so results of a stopped session never land.
//   - Transition: command transitions (start, stop, calibration). The
//     function runs on the UI lane against the current State and either
//     returns an error (nothing changes) or mutates it.
//   - SetOverlay: the last observed keypoints, for drawing.
//
// Reads (Status, Monitoring, Snapshot, Overlay) are lock-free and may be
// called from any goroutine.
//
// Status changes are published on a bus.Bus[Change]. Writing the current
// status again is a no-op and publishes nothing.
//
// Invariants enforced on every transition:
//   - monitoring true→false drives the status to paused
//   - monitoring is never true while the status is calibrating
package status
