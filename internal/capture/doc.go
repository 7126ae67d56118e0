// Package capture owns the capture device and delivers frames to the
// processing lane.
//
// Sources:
//   - CameraSource: GStreamer pipeline (v4l2src or videotestsrc) ending in an
//     appsink that keeps only the latest buffer
//   - MockSource: synthetic frames at a fixed rate, no GStreamer required
//
// Start is the setup step: when the device cannot be opened or the sink
// cannot be attached it returns an error and nothing keeps running. There is
// no retry; the caller decides what to report.
//
// Once running, frames are delivered on a channel with a small buffer. A
// full channel drops the frame (counted in Stats) instead of blocking the
// GStreamer streaming thread. The channel is closed when the source stops or
// the pipeline dies (EOS or fatal bus error).
//
// Orientation correction is computed from the device's physical orientation,
// see CorrectionFor.
package capture
