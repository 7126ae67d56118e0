package types

import "time"

// Frame represents a single captured video frame
type Frame struct {
	// Seq is the monotonic sequence number assigned by the capture source
	Seq uint64
	// Timestamp is when the frame was captured
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the raw pixels (RGB24, row-major, no padding)
	Data []byte
	// Source identifies the capture source (camera, test, mock)
	Source string
	// TraceID is a unique identifier for tracing a frame across lanes
	TraceID string
}

// StreamStats contains capture source statistics
type StreamStats struct {
	FrameCount    uint64  `json:"frame_count"`
	FramesDropped uint64  `json:"frames_dropped"`
	FPSTarget     int     `json:"fps_target"`
	FPSReal       float64 `json:"fps_real"`
	Source        string  `json:"source"`
	Resolution    string  `json:"resolution"`
	IsConnected   bool    `json:"is_connected"`
	Errors        uint64  `json:"errors"`
}
