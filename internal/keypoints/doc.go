// Package keypoints wraps the body-pose model behind a synchronous Provider.
//
// The model itself is a black box: image in, named 2D keypoints with
// confidence out. At most one body is reported per frame; a nil set means
// nobody was detected. Calls are fallible and no timeout is enforced here.
//
// PythonProvider runs the model in a long-lived subprocess and talks to it
// over stdin/stdout with length-prefixed msgpack messages:
//
//	[4 bytes big-endian length][msgpack body]
//
// Request:  {frame_data, width, height, rotation, meta{seq, trace_id, timestamp}}
// Response: {keypoints: {name: {x, y, confidence}} | nil, error, timing{total_ms}}
//
// Frames are rotated and scaled with Preprocess before they are sent, so the
// model always sees an upright image no larger than the configured input size.
package keypoints
