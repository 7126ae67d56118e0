package keypoints

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/e7canasta/orion-posture/internal/types"
	"github.com/vmihailenco/msgpack/v5"
)

// errMalformed marks a correctly framed message whose body does not decode.
// The stream stays aligned, so only that message is lost.
var errMalformed = errors.New("malformed msgpack message")

// maxMessageSize bounds a single framed message (a 1080p RGB24 frame is ~6MB)
const maxMessageSize = 32 << 20

// request is sent to the model runner for every frame
type request struct {
	FrameData []byte      `msgpack:"frame_data"`
	Width     int         `msgpack:"width"`
	Height    int         `msgpack:"height"`
	Rotation  int         `msgpack:"rotation"`
	Meta      requestMeta `msgpack:"meta"`
}

type requestMeta struct {
	Seq       uint64 `msgpack:"seq"`
	TraceID   string `msgpack:"trace_id"`
	Timestamp string `msgpack:"timestamp"`
}

// response is the model runner's answer to one request
type response struct {
	Keypoints map[string]types.Keypoint `msgpack:"keypoints"`
	Error     string                     `msgpack:"error,omitempty"`
	Timing    responseTiming             `msgpack:"timing"`
}

type responseTiming struct {
	TotalMS float64 `msgpack:"total_ms"`
}

// writeMessage writes a length-prefixed msgpack message
func writeMessage(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(body)))

	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v
func readMessage(r io.Reader, v any) error {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return fmt.Errorf("failed to read length prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(prefix)
	if n > maxMessageSize {
		return fmt.Errorf("message too large: %d bytes", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("failed to read msgpack data: %w", err)
	}

	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %w", errMalformed, err)
	}
	return nil
}
