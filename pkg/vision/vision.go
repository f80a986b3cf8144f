// Package vision samples still frames from a camera at a fixed cadence and
// hands them to the session channel.
//
// The primary abstractions are:
//
//   - [Camera]: something that can produce a JPEG snapshot on demand.
//   - [Sampler]: ticks at a fixed interval and emits one [Frame] per tick
//     while the camera is ready.
//
// Frames are never queued here; the consumer keeps only the latest one.
package vision

import (
	"context"
	"errors"
)

// JPEGMIMEType is the MIME type of every frame produced by this package.
const JPEGMIMEType = "image/jpeg"

// ErrNotReady is returned by [Camera.Snapshot] when the camera has no frame to
// offer yet.
var ErrNotReady = errors.New("vision: camera not ready")

// Frame is a single encoded still image.
type Frame struct {
	Data     []byte
	MIMEType string
}

// Camera is a frame source.
//
// Implementations must be safe for concurrent use.
type Camera interface {
	// Ready reports whether the camera can currently produce a frame (the
	// stream is live and has non-zero dimensions).
	Ready() bool

	// Snapshot captures the current frame.
	Snapshot(ctx context.Context) (Frame, error)
}
