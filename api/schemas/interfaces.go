package schemas

import (
	"context"
)

// -- Collaborator Interfaces --

// FrameSource hands out one frame per call. A nil frame with a nil error means
// no frame is available this tick; it is not a failure.
type FrameSource interface {
	AcquireFrame(ctx context.Context) (*Frame, error)
}

// TapSink delivers one synthetic tap at frame pixel coordinates.
type TapSink interface {
	Tap(ctx context.Context, x, y float64) error
}
