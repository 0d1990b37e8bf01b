package schemas

import (
	"image"
	"sync"
)

// Frame is an immutable pixel buffer captured for exactly one cycle.
// The owning cycle must call Release once it is done, whatever the outcome.
type Frame struct {
	img     image.Image
	once    sync.Once
	release func()
}

// NewFrame wraps img. release may be nil; it runs at most once.
func NewFrame(img image.Image, release func()) *Frame {
	return &Frame{img: img, release: release}
}

// Image returns the underlying pixels. It must not be used after Release.
func (f *Frame) Image() image.Image { return f.img }

func (f *Frame) Width() int  { return f.img.Bounds().Dx() }
func (f *Frame) Height() int { return f.img.Bounds().Dy() }

// Release frees the frame. Safe to call more than once and on a nil frame.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		if f.release != nil {
			f.release()
		}
	})
}
