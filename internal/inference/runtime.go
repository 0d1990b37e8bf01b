// Package inference defines the boundary between the agent and whatever
// executes a trained model graph.
package inference

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

var (
	// ErrShapeMismatch is returned by Run when the input length does not match
	// the session's input shape.
	ErrShapeMismatch = errors.New("inference: input does not match session input shape")
	// ErrDisposed is returned when a disposed session is used.
	ErrDisposed = errors.New("inference: session disposed")
	// ErrForeignSession is returned when a session is handed to a runtime that did not load it.
	ErrForeignSession = errors.New("inference: session belongs to a different runtime")
	// ErrUnknownRuntime is returned by the registry for unregistered names.
	ErrUnknownRuntime = errors.New("inference: unknown runtime")
)

// Session is a loaded, opaque model graph.
type Session interface {
	InputShape() []int
	OutputShape() []int
}

// Runtime loads and executes model artifacts. Tensors cross the boundary as flat
// row-major float32 buffers.
type Runtime interface {
	Load(ctx context.Context, path string) (Session, error)
	Run(ctx context.Context, s Session, input []float32) ([]float32, error)
	Dispose(s Session) error
}

// Model pairs a session with the runtime that loaded it so that stages can run
// it without knowing which backend is in use.
type Model struct {
	Runtime Runtime
	Session Session
}

// Run executes the session once.
func (m Model) Run(ctx context.Context, input []float32) ([]float32, error) {
	if m.Runtime == nil || m.Session == nil {
		return nil, errors.New("inference: empty model")
	}
	return m.Runtime.Run(ctx, m.Session, input)
}

func (m Model) InputShape() []int  { return m.Session.InputShape() }
func (m Model) OutputShape() []int { return m.Session.OutputShape() }

// Elements returns the number of elements a tensor of the given shape holds.
// Non-positive dimensions, or a count past math.MaxInt32, yield 0.
func Elements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		if d <= 0 || n > math.MaxInt32/d {
			return 0
		}
		n *= d
	}
	return n
}

// CheckInput validates len(input) against s.InputShape().
func CheckInput(s Session, input []float32) error {
	if want := Elements(s.InputShape()); len(input) != want {
		return fmt.Errorf("%w: got %d values, want %d (shape %v)", ErrShapeMismatch, len(input), want, s.InputShape())
	}
	return nil
}

// Options are handed to a runtime factory.
type Options struct {
	Logger *zap.Logger
	// InputShape is used by backends whose artifacts do not declare one.
	InputShape []int
}

// Factory builds a runtime.
type Factory func(opts Options) (Runtime, error)
