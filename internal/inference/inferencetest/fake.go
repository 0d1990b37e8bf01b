// Package inferencetest provides a scriptable runtime for tests.
package inferencetest

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/xkilldash9x/rankbot/internal/inference"
)

// Session is a fake loaded graph.
type Session struct {
	In, Out []int
	// Path is the file the session was loaded from, empty when built directly.
	Path string
	// Output is the fixed result of Run.
	Output []float32
	// Err, when set, is returned by Run.
	Err error
	// OnRun is called with the input before Output is returned.
	OnRun func(ctx context.Context, input []float32)
}

func (s *Session) InputShape() []int  { return s.In }
func (s *Session) OutputShape() []int { return s.Out }

// Runtime is a fake runtime. LoadFunc decides what Load returns; by default a
// file is accepted when it exists and is non-empty, and its content becomes the
// session's Path tag.
type Runtime struct {
	LoadFunc func(ctx context.Context, path string) (inference.Session, error)

	mu       sync.Mutex
	loaded   int
	disposed []inference.Session
}

// ErrEmptyFile is returned by the default loader for empty files.
var ErrEmptyFile = errors.New("inferencetest: empty model file")

// Load implements inference.Runtime.
func (r *Runtime) Load(ctx context.Context, path string) (inference.Session, error) {
	r.mu.Lock()
	r.loaded++
	r.mu.Unlock()
	if r.LoadFunc != nil {
		return r.LoadFunc(ctx, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}
	return &Session{In: []int{1}, Out: []int{1}, Path: strings.TrimSpace(string(data)), Output: []float32{0}}, nil
}

// Run implements inference.Runtime.
func (r *Runtime) Run(ctx context.Context, s inference.Session, input []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fs, ok := s.(*Session)
	if !ok {
		return nil, inference.ErrForeignSession
	}
	if r.IsDisposed(s) {
		return nil, inference.ErrDisposed
	}
	if err := inference.CheckInput(fs, input); err != nil {
		return nil, err
	}
	if fs.OnRun != nil {
		fs.OnRun(ctx, input)
	}
	if fs.Err != nil {
		return nil, fs.Err
	}
	return append([]float32(nil), fs.Output...), nil
}

// Dispose implements inference.Runtime.
func (r *Runtime) Dispose(s inference.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed = append(r.disposed, s)
	return nil
}

// IsDisposed reports whether s has been disposed.
func (r *Runtime) IsDisposed(s inference.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.disposed {
		if d == s {
			return true
		}
	}
	return false
}

// Disposed returns how many Dispose calls were made.
func (r *Runtime) Disposed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disposed)
}

// Loaded returns how many Load calls were made.
func (r *Runtime) Loaded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Model wraps s with r.
func (r *Runtime) Model(s *Session) inference.Model {
	return inference.Model{Runtime: r, Session: s}
}
