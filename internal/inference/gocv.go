//go:build gocv

package inference

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// GoCVRuntimeName is the registry name of the OpenCV DNN backend.
const GoCVRuntimeName = "gocv"

func init() {
	register(GoCVRuntimeName, func(opts Options) (Runtime, error) {
		return NewGoCVRuntime(opts.Logger, opts.InputShape)
	})
}

// GoCVRuntime runs .onnx and .tflite artifacts through OpenCV's DNN module.
// OpenCV nets do not report their input shape, so it is configured up front and
// the output shape is discovered with a trial pass at load time.
type GoCVRuntime struct {
	logger     *zap.Logger
	inputShape []int
}

// NewGoCVRuntime creates the backend. inputShape is required.
func NewGoCVRuntime(logger *zap.Logger, inputShape []int) (*GoCVRuntime, error) {
	if Elements(inputShape) == 0 {
		return nil, fmt.Errorf("gocv runtime needs a positive input shape, got %v", inputShape)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoCVRuntime{logger: logger.Named("gocv_runtime"), inputShape: append([]int(nil), inputShape...)}, nil
}

type gocvSession struct {
	owner    *GoCVRuntime
	mu       sync.Mutex // gocv.Net is not safe for concurrent Forward calls
	net      gocv.Net
	in, out  []int
	disposed bool
}

func (s *gocvSession) InputShape() []int  { return append([]int(nil), s.in...) }
func (s *gocvSession) OutputShape() []int { return append([]int(nil), s.out...) }

// Load reads the network and runs one zero-filled pass to learn the output shape.
func (r *GoCVRuntime) Load(ctx context.Context, path string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	net := gocv.ReadNet(path, "")
	if net.Empty() {
		return nil, fmt.Errorf("opencv could not read network %s", path)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	s := &gocvSession{owner: r, net: net, in: r.inputShape}
	trial, err := s.forward(make([]float32, Elements(r.inputShape)))
	if err != nil {
		net.Close()
		return nil, fmt.Errorf("running trial pass: %w", err)
	}
	s.out = []int{len(trial)}
	r.logger.Debug("OpenCV session loaded.", zap.String("path", path), zap.Ints("input_shape", s.in), zap.Int("output_len", len(trial)))
	return s, nil
}

func (s *gocvSession) forward(input []float32) ([]float32, error) {
	var raw []byte
	if len(input) > 0 {
		raw = unsafe.Slice((*byte)(unsafe.Pointer(&input[0])), len(input)*4)
	}
	blob, err := gocv.NewMatWithSizesFromBytes(s.in, gocv.MatTypeCV32F, raw)
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	s.net.SetInput(blob, "")
	out := s.net.Forward("")
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), data...), nil
}

// Run executes one forward pass.
func (r *GoCVRuntime) Run(ctx context.Context, s Session, input []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gs, ok := s.(*gocvSession)
	if !ok || gs.owner != r {
		return nil, ErrForeignSession
	}
	if err := CheckInput(gs, input); err != nil {
		return nil, err
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.disposed {
		return nil, ErrDisposed
	}
	return gs.forward(input)
}

// Dispose frees the native network.
func (r *GoCVRuntime) Dispose(s Session) error {
	gs, ok := s.(*gocvSession)
	if !ok || gs.owner != r {
		return ErrForeignSession
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.disposed {
		return nil
	}
	gs.disposed = true
	return gs.net.Close()
}
