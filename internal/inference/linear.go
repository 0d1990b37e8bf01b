package inference

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LinearRuntimeName is the registry name of the pure Go dense-layer backend.
const LinearRuntimeName = "linear"

// linearMagic opens every linear model file.
var linearMagic = [4]byte{'R', 'B', 'L', 'M'}

const linearVersion uint16 = 1

// maxLinearElements caps weight matrices read from disk.
const maxLinearElements = 1 << 26

// Activation is applied element-wise (or across the vector for softmax) after W·x+b.
type Activation uint8

const (
	ActivationIdentity Activation = iota
	ActivationReLU
	ActivationSigmoid
	ActivationSoftmax
)

var activationNames = map[string]Activation{
	"identity": ActivationIdentity,
	"relu":     ActivationReLU,
	"sigmoid":  ActivationSigmoid,
	"softmax":  ActivationSoftmax,
}

// ParseActivation maps a name such as "relu" to its Activation. Empty means identity.
func ParseActivation(s string) (Activation, error) {
	if s == "" {
		return ActivationIdentity, nil
	}
	a, ok := activationNames[s]
	if !ok {
		return 0, fmt.Errorf("unknown activation %q", s)
	}
	return a, nil
}

// LinearModel is a single dense layer y = act(W·x + b). Weights are row-major
// with one row per output element.
type LinearModel struct {
	InputShape  []int      `json:"input_shape"`
	OutputShape []int      `json:"output_shape"`
	Activation  Activation `json:"-"`
	Weights     []float32  `json:"weights"`
	Bias        []float32  `json:"bias"`
}

// Validate checks that weights and bias agree with the declared shapes.
func (m *LinearModel) Validate() error {
	in, out := Elements(m.InputShape), Elements(m.OutputShape)
	if in == 0 || out == 0 {
		return fmt.Errorf("linear model shapes must be non-empty and positive: in=%v out=%v", m.InputShape, m.OutputShape)
	}
	if in > maxLinearElements || out > maxLinearElements || in*out > maxLinearElements {
		return fmt.Errorf("linear model too large: %d weights", in*out)
	}
	if len(m.Weights) != in*out {
		return fmt.Errorf("linear model has %d weights, want %d", len(m.Weights), in*out)
	}
	if len(m.Bias) != out {
		return fmt.Errorf("linear model has %d biases, want %d", len(m.Bias), out)
	}
	if m.Activation > ActivationSoftmax {
		return fmt.Errorf("unknown activation id %d", m.Activation)
	}
	return nil
}

// WriteLinear serializes m in the linear model file format.
func WriteLinear(w io.Writer, m *LinearModel) error {
	if err := m.Validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	le := binary.LittleEndian
	write := func(v any) error { return binary.Write(bw, le, v) }

	if err := write(linearMagic); err != nil {
		return err
	}
	if err := write(linearVersion); err != nil {
		return err
	}
	if err := write([2]uint8{uint8(m.Activation), 0}); err != nil {
		return err
	}
	for _, shape := range [][]int{m.InputShape, m.OutputShape} {
		if err := write(uint16(len(shape))); err != nil {
			return err
		}
		for _, d := range shape {
			if err := write(uint32(d)); err != nil {
				return err
			}
		}
	}
	if err := write(m.Weights); err != nil {
		return err
	}
	if err := write(m.Bias); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadLinear parses a linear model file.
func ReadLinear(r io.Reader) (*LinearModel, error) {
	br := bufio.NewReader(r)
	le := binary.LittleEndian
	read := func(v any) error { return binary.Read(br, le, v) }

	var magic [4]byte
	if err := read(&magic); err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	if magic != linearMagic {
		return nil, errors.New("not a linear model file")
	}
	var version uint16
	if err := read(&version); err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	if version != linearVersion {
		return nil, fmt.Errorf("unsupported linear model version %d", version)
	}
	var act [2]uint8
	if err := read(&act); err != nil {
		return nil, fmt.Errorf("reading activation: %w", err)
	}

	m := &LinearModel{Activation: Activation(act[0])}
	shapes := make([][]int, 2)
	for i := range shapes {
		var rank uint16
		if err := read(&rank); err != nil {
			return nil, fmt.Errorf("reading rank: %w", err)
		}
		if rank == 0 || rank > 8 {
			return nil, fmt.Errorf("invalid tensor rank %d", rank)
		}
		dims := make([]uint32, rank)
		if err := read(dims); err != nil {
			return nil, fmt.Errorf("reading dims: %w", err)
		}
		shapes[i] = make([]int, rank)
		for j, d := range dims {
			shapes[i][j] = int(d)
		}
	}
	m.InputShape, m.OutputShape = shapes[0], shapes[1]

	in, out := Elements(m.InputShape), Elements(m.OutputShape)
	if in == 0 || out == 0 || in > maxLinearElements || out > maxLinearElements || in*out > maxLinearElements {
		return nil, fmt.Errorf("invalid linear model shapes in=%v out=%v", m.InputShape, m.OutputShape)
	}
	m.Weights = make([]float32, in*out)
	if err := read(m.Weights); err != nil {
		return nil, fmt.Errorf("reading weights: %w", err)
	}
	m.Bias = make([]float32, out)
	if err := read(m.Bias); err != nil {
		return nil, fmt.Errorf("reading bias: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// LinearRuntime executes LinearModel files with gonum.
type LinearRuntime struct {
	logger *zap.Logger
}

// NewLinearRuntime creates the dense-layer backend.
func NewLinearRuntime(logger *zap.Logger) *LinearRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinearRuntime{logger: logger.Named("linear_runtime")}
}

type linearSession struct {
	owner      *LinearRuntime
	model      *LinearModel
	weights    *mat.Dense
	bias       *mat.VecDense
	activation Activation
	disposed   atomic.Bool
}

func (s *linearSession) InputShape() []int  { return append([]int(nil), s.model.InputShape...) }
func (s *linearSession) OutputShape() []int { return append([]int(nil), s.model.OutputShape...) }

// Load reads and validates a model file.
func (r *LinearRuntime) Load(ctx context.Context, path string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening model: %w", err)
	}
	defer f.Close()

	m, err := ReadLinear(f)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return r.newSession(m), nil
}

// FromModel wraps an in-memory model as a session.
func (r *LinearRuntime) FromModel(m *LinearModel) (Session, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return r.newSession(m), nil
}

func (r *LinearRuntime) newSession(m *LinearModel) *linearSession {
	in, out := Elements(m.InputShape), Elements(m.OutputShape)
	w := make([]float64, len(m.Weights))
	for i, v := range m.Weights {
		w[i] = float64(v)
	}
	b := make([]float64, len(m.Bias))
	for i, v := range m.Bias {
		b[i] = float64(v)
	}
	r.logger.Debug("Linear session loaded.", zap.Ints("input_shape", m.InputShape), zap.Ints("output_shape", m.OutputShape))
	return &linearSession{
		owner:      r,
		model:      m,
		weights:    mat.NewDense(out, in, w),
		bias:       mat.NewVecDense(out, b),
		activation: m.Activation,
	}
}

// Run computes act(W·x + b).
func (r *LinearRuntime) Run(ctx context.Context, s Session, input []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ls, ok := s.(*linearSession)
	if !ok || ls.owner != r {
		return nil, ErrForeignSession
	}
	if ls.disposed.Load() {
		return nil, ErrDisposed
	}
	if err := CheckInput(ls, input); err != nil {
		return nil, err
	}

	x := make([]float64, len(input))
	for i, v := range input {
		x[i] = float64(v)
	}
	rows, _ := ls.weights.Dims()
	y := mat.NewVecDense(rows, nil)
	y.MulVec(ls.weights, mat.NewVecDense(len(x), x))
	y.AddVec(y, ls.bias)

	raw := y.RawVector().Data
	activate(ls.activation, raw)

	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}

// Dispose marks the session unusable. Disposing twice is harmless.
func (r *LinearRuntime) Dispose(s Session) error {
	ls, ok := s.(*linearSession)
	if !ok || ls.owner != r {
		return ErrForeignSession
	}
	ls.disposed.Store(true)
	return nil
}

func activate(a Activation, v []float64) {
	switch a {
	case ActivationReLU:
		for i := range v {
			if v[i] < 0 {
				v[i] = 0
			}
		}
	case ActivationSigmoid:
		for i := range v {
			v[i] = 1 / (1 + math.Exp(-v[i]))
		}
	case ActivationSoftmax:
		if len(v) == 0 {
			return
		}
		floats.AddConst(-floats.Max(v), v)
		for i := range v {
			v[i] = math.Exp(v[i])
		}
		floats.Scale(1/floats.Sum(v), v)
	}
}
