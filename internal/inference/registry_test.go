package inference

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopRuntime struct{}

func (nopRuntime) Load(context.Context, string) (Session, error)               { return nil, nil }
func (nopRuntime) Run(context.Context, Session, []float32) ([]float32, error) { return nil, nil }
func (nopRuntime) Dispose(Session) error                                      { return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Contains(t, r.Names(), LinearRuntimeName)

	rt, err := r.New(LinearRuntimeName, Options{})
	require.NoError(t, err)
	assert.IsType(t, &LinearRuntime{}, rt)

	_, err = r.New("tensorrt", Options{})
	assert.ErrorIs(t, err, ErrUnknownRuntime)

	r.Register("nop", func(Options) (Runtime, error) { return nopRuntime{}, nil })
	rt, err = r.New("nop", Options{})
	require.NoError(t, err)
	assert.Equal(t, nopRuntime{}, rt)

	// Registrations on one registry do not leak into new ones.
	assert.NotContains(t, NewRegistry().Names(), "nop")
}
