package modelhub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/rankbot/api/schemas"
	"github.com/xkilldash9x/rankbot/internal/inference"
	"github.com/xkilldash9x/rankbot/internal/inference/inferencetest"
)

func fakeModel(rt *inferencetest.Runtime, tag string) inference.Model {
	return rt.Model(&inferencetest.Session{In: []int{1}, Out: []int{1}, Path: tag})
}

func TestSlot_EmptyAcquire(t *testing.T) {
	s := NewSlot(schemas.ModelDecision, zaptest.NewLogger(t))
	l, ok := s.Acquire()
	assert.False(t, ok)
	assert.Nil(t, l)
	_, ok = s.Current()
	assert.False(t, ok)
	assert.NotPanics(t, func() { l.Release() })
}

func TestSlot_InstallReplacesAndDisposes(t *testing.T) {
	rt := &inferencetest.Runtime{}
	s := NewSlot(schemas.ModelDetection, zaptest.NewLogger(t))

	first := fakeModel(rt, "v1")
	h1, err := s.Install(first, Meta{Version: "v1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h1.Generation)
	assert.Equal(t, schemas.ModelDetection, h1.Meta.Kind)

	h2, err := s.Install(fakeModel(rt, "v2"), Meta{Version: "v2"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h2.Generation)
	assert.True(t, rt.IsDisposed(first.Session), "unreferenced predecessor is disposed at once")

	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "v2", cur.Meta.Version)
}

func TestSlot_LeaseDefersDisposal(t *testing.T) {
	rt := &inferencetest.Runtime{}
	s := NewSlot(schemas.ModelDecision, nil)
	old := fakeModel(rt, "old")
	_, err := s.Install(old, Meta{Version: "old"})
	require.NoError(t, err)

	lease, ok := s.Acquire()
	require.True(t, ok)
	second, ok := s.Acquire()
	require.True(t, ok)

	_, err = s.Install(fakeModel(rt, "new"), Meta{Version: "new"})
	require.NoError(t, err)
	assert.False(t, rt.IsDisposed(old.Session), "leased session must stay alive")
	assert.Equal(t, "old", lease.Handle().Meta.Version, "a lease keeps the handle it pinned")

	lease.Release()
	lease.Release() // idempotent
	assert.False(t, rt.IsDisposed(old.Session))

	second.Release()
	assert.True(t, rt.IsDisposed(old.Session))
	assert.Equal(t, 1, rt.Disposed())
}

func TestSlot_Close(t *testing.T) {
	rt := &inferencetest.Runtime{}
	s := NewSlot(schemas.ModelDecision, nil)
	m := fakeModel(rt, "v1")
	_, err := s.Install(m, Meta{})
	require.NoError(t, err)

	lease, ok := s.Acquire()
	require.True(t, ok)
	s.Close()
	s.Close()

	_, ok = s.Acquire()
	assert.False(t, ok)
	assert.False(t, rt.IsDisposed(m.Session))
	lease.Release()
	assert.True(t, rt.IsDisposed(m.Session))

	late := fakeModel(rt, "late")
	_, err = s.Install(late, Meta{})
	assert.ErrorIs(t, err, ErrSlotClosed)
	assert.True(t, rt.IsDisposed(late.Session))
}

func TestSlot_ConcurrentLeasesAndInstalls(t *testing.T) {
	rt := &inferencetest.Runtime{}
	s := NewSlot(schemas.ModelDetection, nil)
	_, err := s.Install(fakeModel(rt, "seed"), Meta{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				l, ok := s.Acquire()
				if !ok {
					continue
				}
				// A leased session must never be observed as disposed.
				assert.False(t, rt.IsDisposed(l.Model().Session))
				l.Release()
			}
		}()
	}
	for i := 0; i < 50; i++ {
		_, err := s.Install(fakeModel(rt, "next"), Meta{})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, uint64(51), s.Generation())
	assert.Equal(t, 50, rt.Disposed(), "every superseded session is disposed exactly once")
}
