package agent_test

import (
	"context"
	"errors"
	"image"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/rankbot/api/schemas"
	"github.com/xkilldash9x/rankbot/internal/agent"
	"github.com/xkilldash9x/rankbot/internal/dispatch"
	"github.com/xkilldash9x/rankbot/internal/inference"
	"github.com/xkilldash9x/rankbot/internal/inference/inferencetest"
	"github.com/xkilldash9x/rankbot/internal/modelhub"
	"github.com/xkilldash9x/rankbot/internal/perception"
	"github.com/xkilldash9x/rankbot/internal/policy"
	"github.com/xkilldash9x/rankbot/internal/state"
)

// -- Mocks --

type mockSource struct{ mock.Mock }

func (m *mockSource) AcquireFrame(ctx context.Context) (*schemas.Frame, error) {
	args := m.Called(ctx)
	f, _ := args.Get(0).(*schemas.Frame)
	return f, args.Error(1)
}

type mockSink struct{ mock.Mock }

func (m *mockSink) Tap(ctx context.Context, x, y float64) error {
	return m.Called(ctx, x, y).Error(0)
}

type mockSnapshotter struct{ mock.Mock }

func (m *mockSnapshotter) Submit(v schemas.FeatureVector, f *schemas.Frame) bool {
	return m.Called(v, f).Bool(0)
}

type slots map[schemas.ModelKind]*modelhub.Slot

func (s slots) Acquire(kind schemas.ModelKind) (*modelhub.Lease, bool) {
	sl, ok := s[kind]
	if !ok {
		return nil, false
	}
	return sl.Acquire()
}

// -- Fixtures --

const frameSize = 256

// enemyRow places an enemy at (100,100)-(140,140) in a 256x256 frame.
var enemyRow = []float32{0.46875, 0.46875, 0.15625, 0.15625, 0.875, 1}

func attackTowerScores() []float32 {
	scores := make([]float32, len(schemas.ActionTable))
	scores[6] = 0.9 // attack_tower
	scores[0] = 0.1
	return scores
}

type harness struct {
	rt       *inferencetest.Runtime
	slots    slots
	source   *mockSource
	sink     *mockSink
	snaps    *mockSnapshotter
	released atomic.Int32
	agent    *agent.Agent
	detSess  *inferencetest.Session
	decSess  *inferencetest.Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &harness{
		rt:     &inferencetest.Runtime{},
		slots:  slots{},
		source: new(mockSource),
		sink:   new(mockSink),
		snaps:  new(mockSnapshotter),
	}
	h.detSess = &inferencetest.Session{In: []int{1, 8, 8, 3}, Out: []int{1, 1, 6}, Output: enemyRow}
	h.decSess = &inferencetest.Session{In: []int{1, len(state.DefaultSchema)}, Out: []int{1, 10}, Output: attackTowerScores()}
	h.install(t, schemas.ModelDetection, h.detSess)
	h.install(t, schemas.ModelDecision, h.decSess)

	a, err := agent.New(agent.Deps{
		Source:     h.source,
		Models:     h.slots,
		Detector:   perception.NewDetector(logger, 0.25),
		Builder:    state.NewBuilder(state.DefaultSchema),
		Policy:     policy.New(logger),
		Dispatcher: dispatch.New(logger, h.sink, dispatch.DefaultTargets()),
		Telemetry:  h.snaps,
		Logger:     logger,
	})
	require.NoError(t, err)
	h.agent = a
	return h
}

func (h *harness) install(t *testing.T, kind schemas.ModelKind, s *inferencetest.Session) inference.Model {
	t.Helper()
	sl, ok := h.slots[kind]
	if !ok {
		sl = modelhub.NewSlot(kind, nil)
		h.slots[kind] = sl
	}
	m := h.rt.Model(s)
	_, err := sl.Install(m, modelhub.Meta{})
	require.NoError(t, err)
	return m
}

func (h *harness) frame() *schemas.Frame {
	img := image.NewRGBA(image.Rect(0, 0, frameSize, frameSize))
	return schemas.NewFrame(img, func() { h.released.Add(1) })
}

// -- Tests --

func TestCycle_TapsEnemyWhenTowerIsMissing(t *testing.T) {
	h := newHarness(t)
	h.source.On("AcquireFrame", mock.Anything).Return(h.frame(), nil).Once()
	h.sink.On("Tap", mock.Anything, 120.0, 120.0).Return(nil).Once()
	h.snaps.On("Submit", mock.Anything, mock.Anything).Return(true).Once()

	rep, err := h.agent.Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, schemas.ActionAttackTower, rep.Action)
	assert.True(t, rep.Dispatch.Tapped)
	assert.True(t, rep.Dispatch.Fallback)
	assert.Equal(t, schemas.LabelEnemy, rep.Dispatch.Label)
	require.Len(t, rep.Detections, 1)
	assert.Equal(t, schemas.Rect{Left: 100, Top: 100, Right: 140, Bottom: 140}, rep.Detections[0].Box)
	assert.Empty(t, rep.Degraded)
	assert.True(t, rep.Uploaded)
	assert.Equal(t, uint64(1), rep.DetectionGeneration)
	assert.Equal(t, uint64(1), rep.DecisionGeneration)

	count, ok := rep.Vector.Get(state.KeyEnemyCount)
	require.True(t, ok)
	assert.Equal(t, 1.0, count)

	assert.Equal(t, int32(1), h.released.Load(), "frame is released exactly once")
	h.source.AssertExpectations(t)
	h.sink.AssertExpectations(t)
	h.snaps.AssertExpectations(t)
}

func TestCycle_NoFrameSkips(t *testing.T) {
	h := newHarness(t)
	h.source.On("AcquireFrame", mock.Anything).Return(nil, nil).Once()

	h.source.On("AcquireFrame", mock.Anything).Return(nil, nil).Once()

	require.NoError(t, h.agent.Tick(context.Background()))
	rep, err := h.agent.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Skipped)
	h.source.AssertExpectations(t)
	h.sink.AssertNotCalled(t, "Tap", mock.Anything, mock.Anything, mock.Anything)
	h.snaps.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestCycle_CaptureFailure(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("screen gone")
	h.source.On("AcquireFrame", mock.Anything).Return(nil, boom).Once()

	err := h.agent.Tick(context.Background())
	var se *agent.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, agent.ErrCodeCaptureFailure, se.Code)
	assert.ErrorIs(t, err, boom)
	h.sink.AssertNotCalled(t, "Tap", mock.Anything, mock.Anything, mock.Anything)
}

func TestCycle_MissingModelsDegrade(t *testing.T) {
	h := newHarness(t)
	delete(h.slots, schemas.ModelDetection)
	delete(h.slots, schemas.ModelDecision)
	h.source.On("AcquireFrame", mock.Anything).Return(h.frame(), nil).Once()
	h.snaps.On("Submit", mock.Anything, mock.Anything).Return(true).Once()

	rep, err := h.agent.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []agent.ErrorCode{agent.ErrCodeModelUnavailable, agent.ErrCodeModelUnavailable}, rep.Degraded)
	assert.Equal(t, schemas.ActionNone, rep.Action)
	assert.Empty(t, rep.Detections)
	assert.False(t, rep.Dispatch.Tapped)
	assert.Equal(t, int32(1), h.released.Load())
	h.sink.AssertNotCalled(t, "Tap", mock.Anything, mock.Anything, mock.Anything)
}

func TestCycle_DetectionFailureContinues(t *testing.T) {
	h := newHarness(t)
	h.detSess.Err = errors.New("delegate crashed")
	h.source.On("AcquireFrame", mock.Anything).Return(h.frame(), nil).Once()
	h.snaps.On("Submit", mock.Anything, mock.Anything).Return(true).Once()

	var decided []float32
	h.decSess.OnRun = func(_ context.Context, input []float32) { decided = input }

	rep, err := h.agent.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []agent.ErrorCode{agent.ErrCodeDetectionFailure}, rep.Degraded)
	assert.Equal(t, schemas.ActionAttackTower, rep.Action, "decision still runs on the empty state")
	require.Len(t, decided, len(state.DefaultSchema))
	assert.False(t, rep.Dispatch.Tapped, "nothing detected, nothing to tap")
}

func TestCycle_DecisionFailureFallsBackToEnemy(t *testing.T) {
	h := newHarness(t)
	h.decSess.Err = errors.New("bad graph")
	h.source.On("AcquireFrame", mock.Anything).Return(h.frame(), nil).Once()
	h.sink.On("Tap", mock.Anything, 120.0, 120.0).Return(nil).Once()
	h.snaps.On("Submit", mock.Anything, mock.Anything).Return(false).Once()

	rep, err := h.agent.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemas.ActionNone, rep.Action)
	assert.Equal(t, []agent.ErrorCode{agent.ErrCodeDecisionFailure}, rep.Degraded)
	assert.True(t, rep.Dispatch.Tapped)
	assert.False(t, rep.Dispatch.Fallback, "none has no target of its own")
	assert.False(t, rep.Uploaded)
}

func TestCycle_DispatchFailure(t *testing.T) {
	h := newHarness(t)
	h.source.On("AcquireFrame", mock.Anything).Return(h.frame(), nil).Once()
	h.sink.On("Tap", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("input rejected")).Once()
	h.snaps.On("Submit", mock.Anything, mock.Anything).Return(true).Once()

	rep, err := h.agent.Cycle(context.Background())
	var se *agent.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, agent.ErrCodeDispatchFailure, se.Code)
	assert.True(t, rep.Uploaded, "the snapshot is still submitted")
	assert.Equal(t, int32(1), h.released.Load())
}

func TestCycle_Canceled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.source.On("AcquireFrame", mock.Anything).Return(h.frame(), nil).Once()
	h.decSess.OnRun = func(context.Context, []float32) { cancel() }

	_, err := h.agent.Cycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), h.released.Load())
	h.sink.AssertNotCalled(t, "Tap", mock.Anything, mock.Anything, mock.Anything)
	h.snaps.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestCycle_LeasesOutliveHotSwap(t *testing.T) {
	h := newHarness(t)
	old := h.rt.Model(h.detSess)
	replacement := &inferencetest.Session{In: []int{1, 8, 8, 3}, Out: []int{1, 1, 6}, Output: enemyRow}

	h.detSess.OnRun = func(context.Context, []float32) {
		h.install(t, schemas.ModelDetection, replacement)
		assert.False(t, h.rt.IsDisposed(old.Session), "in-use model must not be disposed mid-cycle")
	}
	h.source.On("AcquireFrame", mock.Anything).Return(h.frame(), nil).Once()
	h.sink.On("Tap", mock.Anything, 120.0, 120.0).Return(nil).Once()
	h.snaps.On("Submit", mock.Anything, mock.Anything).Return(true).Once()

	rep, err := h.agent.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rep.DetectionGeneration)
	assert.True(t, h.rt.IsDisposed(old.Session), "superseded model is disposed once the cycle lets go")
	assert.False(t, h.rt.IsDisposed(replacement))
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := agent.New(agent.Deps{})
	assert.Error(t, err)

	_, err = agent.New(agent.Deps{Source: new(mockSource), Models: slots{}})
	assert.Error(t, err)
}

func TestValidators(t *testing.T) {
	v := agent.Validators(len(state.DefaultSchema))

	det := v[schemas.ModelDetection]
	require.NotNil(t, det)
	assert.NoError(t, det(&inferencetest.Session{In: []int{1, 320, 320, 3}, Out: []int{1, 100, 6}}))
	assert.ErrorIs(t, det(&inferencetest.Session{In: []int{1, 10}, Out: []int{6}}), perception.ErrUnsupportedShape)

	dec := v[schemas.ModelDecision]
	require.NotNil(t, dec)
	assert.NoError(t, dec(&inferencetest.Session{In: []int{1, len(state.DefaultSchema)}, Out: []int{1, 10}}))
	assert.ErrorIs(t, dec(&inferencetest.Session{In: []int{1, 3}, Out: []int{1, 10}}), policy.ErrInputSize)
	assert.ErrorIs(t, dec(&inferencetest.Session{In: []int{1, len(state.DefaultSchema)}, Out: []int{1, 9}}), policy.ErrCardinality)
}
