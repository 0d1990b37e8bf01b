// Package agent implements one perception-decision-action cycle.
package agent

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rankbot/api/schemas"
	"github.com/xkilldash9x/rankbot/internal/dispatch"
	"github.com/xkilldash9x/rankbot/internal/modelhub"
	"github.com/xkilldash9x/rankbot/internal/perception"
	"github.com/xkilldash9x/rankbot/internal/policy"
	"github.com/xkilldash9x/rankbot/internal/state"
)

// ModelProvider hands out leases on the current model of a kind.
// *modelhub.Manager satisfies it.
type ModelProvider interface {
	Acquire(kind schemas.ModelKind) (*modelhub.Lease, bool)
}

// Snapshotter accepts state snapshots without blocking. *telemetry.Uploader
// satisfies it.
type Snapshotter interface {
	Submit(vector schemas.FeatureVector, frame *schemas.Frame) bool
}

// Deps are the collaborators of an Agent. Telemetry is optional.
type Deps struct {
	Source     schemas.FrameSource
	Models     ModelProvider
	Detector   *perception.Detector
	Builder    *state.Builder
	Policy     *policy.Policy
	Dispatcher *dispatch.Dispatcher
	Telemetry  Snapshotter
	Logger     *zap.Logger
}

// Report describes one finished cycle.
type Report struct {
	ID uuid.UUID
	// Skipped is set when no frame was available.
	Skipped    bool
	Detections []schemas.DetectionResult
	Vector     schemas.FeatureVector
	Action     schemas.ActionLabel
	Dispatch   dispatch.Outcome
	// Degraded lists the stages that failed without stopping the cycle.
	Degraded []ErrorCode
	Uploaded bool
	// Generations of the models used, zero when none was installed.
	DetectionGeneration uint64
	DecisionGeneration  uint64
}

// Agent runs cycles. It holds no per-cycle state, so Tick may be called by a
// single scheduler goroutine without further locking.
type Agent struct {
	source     schemas.FrameSource
	models     ModelProvider
	detector   *perception.Detector
	builder    *state.Builder
	policy     *policy.Policy
	dispatcher *dispatch.Dispatcher
	telemetry  Snapshotter
	logger     *zap.Logger
}

// New checks deps and builds an agent.
func New(deps Deps) (*Agent, error) {
	switch {
	case deps.Source == nil:
		return nil, errors.New("agent: frame source is required")
	case deps.Models == nil:
		return nil, errors.New("agent: model provider is required")
	case deps.Detector == nil, deps.Builder == nil, deps.Policy == nil:
		return nil, errors.New("agent: detector, state builder and policy are required")
	case deps.Dispatcher == nil:
		return nil, errors.New("agent: dispatcher is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Agent{
		source:     deps.Source,
		models:     deps.Models,
		detector:   deps.Detector,
		builder:    deps.Builder,
		policy:     deps.Policy,
		dispatcher: deps.Dispatcher,
		telemetry:  deps.Telemetry,
		logger:     deps.Logger.Named("agent"),
	}, nil
}

// Tick runs one cycle. It matches scheduler.TickFunc.
func (a *Agent) Tick(ctx context.Context) error {
	_, err := a.Cycle(ctx)
	return err
}

// Cycle captures a frame, detects, builds the state vector, decides, taps and
// hands a snapshot to telemetry. Model leases are held until it returns and the
// frame is released on every path.
func (a *Agent) Cycle(ctx context.Context) (Report, error) {
	rep := Report{ID: uuid.New(), Action: schemas.ActionNone}
	logger := a.logger.With(zap.String("cycle_id", rep.ID.String()))

	frame, err := a.source.AcquireFrame(ctx)
	if err != nil {
		return rep, &StageError{Code: ErrCodeCaptureFailure, Err: err}
	}
	if frame == nil {
		rep.Skipped = true
		logger.Debug("No frame available, skipping cycle.")
		return rep, nil
	}
	defer frame.Release()

	detLease, detOK := a.models.Acquire(schemas.ModelDetection)
	defer detLease.Release()
	decLease, decOK := a.models.Acquire(schemas.ModelDecision)
	defer decLease.Release()

	// Detection
	switch {
	case !detOK:
		rep.Degraded = append(rep.Degraded, ErrCodeModelUnavailable)
		logger.Debug("Detection model not installed.", zap.String("error_code", string(ErrCodeModelUnavailable)))
	default:
		rep.DetectionGeneration = detLease.Handle().Generation
		rep.Detections, err = a.detector.Detect(ctx, frame, detLease.Model())
		if err != nil {
			rep.Detections = nil
			rep.Degraded = append(rep.Degraded, ErrCodeDetectionFailure)
			logger.Warn("Detection failed, continuing without detections.",
				zap.String("error_code", string(ErrCodeDetectionFailure)), zap.Error(err))
		}
	}

	rep.Vector = a.builder.Build(rep.Detections, frame.Width(), frame.Height())

	// Decision
	switch {
	case !decOK:
		rep.Degraded = append(rep.Degraded, ErrCodeModelUnavailable)
		logger.Debug("Decision model not installed.", zap.String("error_code", string(ErrCodeModelUnavailable)))
	default:
		rep.DecisionGeneration = decLease.Handle().Generation
		rep.Action, err = a.policy.Decide(ctx, rep.Vector, decLease.Model())
		if err != nil {
			rep.Action = schemas.ActionNone
			rep.Degraded = append(rep.Degraded, ErrCodeDecisionFailure)
			logger.Warn("Decision failed, falling back.",
				zap.String("error_code", string(ErrCodeDecisionFailure)), zap.Error(err))
		}
	}

	if err := ctx.Err(); err != nil {
		return rep, err
	}

	var dispatchErr error
	rep.Dispatch, err = a.dispatcher.Dispatch(ctx, rep.Action, rep.Detections)
	if err != nil {
		dispatchErr = &StageError{Code: ErrCodeDispatchFailure, Err: err}
	}

	if a.telemetry != nil {
		rep.Uploaded = a.telemetry.Submit(rep.Vector, frame)
		if !rep.Uploaded {
			logger.Debug("Snapshot not queued.", zap.String("error_code", string(ErrCodeTelemetryDropped)))
		}
	}

	logger.Debug("Cycle complete.",
		zap.Int("detections", len(rep.Detections)),
		zap.String("action", string(rep.Action)),
		zap.Bool("tapped", rep.Dispatch.Tapped),
		zap.Int("degraded", len(rep.Degraded)),
	)
	return rep, dispatchErr
}
