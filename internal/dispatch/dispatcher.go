// Package dispatch converts an action label into at most one tap.
package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rankbot/api/schemas"
)

// DefaultTargets maps targeted actions to the detection label they tap.
func DefaultTargets() map[schemas.ActionLabel]string {
	return map[schemas.ActionLabel]string{
		schemas.ActionAttackTower:  schemas.LabelTower,
		schemas.ActionCastSkill1:   schemas.LabelSkill1,
		schemas.ActionCastSkill2:   schemas.LabelSkill2,
		schemas.ActionCastUltimate: schemas.LabelSkill3,
	}
}

// Outcome describes what a Dispatch call did.
type Outcome struct {
	Action schemas.ActionLabel
	Tapped bool
	// Label is the detection label that was tapped.
	Label string
	X, Y  float64
	// Fallback is set when a targeted action found no target and tapped the enemy.
	Fallback bool
}

// Dispatcher taps the centre of the region an action refers to.
type Dispatcher struct {
	logger  *zap.Logger
	sink    schemas.TapSink
	targets map[schemas.ActionLabel]string
}

// New creates a dispatcher. A nil targets map means DefaultTargets.
func New(logger *zap.Logger, sink schemas.TapSink, targets map[schemas.ActionLabel]string) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if targets == nil {
		targets = DefaultTargets()
	}
	copied := make(map[schemas.ActionLabel]string, len(targets))
	for k, v := range targets {
		copied[k] = v
	}
	return &Dispatcher{logger: logger.Named("dispatcher"), sink: sink, targets: copied}
}

// TargetsFromConfig converts a string keyed table as read from configuration.
func TargetsFromConfig(m map[string]string) map[schemas.ActionLabel]string {
	if m == nil {
		return nil
	}
	out := make(map[schemas.ActionLabel]string, len(m))
	for k, v := range m {
		out[schemas.ActionLabel(k)] = v
	}
	return out
}

// Dispatch issues at most one tap. A missing target is not an error; a sink
// failure is returned wrapped.
func (d *Dispatcher) Dispatch(ctx context.Context, action schemas.ActionLabel, detections []schemas.DetectionResult) (Outcome, error) {
	out := Outcome{Action: action}

	var region schemas.DetectionResult
	found := false
	label, targeted := d.targets[action]
	if targeted {
		region, found = schemas.BestWithLabel(detections, label)
	}
	if !found {
		region, found = schemas.BestWithLabel(detections, schemas.LabelEnemy)
		out.Fallback = found && targeted
	}
	if !found {
		d.logger.Debug("Nothing to tap.", zap.String("action", string(action)))
		return out, nil
	}

	if err := ctx.Err(); err != nil {
		return out, err
	}
	out.Label = region.Label
	out.X, out.Y = region.Box.Center()
	if err := d.sink.Tap(ctx, out.X, out.Y); err != nil {
		return out, fmt.Errorf("tap at (%.1f, %.1f): %w", out.X, out.Y, err)
	}
	out.Tapped = true
	d.logger.Debug("Tap dispatched.",
		zap.String("action", string(action)),
		zap.String("label", out.Label),
		zap.Float64("x", out.X),
		zap.Float64("y", out.Y),
		zap.Bool("fallback", out.Fallback),
	)
	return out, nil
}

// LogSink records taps in the log instead of delivering them.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a dry-run sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("log_sink")}
}

// Tap implements schemas.TapSink.
func (s *LogSink) Tap(_ context.Context, x, y float64) error {
	s.logger.Info("Tap.", zap.Float64("x", x), zap.Float64("y", y))
	return nil
}
