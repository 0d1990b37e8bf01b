// Package policy maps a feature vector to one discrete action using the
// decision model.
package policy

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"github.com/xkilldash9x/rankbot/api/schemas"
	"github.com/xkilldash9x/rankbot/internal/inference"
)

var (
	// ErrCardinality means the model output length differs from the action table.
	ErrCardinality = errors.New("policy: model output does not match action table")
	// ErrNoScore means every score was NaN.
	ErrNoScore = errors.New("policy: no usable score")
	// ErrInputSize means the vector length differs from the model input.
	ErrInputSize = errors.New("policy: feature vector does not match model input")
)

// Policy runs the decision model.
type Policy struct {
	logger  *zap.Logger
	actions []schemas.ActionLabel
}

// New creates a policy over schemas.ActionTable.
func New(logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{logger: logger.Named("policy"), actions: schemas.ActionTable}
}

// ValidateSession checks a decision session before it is installed: the
// output must have one score per action and the input must fit schemaLen.
// A schemaLen of 0 skips the input check.
func ValidateSession(s inference.Session, schemaLen int) error {
	if got, want := inference.Elements(s.OutputShape()), len(schemas.ActionTable); got != want {
		return fmt.Errorf("%w: output shape %v has %d scores, want %d", ErrCardinality, s.OutputShape(), got, want)
	}
	if schemaLen > 0 {
		if got := inference.Elements(s.InputShape()); got != schemaLen {
			return fmt.Errorf("%w: input shape %v holds %d values, schema has %d", ErrInputSize, s.InputShape(), got, schemaLen)
		}
	}
	return nil
}

// Decide returns the highest scoring action. On any failure it returns
// ActionNone together with the error.
func (p *Policy) Decide(ctx context.Context, vector schemas.FeatureVector, model inference.Model) (schemas.ActionLabel, error) {
	if err := ctx.Err(); err != nil {
		return schemas.ActionNone, err
	}
	input := vector.Float32s()
	if want := inference.Elements(model.InputShape()); want != len(input) {
		return schemas.ActionNone, fmt.Errorf("%w: %d values, model wants %d", ErrInputSize, len(input), want)
	}

	scores, err := model.Run(ctx, input)
	if err != nil {
		return schemas.ActionNone, fmt.Errorf("running decision model: %w", err)
	}
	idx, err := Argmax(scores, len(p.actions))
	if err != nil {
		return schemas.ActionNone, err
	}
	action := p.actions[idx]
	p.logger.Debug("Decision made.", zap.String("action", string(action)), zap.Float32("score", scores[idx]))
	return action, nil
}

// Argmax returns the index of the highest score. The lowest index wins ties and
// NaN never wins. scores must hold exactly n values.
func Argmax(scores []float32, n int) (int, error) {
	if len(scores) != n {
		return 0, fmt.Errorf("%w: got %d scores, want %d", ErrCardinality, len(scores), n)
	}
	// NaN entries are left out entirely so they cannot win a tie with -Inf.
	idx := make([]int, 0, len(scores))
	vals := make([]float64, 0, len(scores))
	for i, s := range scores {
		if v := float64(s); !math.IsNaN(v) {
			idx = append(idx, i)
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0, ErrNoScore
	}
	return idx[floats.MaxIdx(vals)], nil
}
