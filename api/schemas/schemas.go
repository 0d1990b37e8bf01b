package schemas

import (
	"fmt"
	"math"
)

// ModelKind identifies which of the two inference stages a model artifact serves.
type ModelKind string

const (
	ModelDetection ModelKind = "detection"
	ModelDecision  ModelKind = "decision"
)

// ModelKinds lists every kind the lifecycle manager maintains, in bootstrap order.
var ModelKinds = []ModelKind{ModelDetection, ModelDecision}

// ParseModelKind validates a user supplied kind string.
func ParseModelKind(s string) (ModelKind, error) {
	switch ModelKind(s) {
	case ModelDetection, ModelDecision:
		return ModelKind(s), nil
	default:
		return "", fmt.Errorf("unknown model kind %q", s)
	}
}

// ModelSource is passed to the lifecycle manager and names where artifacts of a kind live.
type ModelSource struct {
	Kind    ModelKind `json:"kind"`
	BaseURL string    `json:"base_url"`
}

// ActionLabel is one discrete decision understood by the dispatcher.
type ActionLabel string

const (
	ActionMoveLane     ActionLabel = "move_lane"
	ActionRoam         ActionLabel = "roam"
	ActionFarm         ActionLabel = "farm"
	ActionCastSkill1   ActionLabel = "cast_skill_1"
	ActionCastSkill2   ActionLabel = "cast_skill_2"
	ActionCastUltimate ActionLabel = "cast_ultimate"
	ActionAttackTower  ActionLabel = "attack_tower"
	ActionRetreat      ActionLabel = "retreat"
	ActionCombo        ActionLabel = "combo"
	ActionPush         ActionLabel = "push"

	// ActionNone means the policy produced no decision this cycle.
	ActionNone ActionLabel = "none"
)

// ActionTable is the positional mapping from decision-model output index to label.
// It must stay in lock-step with the trained output ordering of the decision model.
var ActionTable = []ActionLabel{
	ActionMoveLane,
	ActionRoam,
	ActionFarm,
	ActionCastSkill1,
	ActionCastSkill2,
	ActionCastUltimate,
	ActionAttackTower,
	ActionRetreat,
	ActionCombo,
	ActionPush,
}

// Detection labels produced by the detection model, in class-index order.
const (
	LabelHero      = "hero"
	LabelEnemy     = "enemy"
	LabelSkill1    = "skill1"
	LabelSkill2    = "skill2"
	LabelSkill3    = "skill3"
	LabelAttackBtn = "attack_btn"
	LabelMinimap   = "minimap"
	LabelTower     = "tower"
	LabelUnknown   = "unknown"
)

// DetectionLabels is the positional class-index table of the detection model.
var DetectionLabels = []string{
	LabelHero,
	LabelEnemy,
	LabelSkill1,
	LabelSkill2,
	LabelSkill3,
	LabelAttackBtn,
	LabelMinimap,
}

// Rect is an axis-aligned rectangle in frame pixel coordinates.
type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

func (r Rect) CenterX() float64 { return (r.Left + r.Right) / 2 }
func (r Rect) CenterY() float64 { return (r.Top + r.Bottom) / 2 }

// Center returns the rectangle's centre point.
func (r Rect) Center() (x, y float64) { return r.CenterX(), r.CenterY() }

// DetectionResult is one labeled, scored, located region.
type DetectionResult struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Box   Rect    `json:"box"`
}

// FirstWithLabel returns the first result carrying label. On a score-sorted slice
// this is the highest scoring one.
func FirstWithLabel(detections []DetectionResult, label string) (DetectionResult, bool) {
	for _, d := range detections {
		if d.Label == label {
			return d, true
		}
	}
	return DetectionResult{}, false
}

// BestWithLabel returns the highest scoring result carrying label without assuming
// any ordering of the input. Earlier entries win ties.
func BestWithLabel(detections []DetectionResult, label string) (DetectionResult, bool) {
	best := -1
	for i, d := range detections {
		if d.Label != label {
			continue
		}
		if best < 0 || d.Score > detections[best].Score {
			best = i
		}
	}
	if best < 0 {
		return DetectionResult{}, false
	}
	return detections[best], true
}

// CountLabel counts results carrying label.
func CountLabel(detections []DetectionResult, label string) int {
	n := 0
	for _, d := range detections {
		if d.Label == label {
			n++
		}
	}
	return n
}

// FeatureVector is the fixed-order numeric encoding of game state.
// Values[i] always corresponds to Schema[i].
type FeatureVector struct {
	Schema []string  `json:"schema"`
	Values []float64 `json:"values"`
}

// Float32s returns the values in schema order as a model input buffer.
func (v FeatureVector) Float32s() []float32 {
	out := make([]float32, len(v.Schema))
	for i := range v.Schema {
		if i < len(v.Values) {
			out[i] = float32(v.Values[i])
		}
	}
	return out
}

// Map returns the vector keyed by schema name. Non-finite values map to 0.
func (v FeatureVector) Map() map[string]float64 {
	m := make(map[string]float64, len(v.Schema))
	for i, k := range v.Schema {
		var val float64
		if i < len(v.Values) && !math.IsNaN(v.Values[i]) && !math.IsInf(v.Values[i], 0) {
			val = v.Values[i]
		}
		m[k] = val
	}
	return m
}

// Get returns the value stored for key.
func (v FeatureVector) Get(key string) (float64, bool) {
	for i, k := range v.Schema {
		if k == key && i < len(v.Values) {
			return v.Values[i], true
		}
	}
	return 0, false
}
