// Package state encodes detections into the fixed-order feature vector the
// decision model consumes.
package state

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/xkilldash9x/rankbot/api/schemas"
)

// Feature keys understood by the builder.
const (
	KeyHeroHealth           = "hero_health"
	KeyHeroMana             = "hero_mana"
	KeyHeroLocationX        = "hero_location_x"
	KeyHeroLocationY        = "hero_location_y"
	KeyEnemyClosestDistance = "enemy_closest_distance"
	KeyEnemyCount           = "enemy_count"
	KeyTowerClosestDistance = "tower_closest_distance"
	KeyIsPushing            = "is_pushing"
	KeyIsRetreating         = "is_retreating"
	KeyGameState            = "game_state"
)

// Placeholder values for signals that are not detected yet.
const (
	placeholderHealth        = 1.0
	placeholderMana          = 0.8
	placeholderTowerDistance = 500.0
	// NoEnemyDistance is reported when either the hero or an enemy is missing.
	NoEnemyDistance = 1000.0
)

// DefaultSchema is the key order the shipped decision model was trained on.
var DefaultSchema = []string{
	KeyHeroHealth, KeyHeroMana, KeyHeroLocationX, KeyHeroLocationY,
	KeyEnemyClosestDistance, KeyEnemyCount, KeyTowerClosestDistance,
	KeyIsPushing, KeyIsRetreating, KeyGameState,
}

// scene is what the rules read from one detection set.
type scene struct {
	hero, enemy       schemas.DetectionResult
	hasHero, hasEnemy bool
	enemies           int
}

type rule func(s *scene) float64

var rules = map[string]rule{
	KeyHeroHealth: func(*scene) float64 { return placeholderHealth },
	KeyHeroMana:   func(*scene) float64 { return placeholderMana },
	KeyHeroLocationX: func(s *scene) float64 {
		if !s.hasHero {
			return 0
		}
		return s.hero.Box.CenterX()
	},
	KeyHeroLocationY: func(s *scene) float64 {
		if !s.hasHero {
			return 0
		}
		return s.hero.Box.CenterY()
	},
	KeyEnemyClosestDistance: func(s *scene) float64 {
		if !s.hasHero || !s.hasEnemy {
			return NoEnemyDistance
		}
		hx, hy := s.hero.Box.Center()
		ex, ey := s.enemy.Box.Center()
		return floats.Distance([]float64{hx, hy}, []float64{ex, ey}, 2)
	},
	KeyEnemyCount:           func(s *scene) float64 { return float64(s.enemies) },
	KeyTowerClosestDistance: func(*scene) float64 { return placeholderTowerDistance },
	KeyIsPushing:            func(*scene) float64 { return 0 },
	KeyIsRetreating:         func(*scene) float64 { return 0 },
	KeyGameState:            func(*scene) float64 { return 0 },
}

// Builder is pure; one instance may be shared by concurrent callers.
type Builder struct {
	schema []string
}

// NewBuilder creates a builder for schema. An empty schema means DefaultSchema.
func NewBuilder(schema []string) *Builder {
	if len(schema) == 0 {
		schema = DefaultSchema
	}
	return &Builder{schema: append([]string(nil), schema...)}
}

// Schema returns a copy of the key order.
func (b *Builder) Schema() []string { return append([]string(nil), b.schema...) }

// Known reports whether key has a rule. Unknown keys always encode as 0.
func Known(key string) bool {
	_, ok := rules[key]
	return ok
}

// Build encodes detections taken from a width×height frame. The "first" hero
// and enemy are the first entries in slice order, which for detector output
// are the highest scoring ones.
func (b *Builder) Build(detections []schemas.DetectionResult, width, height int) schemas.FeatureVector {
	s := &scene{}
	s.hero, s.hasHero = schemas.FirstWithLabel(detections, schemas.LabelHero)
	s.enemy, s.hasEnemy = schemas.FirstWithLabel(detections, schemas.LabelEnemy)
	s.enemies = schemas.CountLabel(detections, schemas.LabelEnemy)

	values := make([]float64, len(b.schema))
	for i, key := range b.schema {
		r, ok := rules[key]
		if !ok {
			continue
		}
		v := r(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		values[i] = v
	}
	return schemas.FeatureVector{Schema: b.Schema(), Values: values}
}
