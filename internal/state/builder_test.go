package state

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/rankbot/api/schemas"
	"github.com/xkilldash9x/rankbot/internal/config"
)

func det(label string, score, l, t, r, b float64) schemas.DetectionResult {
	return schemas.DetectionResult{Label: label, Score: score, Box: schemas.Rect{Left: l, Top: t, Right: r, Bottom: b}}
}

func TestBuild_Defaults(t *testing.T) {
	b := NewBuilder(nil)
	dets := []schemas.DetectionResult{
		det("hero", 0.9, 0, 0, 20, 20),     // centre (10, 10)
		det("enemy", 0.8, 30, 40, 50, 60),  // centre (40, 50)
		det("enemy", 0.5, 90, 90, 110, 110), // farther, not first
		det("minimap", 0.7, 0, 0, 5, 5),
	}

	got := b.Build(dets, 200, 100)
	want := schemas.FeatureVector{
		Schema: DefaultSchema,
		Values: []float64{1.0, 0.8, 10, 10, 50, 2, 500, 0, 0, 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("feature vector mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_NoDetections(t *testing.T) {
	got := NewBuilder(nil).Build(nil, 1280, 720)
	want := []float64{1.0, 0.8, 0, 0, NoEnemyDistance, 0, 500, 0, 0, 0}
	assert.Equal(t, want, got.Values)
}

func TestBuild_EnemyWithoutHero(t *testing.T) {
	got := NewBuilder(nil).Build([]schemas.DetectionResult{det("enemy", 0.9, 0, 0, 10, 10)}, 100, 100)
	d, ok := got.Get(KeyEnemyClosestDistance)
	require.True(t, ok)
	assert.Equal(t, NoEnemyDistance, d)
	c, _ := got.Get(KeyEnemyCount)
	assert.Equal(t, 1.0, c)
}

func TestBuild_CustomSchema(t *testing.T) {
	b := NewBuilder([]string{KeyEnemyCount, "mystery_signal", KeyHeroHealth})
	got := b.Build([]schemas.DetectionResult{det("enemy", 0.9, 0, 0, 1, 1)}, 10, 10)

	assert.Equal(t, []string{KeyEnemyCount, "mystery_signal", KeyHeroHealth}, got.Schema)
	assert.Equal(t, []float64{1, 0, 1.0}, got.Values)
	assert.False(t, Known("mystery_signal"))
	assert.True(t, Known(KeyGameState))
}

func TestBuild_NonFiniteCoordinates(t *testing.T) {
	dets := []schemas.DetectionResult{det("hero", 0.9, math.Inf(1), 0, math.Inf(1), 0)}
	got := NewBuilder(nil).Build(dets, 10, 10)
	x, _ := got.Get(KeyHeroLocationX)
	assert.Equal(t, 0.0, x)
}

func TestBuild_Deterministic(t *testing.T) {
	b := NewBuilder(nil)
	dets := []schemas.DetectionResult{det("hero", 0.9, 1, 2, 3, 4), det("enemy", 0.4, 5, 6, 7, 8)}
	assert.Equal(t, b.Build(dets, 10, 10), b.Build(dets, 10, 10))
}

func TestDefaultSchema_MatchesConfig(t *testing.T) {
	assert.Equal(t, config.DefaultSchema, DefaultSchema)
}

func TestBuilder_SchemaIsCopied(t *testing.T) {
	in := []string{KeyHeroHealth}
	b := NewBuilder(in)
	in[0] = "changed"
	assert.Equal(t, []string{KeyHeroHealth}, b.Schema())
}
