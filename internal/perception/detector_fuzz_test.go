package perception

import (
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rankbot/api/schemas"
)

// FuzzDecode checks the invariants Decode promises for any model output:
// only rows above the threshold survive, boxes stay inside the frame and
// results come back best first.
func FuzzDecode(f *testing.F) {
	f.Add([]byte{0x40, 0x00, 0x01, 0x00, 0x01, 0x06})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0x05})

	f.Fuzz(func(t *testing.T, data []byte) {
		fuzzConsumer := fuzz.NewConsumer(data)
		rawThreshold, err := fuzzConsumer.GetUint16()
		if err != nil {
			return
		}
		w, err := fuzzConsumer.GetUint16()
		if err != nil {
			return
		}
		h, err := fuzzConsumer.GetUint16()
		if err != nil {
			return
		}
		n, err := fuzzConsumer.GetByte()
		if err != nil {
			return
		}

		raw := make([]float32, int(n)%(rowWidth*16+1))
		for i := range raw {
			if raw[i], err = fuzzConsumer.GetFloat32(); err != nil {
				break
			}
		}

		d := NewDetector(zap.NewNop(), float64(rawThreshold)/65536)
		frameW, frameH := float64(w), float64(h)
		results, err := d.Decode(raw, frameW, frameH)
		if len(raw)%rowWidth != 0 {
			require.ErrorIs(t, err, ErrMalformedOutput)
			return
		}
		require.NoError(t, err)
		require.LessOrEqual(t, len(results), len(raw)/rowWidth)

		for i, r := range results {
			assert.Greater(t, r.Score, d.Threshold())
			assert.NotEmpty(t, r.Label)
			for _, x := range []float64{r.Box.Left, r.Box.Right} {
				assert.True(t, x >= 0 && x <= frameW, "x %v outside [0,%v]", x, frameW)
			}
			for _, y := range []float64{r.Box.Top, r.Box.Bottom} {
				assert.True(t, y >= 0 && y <= frameH, "y %v outside [0,%v]", y, frameH)
			}
			if i > 0 {
				assert.GreaterOrEqual(t, results[i-1].Score, r.Score)
			}
			if r.Label != schemas.LabelUnknown {
				assert.Contains(t, schemas.DetectionLabels, r.Label)
			}
		}
	})
}
