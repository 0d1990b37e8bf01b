// Package perception turns a captured frame into labeled, scored regions.
package perception

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/xkilldash9x/rankbot/api/schemas"
	"github.com/xkilldash9x/rankbot/internal/inference"
)

// DefaultConfidenceThreshold is the minimum score a row must exceed to be emitted.
const DefaultConfidenceThreshold = 0.25

// rowWidth is the number of values per detection row: cx, cy, w, h, confidence, class.
const rowWidth = 6

var (
	ErrNoFrame          = errors.New("perception: no frame")
	ErrUnsupportedShape = errors.New("perception: unsupported model input shape")
	ErrMalformedOutput  = errors.New("perception: model output is not a whole number of rows")
)

// Detector runs the detection model on frames.
type Detector struct {
	logger    *zap.Logger
	threshold float64
	labels    []string
}

// NewDetector creates a detector. A threshold outside [0,1) falls back to the default.
func NewDetector(logger *zap.Logger, threshold float64) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if threshold < 0 || threshold >= 1 || math.IsNaN(threshold) {
		threshold = DefaultConfidenceThreshold
	}
	return &Detector{
		logger:    logger.Named("detector"),
		threshold: threshold,
		labels:    schemas.DetectionLabels,
	}
}

// Threshold returns the active confidence threshold.
func (d *Detector) Threshold() float64 { return d.threshold }

// Detect preprocesses frame to the model's input, runs it and decodes the rows.
// Results are sorted by descending score; equal scores keep model row order.
func (d *Detector) Detect(ctx context.Context, frame *schemas.Frame, model inference.Model) ([]schemas.DetectionResult, error) {
	if frame == nil || frame.Image() == nil {
		return nil, ErrNoFrame
	}
	h, w, err := InputSize(model.InputShape())
	if err != nil {
		return nil, err
	}

	input := Preprocess(frame.Image(), w, h)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := model.Run(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("running detection model: %w", err)
	}

	results, err := d.Decode(raw, float64(frame.Width()), float64(frame.Height()))
	if err != nil {
		return nil, err
	}
	d.logger.Debug("Detection complete.", zap.Int("rows", len(raw)/rowWidth), zap.Int("kept", len(results)))
	return results, nil
}

// InputSize extracts height and width from an NHWC [1,H,W,3] or HWC [H,W,3] shape.
func InputSize(shape []int) (h, w int, err error) {
	switch {
	case len(shape) == 4 && shape[0] == 1 && shape[3] == 3:
		h, w = shape[1], shape[2]
	case len(shape) == 3 && shape[2] == 3:
		h, w = shape[0], shape[1]
	default:
		return 0, 0, fmt.Errorf("%w: %v", ErrUnsupportedShape, shape)
	}
	if h <= 0 || w <= 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnsupportedShape, shape)
	}
	return h, w, nil
}

// ValidateSession checks a detection session before it is installed: the
// input must be an RGB image tensor and the output a non-empty whole number of rows.
func ValidateSession(s inference.Session) error {
	if _, _, err := InputSize(s.InputShape()); err != nil {
		return err
	}
	n := inference.Elements(s.OutputShape())
	if n <= 0 || n%rowWidth != 0 {
		return fmt.Errorf("%w: output shape %v", ErrMalformedOutput, s.OutputShape())
	}
	return nil
}

// Preprocess scales img to w×h with nearest neighbour sampling and emits
// R, G, B divided by 255 for each pixel in row-major order.
func Preprocess(img image.Image, w, h int) []float32 {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	out := make([]float32, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			out = append(out, float32(px[0])/255, float32(px[1])/255, float32(px[2])/255)
		}
	}
	return out
}

// Decode converts raw model rows into results in frame coordinates.
func (d *Detector) Decode(raw []float32, frameW, frameH float64) ([]schemas.DetectionResult, error) {
	if len(raw)%rowWidth != 0 {
		return nil, fmt.Errorf("%w: %d values", ErrMalformedOutput, len(raw))
	}

	var results []schemas.DetectionResult
	for i := 0; i+rowWidth <= len(raw); i += rowWidth {
		row := raw[i : i+rowWidth]
		conf := float64(row[4])
		// NaN fails this comparison and is dropped with the rest.
		if !(conf > d.threshold) {
			continue
		}

		cx, cy := float64(row[0])*frameW, float64(row[1])*frameH
		bw, bh := float64(row[2])*frameW, float64(row[3])*frameH
		results = append(results, schemas.DetectionResult{
			Label: d.label(row[5]),
			Score: conf,
			Box: schemas.Rect{
				Left:   clamp(cx-bw/2, frameW),
				Top:    clamp(cy-bh/2, frameH),
				Right:  clamp(cx+bw/2, frameW),
				Bottom: clamp(cy+bh/2, frameH),
			},
		})
	}

	sort.SliceStable(results, func(a, b int) bool { return results[a].Score > results[b].Score })
	return results, nil
}

func (d *Detector) label(class float32) string {
	c := float64(class)
	if math.IsNaN(c) || c < 0 || c >= float64(len(d.labels)) {
		return schemas.LabelUnknown
	}
	return d.labels[int(c)]
}

func clamp(v, limit float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(limit, v))
}
