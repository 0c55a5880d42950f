package landmarks

import (
	"context"
	"errors"

	"github.com/Tutortoise/gaze-kiosk/models"
	"github.com/golang/geo/r3"
)

var (
	ErrSessionClosed = errors.New("landmarks: session closed")
	ErrBadOutput     = errors.New("landmarks: malformed model output")
)

// Options are the recognized landmark engine settings.
type Options struct {
	ModelComplexity        int     `msgpack:"model_complexity"`
	SmoothLandmarks        bool    `msgpack:"smooth_landmarks"`
	MinDetectionConfidence float64 `msgpack:"min_detection_confidence"`
	MinTrackingConfidence  float64 `msgpack:"min_tracking_confidence"`
	RefineLandmarks        bool    `msgpack:"refine_landmarks"`
}

// Result is either a landmark set or a face-less frame. NoFace is a valid outcome, not an error.
type Result struct {
	Landmarks *models.LandmarkSet
	NoFace    bool
	Score     float64
}

// Engine turns normalized frames into landmarks. Implementations allow one Infer at a time.
type Engine interface {
	Infer(ctx context.Context, frame *models.NormalizedFrame) (Result, error)
	Close() error
}

// gate applies the confidence thresholds and optional smoothing shared by every engine.
// The detection threshold applies when the previous frame had no face, the tracking
// threshold while a face is being tracked.
type gate struct {
	opts     Options
	tracking bool
	prev     []r3.Vector
}

func newGate(opts Options) *gate {
	return &gate{opts: opts}
}

func (g *gate) threshold() float64 {
	if g.tracking {
		return g.opts.MinTrackingConfidence
	}
	return g.opts.MinDetectionConfidence
}

func (g *gate) apply(points []r3.Vector, score float64) Result {
	if score < g.threshold() || len(points) == 0 {
		g.reset()
		return Result{NoFace: true, Score: score}
	}

	if !g.opts.RefineLandmarks && len(points) > NumFaceLandmarks {
		points = points[:NumFaceLandmarks]
	}
	refined := len(points) >= NumRefinedLandmarks
	partial := len(points) < NumFaceLandmarks || (g.opts.RefineLandmarks && !refined)

	if g.opts.SmoothLandmarks && len(g.prev) == len(points) {
		smoothed := make([]r3.Vector, len(points))
		for i, p := range points {
			smoothed[i] = g.prev[i].Add(p.Sub(g.prev[i]).Mul(SmoothingAlpha))
		}
		points = smoothed
	}

	if partial {
		g.reset()
	} else {
		g.tracking = true
		g.prev = points
	}

	return Result{
		Score: score,
		Landmarks: &models.LandmarkSet{
			Points:  points,
			Score:   score,
			Refined: refined,
			Partial: partial,
		},
	}
}

func (g *gate) reset() {
	g.tracking = false
	g.prev = nil
}

// pointsFromFlat reads xyz triples in input pixel space and normalizes them by size.
func pointsFromFlat(flat []float32, size int) ([]r3.Vector, error) {
	if len(flat) == 0 || len(flat)%3 != 0 {
		return nil, ErrBadOutput
	}
	s := float64(size)
	points := make([]r3.Vector, len(flat)/3)
	for i := range points {
		points[i] = r3.Vector{
			X: float64(flat[i*3]) / s,
			Y: float64(flat[i*3+1]) / s,
			Z: float64(flat[i*3+2]) / s,
		}
	}
	return points, nil
}
