package gaze

import (
	"errors"
	"fmt"
	"math"

	"github.com/Tutortoise/gaze-kiosk/models"
	"github.com/golang/geo/r3"
)

var (
	ErrPartial    = errors.New("gaze: partial landmark set")
	ErrNoIris     = errors.New("gaze: landmark set has no iris points")
	ErrDegenerate = errors.New("gaze: degenerate eye region")
)

const minEyeWidth = 1e-6

// Reference is the neutral per-eye offset subtracted from every measurement.
type Reference struct {
	Left  r3.Vector
	Right r3.Vector
}

// Compute derives both eye offsets from a landmark set. It is pure: the same set
// and reference always give the same vector.
func Compute(set *models.LandmarkSet, ref Reference) (models.GazeVector, error) {
	if set == nil || set.Partial || len(set.Points) < 468 {
		return models.GazeVector{}, ErrPartial
	}
	if len(set.Points) < 478 {
		return models.GazeVector{}, ErrNoIris
	}

	left, err := computeEye(set, LeftEye, ref.Left)
	if err != nil {
		return models.GazeVector{}, fmt.Errorf("left eye: %w", err)
	}
	right, err := computeEye(set, RightEye, ref.Right)
	if err != nil {
		return models.GazeVector{}, fmt.Errorf("right eye: %w", err)
	}
	return models.GazeVector{Left: left, Right: right}, nil
}

func computeEye(set *models.LandmarkSet, eye EyeRegion, ref r3.Vector) (models.EyeGaze, error) {
	p := set.Points
	width := planar(p[eye.OuterCorner].Sub(p[eye.InnerCorner])).Norm()
	if width < minEyeWidth {
		return models.EyeGaze{}, ErrDegenerate
	}

	offset := centroid(p, eye.Iris).Sub(centroid(p, eye.Contour)).Mul(1 / width).Sub(ref)

	gap := planar(p[eye.UpperLid].Sub(p[eye.LowerLid])).Norm()
	openness := clamp(gap/width/OpenEyeRatio, 0, 1)

	return models.EyeGaze{
		Offset:     offset,
		Confidence: clamp(set.Score*openness, 0, 1),
	}, nil
}

func centroid(points []r3.Vector, indices []int) r3.Vector {
	var sum r3.Vector
	for _, i := range indices {
		sum = sum.Add(points[i])
	}
	return sum.Mul(1 / float64(len(indices)))
}

func planar(v r3.Vector) r3.Vector {
	return r3.Vector{X: v.X, Y: v.Y}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Accepted reports whether both eyes reach the confidence threshold.
func Accepted(v models.GazeVector, threshold float64) bool {
	return v.Left.Confidence >= threshold && v.Right.Confidence >= threshold
}

type ReferenceMode string

const (
	ReferenceFixed ReferenceMode = "fixed"
	ReferenceFirst ReferenceMode = "first"
)

// Estimator applies the reference policy on top of Compute. In ReferenceFirst mode
// the first accepted measurement becomes the neutral position.
type Estimator struct {
	threshold  float64
	mode       ReferenceMode
	ref        Reference
	calibrated bool
}

func NewEstimator(threshold float64, mode ReferenceMode) *Estimator {
	return &Estimator{threshold: threshold, mode: mode}
}

// Estimate returns the gaze vector and whether it passed the confidence threshold.
// Only the capture goroutine calls it.
func (e *Estimator) Estimate(set *models.LandmarkSet) (models.GazeVector, bool, error) {
	v, err := Compute(set, e.ref)
	if err != nil {
		return models.GazeVector{}, false, err
	}
	if !Accepted(v, e.threshold) {
		return v, false, nil
	}

	if e.mode == ReferenceFirst && !e.calibrated {
		e.ref = Reference{Left: v.Left.Offset, Right: v.Right.Offset}
		e.calibrated = true
		v.Left.Offset = r3.Vector{}
		v.Right.Offset = r3.Vector{}
	}
	return v, true, nil
}

func (e *Estimator) Reference() (Reference, bool) {
	return e.ref, e.mode == ReferenceFixed || e.calibrated
}
