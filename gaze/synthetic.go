package gaze

import (
	"github.com/Tutortoise/gaze-kiosk/models"
	"github.com/golang/geo/r3"
)

// SyntheticEye describes one eye of a generated face.
type SyntheticEye struct {
	Offset   r3.Vector // iris offset in eye widths
	Openness float64   // lid gap / width relative to OpenEyeRatio, 1 is fully open
}

// SyntheticLandmarks builds a refined landmark set whose Compute result against a
// zero reference is exactly the requested offsets, with confidence score×openness.
func SyntheticLandmarks(left, right SyntheticEye, score float64) *models.LandmarkSet {
	points := make([]r3.Vector, 478)
	for i := range points {
		points[i] = r3.Vector{X: 0.5, Y: 0.5}
	}
	placeEye(points, LeftEye, r3.Vector{X: 0.65, Y: 0.4}, 0.1, left)
	placeEye(points, RightEye, r3.Vector{X: 0.35, Y: 0.4}, 0.1, right)
	return &models.LandmarkSet{Points: points, Score: score, Refined: true}
}

// placeEye lays the contour out as pairs mirrored about center so its centroid is center.
func placeEye(points []r3.Vector, eye EyeRegion, center r3.Vector, width float64, e SyntheticEye) {
	half := width / 2
	gap := e.Openness * OpenEyeRatio * width

	for _, i := range eye.Contour {
		points[i] = center
	}
	points[eye.OuterCorner] = center.Add(r3.Vector{X: half})
	points[eye.InnerCorner] = center.Sub(r3.Vector{X: half})
	points[eye.UpperLid] = center.Sub(r3.Vector{Y: gap / 2})
	points[eye.LowerLid] = center.Add(r3.Vector{Y: gap / 2})

	iris := center.Add(e.Offset.Mul(width))
	// The four ring points surround the center point symmetrically.
	points[eye.Iris[0]] = iris
	ring := width / 10
	points[eye.Iris[1]] = iris.Add(r3.Vector{X: ring})
	points[eye.Iris[2]] = iris.Add(r3.Vector{Y: -ring})
	points[eye.Iris[3]] = iris.Add(r3.Vector{X: -ring})
	points[eye.Iris[4]] = iris.Add(r3.Vector{Y: ring})
}
