package gaze

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/Tutortoise/gaze-kiosk/models"
	"github.com/golang/geo/r3"
)

const epsilon = 1e-9

func approx(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

func vecApprox(a, b r3.Vector) bool {
	return approx(a.X, b.X) && approx(a.Y, b.Y) && approx(a.Z, b.Z)
}

var open = 1.5

func TestComputeRecoversOffsets(t *testing.T) {
	tests := []struct {
		name  string
		left  r3.Vector
		right r3.Vector
	}{
		{"centered", r3.Vector{}, r3.Vector{}},
		{"looking right", r3.Vector{X: 0.1}, r3.Vector{X: 0.1}},
		{"looking up", r3.Vector{Y: -0.05}, r3.Vector{Y: -0.05}},
		{"cross-eyed", r3.Vector{X: -0.08}, r3.Vector{X: 0.08}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := SyntheticLandmarks(
				SyntheticEye{Offset: tt.left, Openness: open},
				SyntheticEye{Offset: tt.right, Openness: open},
				0.9)
			v, err := Compute(set, Reference{})
			if err != nil {
				t.Fatalf("Compute failed: %v", err)
			}
			if !vecApprox(v.Left.Offset, tt.left) {
				t.Errorf("left = %v, want %v", v.Left.Offset, tt.left)
			}
			if !vecApprox(v.Right.Offset, tt.right) {
				t.Errorf("right = %v, want %v", v.Right.Offset, tt.right)
			}
			if !approx(v.Left.Confidence, 0.9) || !approx(v.Right.Confidence, 0.9) {
				t.Errorf("confidence = %f/%f, want 0.9", v.Left.Confidence, v.Right.Confidence)
			}
		})
	}
}

func TestComputeIsPure(t *testing.T) {
	set := SyntheticLandmarks(
		SyntheticEye{Offset: r3.Vector{X: 0.1, Y: 0.02}, Openness: 0.8},
		SyntheticEye{Offset: r3.Vector{X: -0.03}, Openness: 1},
		0.87)
	ref := Reference{Left: r3.Vector{X: 0.01}}

	first, err := Compute(set, ref)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := Compute(set, ref)
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("run %d = %+v, want %+v", i, again, first)
		}
	}
}

func TestComputeReferenceAndOpenness(t *testing.T) {
	set := SyntheticLandmarks(
		SyntheticEye{Offset: r3.Vector{X: 0.1}, Openness: 0.5},
		SyntheticEye{Offset: r3.Vector{X: 0.1}, Openness: open},
		0.8)

	v, err := Compute(set, Reference{Left: r3.Vector{X: 0.1}})
	if err != nil {
		t.Fatal(err)
	}
	if !vecApprox(v.Left.Offset, r3.Vector{}) {
		t.Errorf("left with reference = %v, want zero", v.Left.Offset)
	}
	if math.Abs(v.Left.Confidence-0.4) > 1e-6 {
		t.Errorf("half-open confidence = %f, want 0.4", v.Left.Confidence)
	}
	if !approx(v.Right.Confidence, 0.8) {
		t.Errorf("open confidence = %f, want 0.8", v.Right.Confidence)
	}
}

func TestComputeErrors(t *testing.T) {
	full := SyntheticLandmarks(SyntheticEye{Openness: 1}, SyntheticEye{Openness: 1}, 0.9)

	partial := *full
	partial.Partial = true

	noIris := *full
	noIris.Points = full.Points[:468]

	degenerate := *SyntheticLandmarks(SyntheticEye{Openness: 1}, SyntheticEye{Openness: 1}, 0.9)
	degenerate.Points[LeftEye.OuterCorner] = degenerate.Points[LeftEye.InnerCorner]

	tests := []struct {
		name string
		set  *models.LandmarkSet
		want error
	}{
		{"nil", nil, ErrPartial},
		{"partial", &partial, ErrPartial},
		{"no iris", &noIris, ErrNoIris},
		{"degenerate", &degenerate, ErrDegenerate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compute(tt.set, Reference{}); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEstimatorThreshold(t *testing.T) {
	e := NewEstimator(0.6, ReferenceFixed)

	// One closed eye is enough to reject the whole vector.
	squint := SyntheticLandmarks(SyntheticEye{Openness: 0.2}, SyntheticEye{Openness: open}, 0.9)
	if _, ok, err := e.Estimate(squint); err != nil || ok {
		t.Errorf("ok = %v, err = %v; want rejected", ok, err)
	}

	good := SyntheticLandmarks(SyntheticEye{Offset: r3.Vector{X: 0.1}, Openness: open}, SyntheticEye{Openness: open}, 0.9)
	v, ok, err := e.Estimate(good)
	if err != nil || !ok {
		t.Fatalf("ok = %v, err = %v; want accepted", ok, err)
	}
	if !approx(v.Left.Offset.X, 0.1) {
		t.Errorf("left X = %f", v.Left.Offset.X)
	}
}

func TestEstimatorFirstFrameReference(t *testing.T) {
	e := NewEstimator(0.6, ReferenceFirst)
	if _, ok := e.Reference(); ok {
		t.Error("reference should not be ready before the first frame")
	}

	// Low confidence frames do not calibrate.
	e.Estimate(SyntheticLandmarks(SyntheticEye{Offset: r3.Vector{X: 0.3}, Openness: 0.1}, SyntheticEye{Openness: 0.1}, 0.9))

	first := SyntheticLandmarks(SyntheticEye{Offset: r3.Vector{X: 0.05}, Openness: open}, SyntheticEye{Offset: r3.Vector{X: 0.02}, Openness: open}, 0.9)
	v, ok, _ := e.Estimate(first)
	if !ok || !vecApprox(v.Left.Offset, r3.Vector{}) || !vecApprox(v.Right.Offset, r3.Vector{}) {
		t.Fatalf("calibration frame = %+v, ok %v; want neutral", v, ok)
	}

	next := SyntheticLandmarks(SyntheticEye{Offset: r3.Vector{X: 0.15}, Openness: open}, SyntheticEye{Offset: r3.Vector{X: 0.02}, Openness: open}, 0.9)
	v, ok, _ = e.Estimate(next)
	if !ok || math.Abs(v.Left.Offset.X-0.1) > 1e-9 || math.Abs(v.Right.Offset.X) > 1e-9 {
		t.Errorf("after calibration = %+v", v)
	}
	if ref, ok := e.Reference(); !ok || math.Abs(ref.Left.X-0.05) > 1e-9 {
		t.Errorf("reference = %+v, ok %v", ref, ok)
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestSlotHoldAndTimeout(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	s := NewSlot(1500*time.Millisecond, clock.now)

	if v, fresh := s.Load(); fresh || v != models.NeutralGaze() {
		t.Errorf("empty slot = %+v, fresh %v; want neutral", v, fresh)
	}

	want := models.GazeVector{Left: models.EyeGaze{Offset: r3.Vector{X: 0.1}, Confidence: 0.9}, Right: models.EyeGaze{Confidence: 0.9}}
	s.Store(want)

	clock.advance(time.Second)
	v, fresh := s.Load()
	if !fresh || !vecApprox(v.Left.Offset, want.Left.Offset) {
		t.Errorf("held = %+v, fresh %v", v, fresh)
	}
	if age, ok := s.Age(); !ok || age != time.Second {
		t.Errorf("Age = %v, %v", age, ok)
	}

	clock.advance(600 * time.Millisecond)
	if v, fresh := s.Load(); fresh || v != models.NeutralGaze() {
		t.Errorf("expired = %+v, fresh %v; want neutral", v, fresh)
	}

	s.Store(want)
	s.Clear()
	if _, fresh := s.Load(); fresh {
		t.Error("cleared slot still fresh")
	}
}
