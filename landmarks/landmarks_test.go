package landmarks

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/Tutortoise/gaze-kiosk/models"
	"github.com/golang/geo/r3"
)

const epsilon = 1e-9

func makePoints(n int, v float64) []r3.Vector {
	points := make([]r3.Vector, n)
	for i := range points {
		points[i] = r3.Vector{X: v, Y: v, Z: 0}
	}
	return points
}

var defaultOpts = Options{MinDetectionConfidence: 0.7, MinTrackingConfidence: 0.4, RefineLandmarks: true}

func TestGateDetectionThenTracking(t *testing.T) {
	g := newGate(defaultOpts)

	// Not tracking yet: 0.5 is below the detection threshold.
	if r := g.apply(makePoints(NumRefinedLandmarks, 0.5), 0.5); !r.NoFace {
		t.Fatalf("expected NoFace below detection threshold, got %+v", r)
	}

	r := g.apply(makePoints(NumRefinedLandmarks, 0.5), 0.8)
	if r.NoFace || r.Landmarks == nil {
		t.Fatalf("expected landmarks, got %+v", r)
	}
	if !r.Landmarks.Refined || r.Landmarks.Partial {
		t.Errorf("Refined=%v Partial=%v, want true/false", r.Landmarks.Refined, r.Landmarks.Partial)
	}

	// Tracking: 0.5 now passes the lower tracking threshold.
	if r := g.apply(makePoints(NumRefinedLandmarks, 0.5), 0.5); r.NoFace {
		t.Error("expected tracking threshold to accept 0.5")
	}

	// Losing the face falls back to the detection threshold.
	g.apply(nil, 0.1)
	if r := g.apply(makePoints(NumRefinedLandmarks, 0.5), 0.5); !r.NoFace {
		t.Error("expected detection threshold after loss")
	}
}

func TestGateRefineAndPartial(t *testing.T) {
	tests := []struct {
		name        string
		refine      bool
		points      int
		wantLen     int
		wantRefined bool
		wantPartial bool
	}{
		{"refined model, refine on", true, 478, 478, true, false},
		{"refined model, refine off", false, 478, 468, false, false},
		{"plain model, refine on", true, 468, 468, false, true},
		{"plain model, refine off", false, 468, 468, false, false},
		{"truncated output", false, 100, 100, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultOpts
			opts.RefineLandmarks = tt.refine
			r := newGate(opts).apply(makePoints(tt.points, 0.5), 0.9)
			if r.Landmarks == nil {
				t.Fatal("expected landmarks")
			}
			if len(r.Landmarks.Points) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(r.Landmarks.Points), tt.wantLen)
			}
			if r.Landmarks.Refined != tt.wantRefined || r.Landmarks.Partial != tt.wantPartial {
				t.Errorf("Refined=%v Partial=%v, want %v/%v",
					r.Landmarks.Refined, r.Landmarks.Partial, tt.wantRefined, tt.wantPartial)
			}
		})
	}
}

func TestGateSmoothing(t *testing.T) {
	opts := defaultOpts
	opts.SmoothLandmarks = true
	g := newGate(opts)

	g.apply(makePoints(NumRefinedLandmarks, 0.0), 0.9)
	r := g.apply(makePoints(NumRefinedLandmarks, 1.0), 0.9)

	got := r.Landmarks.Points[0].X
	if math.Abs(got-SmoothingAlpha) > epsilon {
		t.Errorf("smoothed X = %f, want %f", got, SmoothingAlpha)
	}

	// A lost face resets the filter.
	g.apply(nil, 0.0)
	g.apply(makePoints(NumRefinedLandmarks, 0.0), 0.9)
	r = g.apply(makePoints(NumRefinedLandmarks, 0.0), 0.9)
	if r.Landmarks.Points[0].X != 0 {
		t.Errorf("X = %f after reset, want 0", r.Landmarks.Points[0].X)
	}
}

func TestPointsFromFlat(t *testing.T) {
	points, err := pointsFromFlat([]float32{96, 48, 19.2, 0, 192, 0}, 192)
	if err != nil {
		t.Fatalf("pointsFromFlat failed: %v", err)
	}
	want := []r3.Vector{{X: 0.5, Y: 0.25, Z: 0.1}, {X: 0, Y: 1, Z: 0}}
	for i := range want {
		if d := points[i].Sub(want[i]).Norm(); d > 1e-6 {
			t.Errorf("point %d = %v, want %v", i, points[i], want[i])
		}
	}

	if _, err := pointsFromFlat([]float32{1, 2}, 192); !errors.Is(err, ErrBadOutput) {
		t.Errorf("err = %v, want ErrBadOutput", err)
	}
	if _, err := pointsFromFlat(nil, 192); !errors.Is(err, ErrBadOutput) {
		t.Errorf("err = %v, want ErrBadOutput", err)
	}
}

func TestSigmoid(t *testing.T) {
	if math.Abs(sigmoid(0)-0.5) > epsilon {
		t.Errorf("sigmoid(0) = %f", sigmoid(0))
	}
	if sigmoid(10) < 0.99 || sigmoid(-10) > 0.01 {
		t.Error("sigmoid saturation wrong")
	}
}

func TestIntraOpThreads(t *testing.T) {
	if IntraOpThreads(0) != 1 {
		t.Errorf("complexity 0 = %d, want 1", IntraOpThreads(0))
	}
	if IntraOpThreads(2) != runtime.NumCPU() {
		t.Errorf("complexity 2 = %d, want %d", IntraOpThreads(2), runtime.NumCPU())
	}
	if n := IntraOpThreads(1); n < 1 || n > runtime.NumCPU() {
		t.Errorf("complexity 1 = %d", n)
	}
}

func TestLibraryName(t *testing.T) {
	tests := map[string]string{
		"linux":   "libonnxruntime.so",
		"darwin":  "libonnxruntime.dylib",
		"windows": "onnxruntime.dll",
	}
	for goos, want := range tests {
		if got := LibraryName(goos); got != want {
			t.Errorf("LibraryName(%s) = %s, want %s", goos, got, want)
		}
	}
}

func TestResolveLibrary(t *testing.T) {
	t.Setenv(LibraryEnv, "")
	dir := t.TempDir()

	if _, err := ResolveLibrary(dir); err == nil {
		t.Error("Expected error for empty dir")
	}

	libDir := filepath.Join(dir, "lib")
	os.MkdirAll(libDir, 0755)
	libPath := filepath.Join(libDir, LibraryName(runtime.GOOS))
	if err := os.WriteFile(libPath, []byte("stub"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := ResolveLibrary(dir)
	if err != nil {
		t.Fatalf("ResolveLibrary failed: %v", err)
	}
	if got != libPath {
		t.Errorf("got %s, want %s", got, libPath)
	}

	t.Setenv(LibraryEnv, filepath.Join(dir, "missing.so"))
	if _, err := ResolveLibrary(dir); err == nil {
		t.Error("Expected error for missing override")
	}
}

type fakeCaller struct {
	calls []string
	reply inferReply
	err   error
}

func (f *fakeCaller) Call(_ context.Context, method string, req, resp any) error {
	f.calls = append(f.calls, method)
	if f.err != nil {
		return f.err
	}
	if r, ok := resp.(*inferReply); ok {
		*r = f.reply
	}
	return nil
}

func TestRemoteEngine(t *testing.T) {
	flat := make([]float32, NumRefinedLandmarks*3)
	for i := range flat {
		flat[i] = 96
	}
	caller := &fakeCaller{reply: inferReply{Points: flat, Score: 0.95}}

	e, err := NewRemoteEngine(context.Background(), caller, 192, defaultOpts)
	if err != nil {
		t.Fatalf("NewRemoteEngine failed: %v", err)
	}

	frame := &models.NormalizedFrame{Width: 192, Height: 192, Data: make([]float32, 192*192*3)}
	r, err := e.Infer(context.Background(), frame)
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if r.NoFace || len(r.Landmarks.Points) != NumRefinedLandmarks {
		t.Fatalf("result = %+v", r)
	}
	if math.Abs(r.Landmarks.Points[0].X-0.5) > epsilon {
		t.Errorf("X = %f, want 0.5", r.Landmarks.Points[0].X)
	}

	caller.reply = inferReply{Score: 0.1}
	if r, _ := e.Infer(context.Background(), frame); !r.NoFace {
		t.Error("Expected NoFace for empty points")
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := e.Infer(context.Background(), frame); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}

	want := []string{"landmarks.configure", "landmarks.infer", "landmarks.infer", "landmarks.close"}
	if len(caller.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", caller.calls, want)
	}
}
