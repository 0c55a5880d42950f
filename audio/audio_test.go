package audio

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/Tutortoise/gaze-kiosk/scene"
)

const epsilon = 1e-6

func TestRingTimeDomainData(t *testing.T) {
	r := NewRing(4)
	dst := make([]float32, 4)

	if _, err := r.TimeDomainData(dst); !errors.Is(err, ErrNoData) {
		t.Errorf("empty ring err = %v, want ErrNoData", err)
	}

	tests := []struct {
		name  string
		write []float32
		want  []float32
	}{
		{"partial", []float32{1, 2}, []float32{1, 2}},
		{"fills", []float32{3, 4}, []float32{1, 2, 3, 4}},
		{"wraps", []float32{5}, []float32{2, 3, 4, 5}},
		{"oversized write", []float32{6, 7, 8, 9, 10, 11}, []float32{8, 9, 10, 11}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.Write(tt.write)
			n, err := r.TimeDomainData(dst)
			if err != nil {
				t.Fatalf("TimeDomainData failed: %v", err)
			}
			if n != len(tt.want) {
				t.Fatalf("n = %d, want %d", n, len(tt.want))
			}
			for i := range tt.want {
				if dst[i] != tt.want[i] {
					t.Errorf("dst = %v, want %v", dst[:n], tt.want)
					break
				}
			}
		})
	}

	short := make([]float32, 2)
	if n, _ := r.TimeDomainData(short); n != 2 || short[0] != 10 || short[1] != 11 {
		t.Errorf("short read = %v", short[:n])
	}

	r.Close()
	if _, err := r.TimeDomainData(dst); !errors.Is(err, ErrClosed) {
		t.Errorf("closed err = %v, want ErrClosed", err)
	}
}

func TestAnalyze(t *testing.T) {
	samples := []float32{0.5, -0.5, 0.5, -0.5, 0, 0, 0, 0}
	l := analyze(samples, 2)

	if math.Abs(l.Rings[0]-0.5) > epsilon || l.Rings[1] != 0 {
		t.Errorf("rings = %v, want [0.5 0]", l.Rings)
	}
	if math.Abs(l.RMS-math.Sqrt(0.125)) > epsilon {
		t.Errorf("RMS = %f", l.RMS)
	}

	// Fewer samples than rings: every ring shows the overall level.
	l = analyze([]float32{1}, 3)
	for i, v := range l.Rings {
		if v != 1 {
			t.Errorf("ring %d = %f, want 1", i, v)
		}
	}
}

type flakyNode struct {
	mu  sync.Mutex
	err error
	val float32
}

func (n *flakyNode) TimeDomainData(dst []float32) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return 0, n.err
	}
	for i := range dst {
		dst[i] = n.val
	}
	return len(dst), nil
}

func (n *flakyNode) Close() error { return nil }

func TestVisualizerFallsBackToIdle(t *testing.T) {
	node := &flakyNode{val: 0.8}
	v := NewVisualizer(node, 3, 60, 64, nil)

	if l := v.Levels(); !l.Idle {
		t.Error("expected idle levels before first sample")
	}

	v.Sample()
	l := v.Levels()
	if l.Idle || math.Abs(l.RMS-0.8) > epsilon {
		t.Errorf("levels = %+v, want RMS 0.8", l)
	}

	node.err = errors.New("no microphone")
	v.Sample()
	v.Sample()
	l = v.Levels()
	if !l.Idle || l.Rings[0] != IdleLevel {
		t.Errorf("levels = %+v, want idle", l)
	}
	if v.Failures() != 2 {
		t.Errorf("failures = %d, want 2", v.Failures())
	}

	node.err = nil
	v.Sample()
	if v.Levels().Idle {
		t.Error("expected recovery after a good read")
	}
	if v.Samples() != 128 {
		t.Errorf("samples = %d, want 128", v.Samples())
	}
}

func TestVisualizerNilNode(t *testing.T) {
	v := NewVisualizer(nil, 2, 60, 0, nil)
	v.Sample()
	if !v.Levels().Idle {
		t.Error("nil node should stay idle")
	}
}

func TestVisualizerLayer(t *testing.T) {
	node := &flakyNode{val: 0.4}
	v := NewVisualizer(node, 2, 60, 16, nil)
	v.Sample()

	g := scene.NewKioskGraph(2)
	v.Apply(g)

	for i := 0; i < 2; i++ {
		tr, _ := g.Transform(scene.RingName(i))
		if math.Abs(tr.Scale-(1+0.4*ringGain)) > epsilon {
			t.Errorf("ring%d scale = %f", i, tr.Scale)
		}
	}
	// The audio layer never touches the gaze nodes.
	for _, name := range scene.GazeNodes {
		if tr, _ := g.Transform(name); tr != scene.Identity() {
			t.Errorf("%s = %+v, want identity", name, tr)
		}
	}
}

func TestVisualizerLoop(t *testing.T) {
	node := &flakyNode{val: 0.2}
	v := NewVisualizer(node, 1, 200, 8, nil)
	v.Start()
	time.Sleep(50 * time.Millisecond)
	v.Stop()

	n := v.Samples()
	if n == 0 {
		t.Fatal("sampler never ran")
	}
	time.Sleep(20 * time.Millisecond)
	if v.Samples() != n {
		t.Error("sampler ran after Stop")
	}
}
