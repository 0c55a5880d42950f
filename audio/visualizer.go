package audio

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/gaze-kiosk/scene"
	"go.uber.org/zap"
)

const (
	// IdleLevel is shown on every ring while no audio can be read.
	IdleLevel = 0.1
	ringGain  = 1.5
)

// Levels is one analysis result: a level per ring and the overall RMS, all in [0,1].
type Levels struct {
	Rings []float64
	RMS   float64
	Idle  bool
}

func idleLevels(rings int) *Levels {
	l := &Levels{Rings: make([]float64, rings), RMS: IdleLevel, Idle: true}
	for i := range l.Rings {
		l.Rings[i] = IdleLevel
	}
	return l
}

// Visualizer samples an audio node on its own ticker and publishes the latest Levels.
// Its Apply method is the audio render layer; it shares nothing with the gaze layer.
type Visualizer struct {
	node     Node
	rings    int
	interval time.Duration
	logger   *zap.Logger

	buf     []float32
	levels  atomic.Pointer[Levels]
	failing bool

	samples  atomic.Uint64
	failures atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewVisualizer drives rings ring nodes from node. A nil node shows the idle levels.
func NewVisualizer(node Node, rings, refreshRate, window int, logger *zap.Logger) *Visualizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if refreshRate <= 0 {
		refreshRate = 60
	}
	if window <= 0 {
		window = 2048
	}
	v := &Visualizer{
		node:     node,
		rings:    rings,
		interval: time.Second / time.Duration(refreshRate),
		logger:   logger,
		buf:      make([]float32, window),
	}
	v.levels.Store(idleLevels(rings))
	return v
}

func (v *Visualizer) Start() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ticker := time.NewTicker(v.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				v.Sample()
			}
		}
	}()
}

// Stop ends sampling and waits for the sampler goroutine. The node stays open.
func (v *Visualizer) Stop() {
	v.mu.Lock()
	cancel := v.cancel
	v.cancel = nil
	v.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	v.wg.Wait()
}

// Sample reads the node once and publishes new levels. It is called from the sampler
// goroutine only, or directly in tests.
func (v *Visualizer) Sample() {
	if v.node == nil {
		return
	}
	n, err := v.node.TimeDomainData(v.buf)
	if err != nil || n == 0 {
		v.failures.Add(1)
		if !v.failing {
			v.failing = true
			v.logger.Warn("audio unavailable, showing idle visualization", zap.Error(err))
		}
		v.levels.Store(idleLevels(v.rings))
		return
	}
	if v.failing {
		v.failing = false
		v.logger.Info("audio recovered")
	}
	v.samples.Add(uint64(n))
	v.levels.Store(analyze(v.buf[:n], v.rings))
}

// analyze splits the window into one contiguous band per ring and takes the RMS of each.
func analyze(samples []float32, rings int) *Levels {
	l := &Levels{Rings: make([]float64, rings), RMS: rms(samples)}
	if rings == 0 {
		return l
	}
	band := len(samples) / rings
	if band == 0 {
		for i := range l.Rings {
			l.Rings[i] = l.RMS
		}
		return l
	}
	for i := range l.Rings {
		l.Rings[i] = rms(samples[i*band : (i+1)*band])
	}
	return l
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Min(1, math.Sqrt(sum/float64(len(samples))))
}

// Levels returns the latest published levels.
func (v *Visualizer) Levels() Levels {
	return *v.levels.Load()
}

// Apply implements scene.Layer: ring radius grows with its level, color shifts with
// the overall RMS.
func (v *Visualizer) Apply(g *scene.Graph) {
	l := v.levels.Load()
	for i, level := range l.Rings {
		name := scene.RingName(i)
		t, ok := g.Transform(name)
		if !ok {
			continue
		}
		t.Scale = 1 + level*ringGain
		t.Color = scene.Color{R: 0.3 + 0.7*l.RMS, G: 0.6, B: 1 - 0.5*l.RMS, A: 1}
		g.Set(name, t)
	}
}

func (v *Visualizer) Samples() uint64  { return v.samples.Load() }
func (v *Visualizer) Failures() uint64 { return v.failures.Load() }
