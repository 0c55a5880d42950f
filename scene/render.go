package scene

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNotLoaded = errors.New("scene not loaded")
	ErrDisposed  = errors.New("scene disposed")
)

// Host owns the GPU objects behind a graph and the draw call.
type Host interface {
	Load(ctx context.Context, nodes []string) error
	Present(updates []NodeUpdate) error
	Dispose(ctx context.Context) error
}

// Layer writes node transforms during a render tick. Layers run in registration order
// on the render goroutine and must not block.
type Layer interface {
	Apply(g *Graph)
}

type LayerFunc func(g *Graph)

func (f LayerFunc) Apply(g *Graph) { f(g) }

// Loop draws the graph at the refresh rate. It never waits on the capture pipeline:
// layers only read latest-value cells.
type Loop struct {
	graph    *Graph
	host     Host
	layers   []Layer
	interval time.Duration
	logger   *zap.Logger

	// mu is held for a whole tick so Stop cannot return mid-draw.
	mu      sync.Mutex
	stopped bool
	failing bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	ticks       atomic.Uint64
	presentErrs atomic.Uint64
}

func NewLoop(graph *Graph, host Host, refreshRate int, logger *zap.Logger, layers ...Layer) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if refreshRate <= 0 {
		refreshRate = 60
	}
	return &Loop{
		graph:    graph,
		host:     host,
		layers:   layers,
		interval: time.Second / time.Duration(refreshRate),
		logger:   logger,
	}
}

func (l *Loop) Start() {
	l.mu.Lock()
	if l.cancel != nil || l.stopped {
		l.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run(ctx)
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick()
		}
	}
}

// Tick runs the layers and presents the changed nodes. It returns false once the loop
// has been stopped.
func (l *Loop) Tick() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}

	for _, layer := range l.layers {
		layer.Apply(l.graph)
	}
	err := l.host.Present(l.graph.Flush())
	l.ticks.Add(1)

	switch {
	case err != nil && !l.failing:
		l.failing = true
		l.presentErrs.Add(1)
		l.logger.Warn("scene present failed", zap.Error(err))
	case err != nil:
		l.presentErrs.Add(1)
	case l.failing:
		l.failing = false
		l.logger.Info("scene present recovered")
	}
	return true
}

// Stop ends the loop and waits for a tick in progress. No layer writes and no present
// happen after Stop returns.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
}

func (l *Loop) Ticks() uint64 {
	return l.ticks.Load()
}

func (l *Loop) PresentErrors() uint64 {
	return l.presentErrs.Load()
}

func (l *Loop) Interval() time.Duration {
	return l.interval
}
