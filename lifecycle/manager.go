package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tutortoise/gaze-kiosk/audio"
	"github.com/Tutortoise/gaze-kiosk/gaze"
	"github.com/Tutortoise/gaze-kiosk/landmarks"
	"github.com/Tutortoise/gaze-kiosk/models"
	"github.com/Tutortoise/gaze-kiosk/scene"
	"github.com/Tutortoise/gaze-kiosk/scheduler"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Camera is the camera handle owner. camera.Adapter implements it.
type Camera interface {
	scheduler.Capturer
	Open(ctx context.Context) error
	Close() error
}

// Resources are the collaborators a Manager acquires and releases. The Manager is the
// only holder of the open camera, the inference session and the loaded scene.
type Resources struct {
	Camera       Camera
	OpenEngine   func(ctx context.Context) (landmarks.Engine, error)
	Host         scene.Host
	Normalize    scheduler.Normalizer
	NewEstimator func() scheduler.Estimator
	Gaze         *gaze.Slot
	// OpenAudio is optional; when it fails the rings show the idle visualization.
	OpenAudio func() (audio.Node, error)
}

type Config struct {
	Scheduler   scheduler.Config
	Sync        scene.SyncConfig
	RefreshRate int
	Rings       int
	AudioWindow int
}

type Transition struct {
	From  State
	To    State
	Cause error
	At    time.Time
}

// Status is the monitoring view of the pipeline.
type Status struct {
	State         State                 `json:"-"`
	StateName     string                `json:"state"`
	Cause         string                `json:"cause,omitempty"`
	Pipeline      models.PipelineHealth `json:"pipeline"`
	RenderTicks   uint64                `json:"render_ticks"`
	PresentErrors uint64                `json:"present_errors"`
	AudioSamples  uint64                `json:"audio_samples"`
	AudioFailures uint64                `json:"audio_failures"`
}

// Manager runs the Uninitialized → Initializing → Active → Releasing → Released state
// machine, with Faulted reachable on unrecoverable errors.
type Manager struct {
	cfg    Config
	res    Resources
	logger *zap.Logger

	// OnTransition is called synchronously after every state change.
	OnTransition func(Transition)
	// OnHealth receives scheduler health changes while Active.
	OnHealth func(models.PipelineHealth)

	// op serializes Acquire and Release.
	op sync.Mutex

	mu        sync.Mutex
	state     State
	cause     error
	sched     *scheduler.Scheduler
	loop      *scene.Loop
	vis       *audio.Visualizer
	engine    landmarks.Engine
	audioNode audio.Node
	last      Status
}

func NewManager(cfg Config, res Resources, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, res: res, logger: logger}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err is the cause of the last fault, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

// Acquire opens the camera, the inference session and the scene resources in that
// order, then starts the capture, render and audio loops. A failed step releases what
// was already acquired in reverse order and leaves the Manager Faulted.
func (m *Manager) Acquire(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	if st := m.State(); !st.canAcquire() {
		return fmt.Errorf("lifecycle: cannot acquire while %s", st)
	}
	m.transition(Initializing, nil)

	var acquired []func() error
	fail := func(step string, err error) error {
		err = fmt.Errorf("%s: %w", step, err)
		var rerr error
		for i := len(acquired) - 1; i >= 0; i-- {
			rerr = multierr.Append(rerr, acquired[i]())
		}
		if rerr != nil {
			m.logger.Warn("rollback after failed acquisition", zap.Error(rerr))
		}
		m.transition(Faulted, err)
		return err
	}

	if err := m.res.Camera.Open(ctx); err != nil {
		return fail("acquire camera", err)
	}
	acquired = append(acquired, m.res.Camera.Close)

	engine, err := m.res.OpenEngine(ctx)
	if err != nil {
		return fail("open inference session", err)
	}
	acquired = append(acquired, engine.Close)

	graph := scene.NewKioskGraph(m.cfg.Rings)
	if err := m.res.Host.Load(ctx, graph.Names()); err != nil {
		return fail("load scene resources", err)
	}

	var node audio.Node
	if m.res.OpenAudio != nil {
		if node, err = m.res.OpenAudio(); err != nil {
			m.logger.Warn("audio node unavailable, rings stay idle", zap.Error(err))
			node = nil
		}
	}

	m.res.Gaze.Clear()
	sched := scheduler.New(m.cfg.Scheduler, scheduler.Stages{
		Camera:    m.res.Camera,
		Normalize: m.res.Normalize,
		Engine:    engine,
		Estimator: m.res.NewEstimator(),
		Gaze:      m.res.Gaze,
	}, m.logger.Named("scheduler"))
	sched.OnChange = func(h models.PipelineHealth) {
		if m.OnHealth != nil {
			m.OnHealth(h)
		}
	}
	sched.OnFault = func(err error) {
		// The scheduler calls this from its own cycle; teardown waits for that cycle.
		go m.release(context.Background(), Faulted, err)
	}

	vis := audio.NewVisualizer(node, m.cfg.Rings, m.cfg.RefreshRate, m.cfg.AudioWindow, m.logger.Named("audio"))
	syncer := scene.NewSynchronizer(m.cfg.Sync, m.res.Gaze)
	loop := scene.NewLoop(graph, m.res.Host, m.cfg.RefreshRate, m.logger.Named("render"), syncer, vis)

	m.mu.Lock()
	m.sched, m.loop, m.vis = sched, loop, vis
	m.engine, m.audioNode = engine, node
	m.mu.Unlock()

	sched.Start()
	loop.Start()
	vis.Start()

	m.transition(Active, nil)
	return nil
}

// Release tears the pipeline down. Failures are logged and swallowed so teardown
// always completes.
func (m *Manager) Release(ctx context.Context) {
	m.release(ctx, Released, nil)
}

func (m *Manager) release(ctx context.Context, final State, cause error) {
	m.op.Lock()
	defer m.op.Unlock()

	if m.State() != Active {
		return
	}
	m.transition(Releasing, cause)

	m.mu.Lock()
	sched, loop, vis := m.sched, m.loop, m.vis
	engine, node := m.engine, m.audioNode
	m.mu.Unlock()

	var errs error

	// No new cycles; the one in flight is cancelled and awaited, its result dropped.
	sched.Stop()
	errs = multierr.Append(errs, step("release camera", m.res.Camera.Close()))

	// The render loop must be idle before GPU objects go away.
	loop.Stop()
	vis.Stop()
	errs = multierr.Append(errs, step("dispose scene resources", m.res.Host.Dispose(ctx)))
	if node != nil {
		errs = multierr.Append(errs, step("close audio node", node.Close()))
	}

	errs = multierr.Append(errs, step("close inference session", engine.Close()))
	m.res.Gaze.Clear()

	for _, err := range multierr.Errors(errs) {
		m.logger.Warn("release step failed", zap.Error(err))
	}

	m.mu.Lock()
	m.last = m.statusLocked(sched, loop, vis)
	m.sched, m.loop, m.vis = nil, nil, nil
	m.engine, m.audioNode = nil, nil
	m.mu.Unlock()

	m.transition(final, cause)
}

func step(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (m *Manager) transition(to State, cause error) {
	m.mu.Lock()
	from := m.state
	m.state = to
	switch to {
	case Faulted:
		m.cause = cause
	case Initializing:
		m.cause = nil
	}
	m.mu.Unlock()

	fields := []zap.Field{zap.Stringer("from", from), zap.Stringer("to", to)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if to == Faulted {
		m.logger.Error("pipeline faulted", fields...)
	} else {
		m.logger.Info("lifecycle transition", fields...)
	}

	if m.OnTransition != nil {
		m.OnTransition(Transition{From: from, To: to, Cause: cause, At: time.Now()})
	}
}

// Status reports the lifecycle state with the live loop counters, or the final
// counters of the last run when nothing is active.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sched == nil {
		s := m.last
		s.State, s.StateName = m.state, m.state.String()
		s.Cause = ""
		if m.cause != nil {
			s.Cause = m.cause.Error()
		}
		return s
	}
	return m.statusLocked(m.sched, m.loop, m.vis)
}

func (m *Manager) statusLocked(sched *scheduler.Scheduler, loop *scene.Loop, vis *audio.Visualizer) Status {
	s := Status{
		State:         m.state,
		StateName:     m.state.String(),
		Pipeline:      sched.Health(),
		RenderTicks:   loop.Ticks(),
		PresentErrors: loop.PresentErrors(),
		AudioSamples:  vis.Samples(),
		AudioFailures: vis.Failures(),
	}
	if m.cause != nil {
		s.Cause = m.cause.Error()
	}
	return s
}
