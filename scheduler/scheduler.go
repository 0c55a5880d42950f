package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Tutortoise/gaze-kiosk/camera"
	"github.com/Tutortoise/gaze-kiosk/landmarks"
	"github.com/Tutortoise/gaze-kiosk/models"
	"go.uber.org/zap"
)

type Capturer interface {
	Capture(ctx context.Context) (*models.CameraFrame, error)
}

type Normalizer interface {
	Normalize(frame *models.CameraFrame) (*models.NormalizedFrame, error)
}

type Estimator interface {
	Estimate(set *models.LandmarkSet) (models.GazeVector, bool, error)
}

// GazeStore receives accepted vectors. gaze.Slot implements it.
type GazeStore interface {
	Store(v models.GazeVector)
}

type Config struct {
	Period           time.Duration
	FailureThreshold int
	MaxBackoff       time.Duration
	InferenceTimeout time.Duration
	// Debug logs stage timings for every cycle.
	Debug bool
}

// Stages are the collaborators of one capture cycle. The lifecycle manager owns them;
// the scheduler only borrows them for the duration of a cycle.
type Stages struct {
	Camera    Capturer
	Normalize Normalizer
	Engine    landmarks.Engine
	Estimator Estimator
	Gaze      GazeStore
}

// Scheduler runs capture cycles on a fixed period. At most one cycle is in flight;
// a tick that finds one running is skipped and counted.
type Scheduler struct {
	cfg    Config
	stages Stages
	logger *zap.Logger
	now    func() time.Time

	// OnChange is called with a snapshot whenever the health state changes. Snapshots
	// arrive in the order the changes happened, never on the cycle goroutine.
	OnChange func(models.PipelineHealth)
	// OnFault is called once when an unrecoverable capture error stops the scheduler.
	OnFault func(error)

	mu       sync.Mutex
	health   models.PipelineHealth
	running  bool
	stopping bool
	inFlight bool
	cancel   context.CancelFunc
	retime   chan struct{}
	changes  []models.PipelineHealth

	// deliverMu keeps one goroutine at a time draining changes.
	deliverMu sync.Mutex

	loopWG  sync.WaitGroup
	cycleWG sync.WaitGroup
}

func New(cfg Config, stages Stages, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:    cfg,
		stages: stages,
		logger: logger,
		now:    time.Now,
		retime: make(chan struct{}, 1),
	}
	s.health.State = models.HealthIdle
	s.health.Interval = cfg.Period
	return s
}

// Start begins ticking. It also restarts a scheduler that stopped on its own.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.stopping = false
	s.cancel = cancel
	s.health.ConsecutiveCaptureFailures = 0
	s.health.ConsecutiveInferenceFailures = 0
	s.health.Interval = s.cfg.Period
	s.health.StopCause = ""
	s.setStateLocked(models.HealthRunning)
	s.mu.Unlock()

	s.loopWG.Add(1)
	go s.loop(ctx)
	s.logger.Info("capture scheduler started", zap.Duration("period", s.cfg.Period))
}

// Stop prevents new cycles, cancels the one in flight and waits for it to finish,
// including an inference call that already timed out. A result arriving after Stop
// began is discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopping = true
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.loopWG.Wait()
	s.cycleWG.Wait()

	s.mu.Lock()
	if s.health.State != models.HealthStopped {
		s.health.StopCause = "stopped"
		s.setStateLocked(models.HealthStopped)
	}
	s.mu.Unlock()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.loopWG.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()
	lastTick := s.now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			lastTick = s.now()
			s.tick(ctx)
			timer.Reset(s.Interval())
		case <-s.retime:
			// The interval changed mid-period; count the new one from the last tick.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(max(0, s.Interval()-s.now().Sub(lastTick)))
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.begin() {
		return
	}
	go s.runCycle(ctx)
}

// RunOnce runs one cycle on the calling goroutine. It returns false when the tick was
// skipped because a cycle is already in flight or the scheduler is stopping.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	if !s.begin() {
		return false
	}
	s.runCycle(ctx)
	return true
}

func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || s.health.State == models.HealthStopped {
		return false
	}
	if s.inFlight {
		s.health.Skips++
		return false
	}
	s.inFlight = true
	s.health.Cycles++
	s.cycleWG.Add(1)
	return true
}

func (s *Scheduler) runCycle(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
		s.cycleWG.Done()
	}()

	start := s.now()
	timings := &models.ProcessingTimings{}

	frame, err := s.stages.Camera.Capture(ctx)
	timings.Capture = s.now().Sub(start)
	if err != nil {
		s.captureFailed(err)
		return
	}
	timings.TraceID = frame.TraceID

	convertStart := s.now()
	normalized, err := s.stages.Normalize.Normalize(frame)
	timings.Convert = s.now().Sub(convertStart)
	if err != nil {
		s.captureFailed(&ProcessingError{Stage: "convert", Message: "frame conversion failed", Cause: err})
		return
	}
	s.captureSucceeded()

	inferStart := s.now()
	result, err := s.infer(ctx, normalized)
	timings.Inference = s.now().Sub(inferStart)
	if err != nil {
		s.inferenceFailed(&ProcessingError{Stage: "inference", Message: "landmark inference failed", Cause: err})
		return
	}
	if result.NoFace {
		s.noFace()
		return
	}
	if result.Landmarks == nil || result.Landmarks.Partial {
		s.inferenceFailed(&ProcessingError{Stage: "inference", Message: "landmarks rejected", Cause: ErrPartialResult})
		return
	}

	gazeStart := s.now()
	v, ok, err := s.stages.Estimator.Estimate(result.Landmarks)
	timings.Gaze = s.now().Sub(gazeStart)
	if err != nil {
		s.inferenceFailed(&ProcessingError{Stage: "gaze", Message: "gaze computation failed", Cause: err})
		return
	}
	if !ok {
		s.inferenceFailed(&ProcessingError{Stage: "gaze", Message: "gaze rejected", Cause: ErrLowConfidence})
		return
	}

	if s.commit(ctx, v) {
		timings.Total = s.now().Sub(start)
		s.logTimings(timings)
	}
}

// infer bounds the engine call by the inference timeout. A call that overruns counts
// as a failure at the deadline; its goroutine is still awaited so that no two calls
// ever overlap, and whatever it returns is dropped.
func (s *Scheduler) infer(ctx context.Context, frame *models.NormalizedFrame) (landmarks.Result, error) {
	timeout := s.cfg.InferenceTimeout
	if timeout <= 0 {
		timeout = s.cfg.Period
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result landmarks.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := s.stages.Engine.Infer(ictx, frame)
		done <- outcome{r, err}
	}()

	select {
	case o := <-done:
		if o.err == nil && ictx.Err() != nil {
			return landmarks.Result{}, ErrInferTimeout
		}
		return o.result, o.err
	case <-ictx.Done():
		var err error = ErrInferTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		s.inferenceFailed(&ProcessingError{Stage: "inference", Message: "abandoned", Cause: err})
		<-done
		return landmarks.Result{}, errAbandoned
	}
}

var errAbandoned = errors.New("abandoned inference")

// commit publishes v unless teardown has begun.
func (s *Scheduler) commit(ctx context.Context, v models.GazeVector) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || ctx.Err() != nil {
		s.health.Discarded++
		return false
	}
	s.stages.Gaze.Store(v)
	s.health.Accepted++
	s.health.ConsecutiveInferenceFailures = 0
	s.updateLocked()
	return true
}

func (s *Scheduler) captureFailed(err error) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if errors.Is(err, camera.ErrUnavailable) || errors.Is(err, camera.ErrClosed) {
		s.fault(err)
		return
	}

	s.mu.Lock()
	s.health.ConsecutiveCaptureFailures++
	n := s.health.ConsecutiveCaptureFailures
	s.updateLocked()
	s.mu.Unlock()

	if n == 1 || n == s.cfg.FailureThreshold+1 {
		s.logger.Warn("capture failed", zap.Error(err), zap.Int("consecutive", n))
	}
}

func (s *Scheduler) captureSucceeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health.ConsecutiveCaptureFailures > 0 {
		s.logger.Info("capture recovered", zap.Int("after_failures", s.health.ConsecutiveCaptureFailures))
	}
	s.health.ConsecutiveCaptureFailures = 0
	s.updateLocked()
}

func (s *Scheduler) inferenceFailed(err error) {
	if errors.Is(err, errAbandoned) {
		return
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.health.ConsecutiveInferenceFailures++
	n := s.health.ConsecutiveInferenceFailures
	s.updateLocked()
	s.mu.Unlock()

	if n == 1 || n == s.cfg.FailureThreshold+1 {
		s.logger.Debug("inference cycle rejected", zap.Error(err), zap.Int("consecutive", n))
	}
}

// noFace is a valid negative result: the held vector ages out on its own.
func (s *Scheduler) noFace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health.NoFace++
	s.health.ConsecutiveInferenceFailures = 0
	s.updateLocked()
}

func (s *Scheduler) fault(err error) {
	s.mu.Lock()
	if s.health.State == models.HealthStopped {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	s.health.StopCause = err.Error()
	s.setStateLocked(models.HealthStopped)
	onFault := s.OnFault
	s.mu.Unlock()

	s.logger.Error("capture stopped on unrecoverable camera error", zap.Error(err))
	if onFault != nil {
		onFault(err)
	}
}

// updateLocked recomputes the interval and state from the failure streaks.
func (s *Scheduler) updateLocked() {
	failures := max(s.health.ConsecutiveCaptureFailures, s.health.ConsecutiveInferenceFailures)
	interval := Backoff(s.cfg.Period, s.cfg.MaxBackoff, failures, s.cfg.FailureThreshold)
	if interval != s.health.Interval {
		s.health.Interval = interval
		select {
		case s.retime <- struct{}{}:
		default:
		}
	}

	if s.health.State == models.HealthStopped {
		return
	}
	state := models.HealthRunning
	if failures > s.cfg.FailureThreshold {
		state = models.HealthDegraded
	}
	s.setStateLocked(state)
}

func (s *Scheduler) setStateLocked(state models.HealthState) {
	if s.health.State == state {
		return
	}
	prev := s.health.State
	s.health.State = state
	if prev != models.HealthIdle || state != models.HealthRunning {
		s.logger.Info("pipeline health changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", state),
			zap.Duration("interval", s.health.Interval))
	}
	if s.OnChange != nil {
		s.changes = append(s.changes, s.snapshotLocked())
		go s.deliver()
	}
}

// deliver hands queued snapshots to OnChange in the order they were taken.
func (s *Scheduler) deliver() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	for {
		s.mu.Lock()
		if len(s.changes) == 0 {
			s.mu.Unlock()
			return
		}
		h := s.changes[0]
		s.changes = s.changes[1:]
		s.mu.Unlock()

		s.OnChange(h)
	}
}

func (s *Scheduler) snapshotLocked() models.PipelineHealth {
	h := s.health
	h.StateName = h.State.String()
	h.IntervalMS = h.Interval.Milliseconds()
	return h
}

// Health returns a snapshot of the pipeline health.
func (s *Scheduler) Health() models.PipelineHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Interval is the current effective capture period.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health.Interval
}

func (s *Scheduler) logTimings(t *models.ProcessingTimings) {
	if !s.cfg.Debug {
		return
	}
	s.logger.Debug("capture cycle",
		zap.String("trace_id", t.TraceID),
		zap.Duration("capture", t.Capture),
		zap.Duration("convert", t.Convert),
		zap.Duration("inference", t.Inference),
		zap.Duration("gaze", t.Gaze),
		zap.Duration("total", t.Total))
}
