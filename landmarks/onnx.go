package landmarks

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/Tutortoise/gaze-kiosk/models"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// ONNXConfig names the model file and its tensors.
type ONNXConfig struct {
	ModelPath       string
	InputName       string
	LandmarksOutput string
	ScoreOutput     string
	InputSize       int
	Options         Options
}

type modelSession struct {
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	landmarks *ort.Tensor[float32]
	score     *ort.Tensor[float32]
}

func (m *modelSession) destroy() {
	if m.session != nil {
		m.session.Destroy()
	}
	if m.input != nil {
		m.input.Destroy()
	}
	if m.landmarks != nil {
		m.landmarks.Destroy()
	}
	if m.score != nil {
		m.score.Destroy()
	}
}

// ONNXEngine runs a face mesh model with pre-allocated tensors. Run cannot be
// interrupted, so a caller that gives up leaves the call to finish under mu.
type ONNXEngine struct {
	cfg    ONNXConfig
	logger *zap.Logger

	mu     sync.Mutex
	model  *modelSession
	gate   *gate
	closed bool
}

// IntraOpThreads maps model complexity to an intra-op thread count.
func IntraOpThreads(complexity int) int {
	n := runtime.NumCPU()
	switch complexity {
	case 0:
		return 1
	case 1:
		return max(1, n/2)
	default:
		return n
	}
}

// NewONNXEngine creates the session. The ONNX Runtime environment must be initialized.
func NewONNXEngine(cfg ONNXConfig, logger *zap.Logger) (*ONNXEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = InputSize
	}

	model, err := initSession(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("landmark session ready",
		zap.String("model", cfg.ModelPath),
		zap.Int("points", len(model.landmarks.GetData())/3),
		zap.Int("threads", IntraOpThreads(cfg.Options.ModelComplexity)))

	return &ONNXEngine{cfg: cfg, logger: logger, model: model, gate: newGate(cfg.Options)}, nil
}

func initSession(cfg ONNXConfig) (*modelSession, error) {
	_, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("error reading model info: %w", err)
	}
	landmarkShape, scoreShape := ort.NewShape(1, NumRefinedLandmarks*3), ort.NewShape(1, 1)
	for _, out := range outputs {
		switch out.Name {
		case cfg.LandmarksOutput:
			landmarkShape = concreteShape(out.Dimensions)
		case cfg.ScoreOutput:
			scoreShape = concreteShape(out.Dimensions)
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(IntraOpThreads(cfg.Options.ModelComplexity))
	options.SetInterOpNumThreads(1)

	m := &modelSession{}
	m.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.InputSize), int64(cfg.InputSize), 3))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	m.landmarks, err = ort.NewEmptyTensor[float32](landmarkShape)
	if err != nil {
		m.destroy()
		return nil, fmt.Errorf("error creating landmark tensor: %w", err)
	}
	m.score, err = ort.NewEmptyTensor[float32](scoreShape)
	if err != nil {
		m.destroy()
		return nil, fmt.Errorf("error creating score tensor: %w", err)
	}

	m.session, err = ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.LandmarksOutput, cfg.ScoreOutput},
		[]ort.ArbitraryTensor{m.input},
		[]ort.ArbitraryTensor{m.landmarks, m.score},
		options,
	)
	if err != nil {
		m.destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}
	return m, nil
}

// concreteShape replaces dynamic dimensions with 1.
func concreteShape(dims ort.Shape) ort.Shape {
	shape := make(ort.Shape, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		shape[i] = d
	}
	return shape
}

func (e *ONNXEngine) Infer(ctx context.Context, frame *models.NormalizedFrame) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return Result{}, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if frame.Width != e.cfg.InputSize || frame.Height != e.cfg.InputSize {
		return Result{}, fmt.Errorf("input %dx%d, model expects %dx%d",
			frame.Width, frame.Height, e.cfg.InputSize, e.cfg.InputSize)
	}
	input := e.model.input.GetData()
	if len(frame.Data) != len(input) {
		return Result{}, fmt.Errorf("input has %d values, model expects %d", len(frame.Data), len(input))
	}
	copy(input, frame.Data)

	if err := e.model.session.Run(); err != nil {
		return Result{}, fmt.Errorf("model inference: %w", err)
	}

	points, err := pointsFromFlat(e.model.landmarks.GetData(), e.cfg.InputSize)
	if err != nil {
		return Result{}, err
	}
	scores := e.model.score.GetData()
	if len(scores) == 0 {
		return Result{}, ErrBadOutput
	}
	return e.gate.apply(points, sigmoid(float64(scores[0]))), nil
}

// Close waits for a running inference and destroys the session.
func (e *ONNXEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.model.destroy()
	e.logger.Info("landmark session closed")
	return nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
