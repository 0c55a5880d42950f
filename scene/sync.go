package scene

import (
	"math"

	"github.com/Tutortoise/gaze-kiosk/models"
	"github.com/golang/geo/r3"
)

// settleEpsilon snaps the filter onto its target once the remaining distance is invisible.
const settleEpsilon = 1e-4

// GazeSource is a non-blocking latest-value read. gaze.Slot implements it.
type GazeSource interface {
	Load() (models.GazeVector, bool)
}

type SyncConfig struct {
	// Alpha is the EMA weight of the newest target; 1 disables smoothing.
	Alpha       float64
	MaxOffset   float64
	IrisTravel  float64
	MaxYawDeg   float64
	MaxPitchDeg float64
}

// Synchronizer is the gaze render layer. Each tick it reads the gaze slot, eases the
// per-eye offsets toward it and writes the four eye nodes.
type Synchronizer struct {
	cfg    SyncConfig
	source GazeSource

	left  r3.Vector
	right r3.Vector
}

func NewSynchronizer(cfg SyncConfig, source GazeSource) *Synchronizer {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 1
	}
	if cfg.MaxOffset <= 0 {
		cfg.MaxOffset = 0.5
	}
	return &Synchronizer{cfg: cfg, source: source}
}

// Apply implements Layer.
func (s *Synchronizer) Apply(g *Graph) {
	v, fresh := s.source.Load()
	if !fresh {
		v = models.NeutralGaze()
	}

	s.left = s.ease(s.left, s.clamp(v.Left.Offset))
	s.right = s.ease(s.right, s.clamp(v.Right.Offset))

	s.write(g, BallL, IrisL, s.left)
	s.write(g, BallR, IrisR, s.right)
}

// Offsets returns the smoothed offsets currently shown.
func (s *Synchronizer) Offsets() (left, right r3.Vector) {
	return s.left, s.right
}

func (s *Synchronizer) clamp(v r3.Vector) r3.Vector {
	m := s.cfg.MaxOffset
	return r3.Vector{
		X: math.Max(-m, math.Min(m, v.X)),
		Y: math.Max(-m, math.Min(m, v.Y)),
		Z: math.Max(-m, math.Min(m, v.Z)),
	}
}

func (s *Synchronizer) ease(current, target r3.Vector) r3.Vector {
	next := current.Add(target.Sub(current).Mul(s.cfg.Alpha))
	if next.Sub(target).Norm() < settleEpsilon {
		return target
	}
	return next
}

func (s *Synchronizer) write(g *Graph, ball, iris string, offset r3.Vector) {
	bt, _ := g.Transform(ball)
	bt.Yaw = offset.X / s.cfg.MaxOffset * s.cfg.MaxYawDeg
	// Image y grows downward, scene y upward.
	bt.Pitch = -offset.Y / s.cfg.MaxOffset * s.cfg.MaxPitchDeg
	g.Set(ball, bt)

	it, _ := g.Transform(iris)
	it.Translation = r3.Vector{X: offset.X, Y: -offset.Y, Z: offset.Z}.Mul(s.cfg.IrisTravel)
	g.Set(iris, it)
}
