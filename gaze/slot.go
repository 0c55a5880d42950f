package gaze

import (
	"sync/atomic"
	"time"

	"github.com/Tutortoise/gaze-kiosk/models"
)

// Slot holds the last accepted gaze vector. One goroutine stores, any number load;
// neither side ever blocks. A vector older than the hold timeout reads as neutral.
type Slot struct {
	v    atomic.Pointer[models.GazeVector]
	hold time.Duration
	now  func() time.Time
}

func NewSlot(hold time.Duration, now func() time.Time) *Slot {
	if now == nil {
		now = time.Now
	}
	return &Slot{hold: hold, now: now}
}

// Store replaces the held vector, stamping it with the current time.
func (s *Slot) Store(v models.GazeVector) {
	v.AcceptedAt = s.now()
	s.v.Store(&v)
}

// Load returns the held vector and true, or neutral and false when nothing fresh is held.
func (s *Slot) Load() (models.GazeVector, bool) {
	p := s.v.Load()
	if p == nil || s.now().Sub(p.AcceptedAt) > s.hold {
		return models.NeutralGaze(), false
	}
	return *p, true
}

// Age reports how long ago the held vector was accepted.
func (s *Slot) Age() (time.Duration, bool) {
	p := s.v.Load()
	if p == nil {
		return 0, false
	}
	return s.now().Sub(p.AcceptedAt), true
}

func (s *Slot) Clear() {
	s.v.Store(nil)
}
