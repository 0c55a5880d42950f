package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tutortoise/gaze-kiosk/models"
	"github.com/google/uuid"
)

// SyntheticService produces a moving gradient test pattern. It has no face in it,
// so a kiosk running on it renders a neutral gaze.
type SyntheticService struct {
	mu     sync.Mutex
	open   map[string]bool
	frames int
	now    func() time.Time
}

func NewSyntheticService() *SyntheticService {
	return &SyntheticService{open: make(map[string]bool), now: time.Now}
}

func (s *SyntheticService) Acquire(_ context.Context, device string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Handle{ID: uuid.New().String(), Device: device}
	s.open[h.ID] = true
	return h, nil
}

func (s *SyntheticService) CaptureFrame(_ context.Context, h Handle, spec FormatSpec) (*models.CameraFrame, error) {
	s.mu.Lock()
	if !s.open[h.ID] {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.frames++
	phase := s.frames
	s.mu.Unlock()

	size, ok := spec.PixelFormat.FrameSize(spec.Width, spec.Height)
	if !ok {
		return nil, fmt.Errorf("%w: synthetic source cannot produce %q", ErrBusy, spec.PixelFormat)
	}

	pixels := make([]byte, size)
	bpp := size / (spec.Width * spec.Height)
	if bpp == 0 {
		bpp = 1
	}
	for y := 0; y < spec.Height; y++ {
		for x := 0; x < spec.Width; x++ {
			v := byte((x + y + phase*4) & 0xFF)
			i := (y*spec.Width + x) * bpp
			for c := 0; c < bpp && i+c < len(pixels); c++ {
				pixels[i+c] = v
			}
		}
	}
	// Neutral chroma for the nv12 plane.
	if spec.PixelFormat == models.PixelFormatNV12 {
		for i := spec.Width * spec.Height; i < len(pixels); i++ {
			pixels[i] = 128
		}
	}

	return &models.CameraFrame{
		Width:      spec.Width,
		Height:     spec.Height,
		Format:     spec.PixelFormat,
		Pixels:     pixels,
		CapturedAt: s.now(),
	}, nil
}

func (s *SyntheticService) Release(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, h.ID)
	return nil
}
