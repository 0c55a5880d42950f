package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Tutortoise/gaze-kiosk/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrBusy and ErrTimeout are transient; the next cycle may succeed.
	ErrBusy    = errors.New("camera: device busy")
	ErrTimeout = errors.New("camera: frame timeout")
	// ErrUnavailable means the device is gone or was never there.
	ErrUnavailable = errors.New("camera: device unavailable")
	ErrClosed      = errors.New("camera: handle closed")
)

// FormatSpec is what a capture asks the service for.
type FormatSpec struct {
	Width       int
	Height      int
	FPS         int
	PixelFormat models.PixelFormat
}

// Handle identifies an open device inside a Service.
type Handle struct {
	ID     string
	Device string
}

// Service is the native camera service.
type Service interface {
	Acquire(ctx context.Context, device string) (Handle, error)
	CaptureFrame(ctx context.Context, h Handle, spec FormatSpec) (*models.CameraFrame, error)
	Release(h Handle) error
}

// IsTransient reports whether a capture error is worth retrying.
func IsTransient(err error) bool {
	return err != nil && !errors.Is(err, ErrUnavailable) && !errors.Is(err, ErrClosed)
}

// Adapter owns the single open handle of a Service. Close waits for a capture in
// progress and every capture after it fails with ErrClosed.
type Adapter struct {
	svc    Service
	device string
	spec   FormatSpec
	logger *zap.Logger

	mu     sync.RWMutex
	handle Handle
	open   bool

	seq uint64
}

func NewAdapter(svc Service, device string, spec FormatSpec, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{svc: svc, device: device, spec: spec, logger: logger}
}

// Open acquires the device. Opening an open adapter is a no-op.
func (a *Adapter) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open {
		return nil
	}

	h, err := a.svc.Acquire(ctx, a.device)
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return fmt.Errorf("acquire %s: %w", a.device, err)
	}
	a.handle = h
	a.open = true
	a.logger.Info("camera acquired", zap.String("device", a.device), zap.String("handle", h.ID))
	return nil
}

// Capture returns one frame in the adapter's format.
func (a *Adapter) Capture(ctx context.Context) (*models.CameraFrame, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.open {
		return nil, ErrClosed
	}

	frame, err := a.svc.CaptureFrame(ctx, a.handle, a.spec)
	if err != nil {
		return nil, err
	}
	if frame == nil {
		return nil, ErrTimeout
	}
	frame.Seq = atomic.AddUint64(&a.seq, 1)
	if frame.TraceID == "" {
		frame.TraceID = uuid.New().String()
	}
	return frame, nil
}

// Close releases the handle. Closing twice is a no-op.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return nil
	}
	a.open = false
	if err := a.svc.Release(a.handle); err != nil {
		return fmt.Errorf("release %s: %w", a.device, err)
	}
	a.logger.Info("camera released", zap.String("device", a.device))
	return nil
}

func (a *Adapter) Spec() FormatSpec {
	return a.spec
}
