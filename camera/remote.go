package camera

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Tutortoise/gaze-kiosk/bridge"
	"github.com/Tutortoise/gaze-kiosk/models"
)

// Caller is the part of bridge.Client the remote service needs.
type Caller interface {
	Call(ctx context.Context, method string, req, resp any) error
}

type acquireRequest struct {
	Device string `msgpack:"device"`
}

type acquireReply struct {
	Handle string `msgpack:"handle"`
}

type captureRequest struct {
	Handle string `msgpack:"handle"`
	Width  int    `msgpack:"width"`
	Height int    `msgpack:"height"`
	FPS    int    `msgpack:"fps"`
	Format string `msgpack:"format"`
}

type captureReply struct {
	Width      int    `msgpack:"width"`
	Height     int    `msgpack:"height"`
	Format     string `msgpack:"format"`
	Pixels     []byte `msgpack:"pixels"`
	CapturedAt int64  `msgpack:"captured_at_ms"`
}

type releaseRequest struct {
	Handle string `msgpack:"handle"`
}

// RemoteService reaches a camera owned by the host process over the bridge.
type RemoteService struct {
	caller  Caller
	timeout time.Duration
}

func NewRemoteService(caller Caller, timeout time.Duration) *RemoteService {
	return &RemoteService{caller: caller, timeout: timeout}
}

func (s *RemoteService) Acquire(ctx context.Context, device string) (Handle, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var reply acquireReply
	if err := s.caller.Call(ctx, "camera.acquire", acquireRequest{Device: device}, &reply); err != nil {
		return Handle{}, classifyRemote(err)
	}
	return Handle{ID: reply.Handle, Device: device}, nil
}

func (s *RemoteService) CaptureFrame(ctx context.Context, h Handle, spec FormatSpec) (*models.CameraFrame, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	req := captureRequest{
		Handle: h.ID,
		Width:  spec.Width,
		Height: spec.Height,
		FPS:    spec.FPS,
		Format: string(spec.PixelFormat),
	}
	var reply captureReply
	if err := s.caller.Call(ctx, "camera.capture", req, &reply); err != nil {
		return nil, classifyRemote(err)
	}

	capturedAt := time.Now()
	if reply.CapturedAt > 0 {
		capturedAt = time.UnixMilli(reply.CapturedAt)
	}
	return &models.CameraFrame{
		Width:      reply.Width,
		Height:     reply.Height,
		Format:     models.PixelFormat(reply.Format),
		Pixels:     reply.Pixels,
		CapturedAt: capturedAt,
	}, nil
}

func (s *RemoteService) Release(h Handle) error {
	ctx, cancel := s.withTimeout(context.Background())
	defer cancel()
	if err := s.caller.Call(ctx, "camera.release", releaseRequest{Handle: h.ID}, nil); err != nil {
		return classifyRemote(err)
	}
	return nil
}

func (s *RemoteService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func classifyRemote(err error) error {
	var remote *bridge.RemoteError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, bridge.ErrClosed):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case errors.As(err, &remote):
		msg := strings.ToLower(remote.Message)
		switch {
		case strings.Contains(msg, "busy"):
			return fmt.Errorf("%w: %s", ErrBusy, remote.Message)
		case strings.Contains(msg, "timeout"):
			return fmt.Errorf("%w: %s", ErrTimeout, remote.Message)
		case strings.Contains(msg, "unavailable"), strings.Contains(msg, "denied"), strings.Contains(msg, "not found"):
			return fmt.Errorf("%w: %s", ErrUnavailable, remote.Message)
		}
	}
	return fmt.Errorf("%w: %v", ErrBusy, err)
}
