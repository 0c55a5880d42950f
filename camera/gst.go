package camera

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/gaze-kiosk/models"
	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"go.uber.org/zap"
)

var gstFormats = map[models.PixelFormat]string{
	models.PixelFormatRGB24: "RGB",
	models.PixelFormatBGR24: "BGR",
	models.PixelFormatRGBA:  "RGBA",
	models.PixelFormatBGRA:  "BGRA",
	models.PixelFormatGray8: "GRAY8",
	models.PixelFormatYUYV:  "YUY2",
	models.PixelFormatNV12:  "NV12",
}

// Caps builds the appsink caps for spec.
func Caps(spec FormatSpec) (string, error) {
	format, ok := gstFormats[spec.PixelFormat]
	if !ok {
		return "", fmt.Errorf("no gstreamer format for %q", spec.PixelFormat)
	}
	fps := spec.FPS
	if fps <= 0 {
		fps = 30
	}
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1",
		format, spec.Width, spec.Height, fps), nil
}

// GstService captures from local V4L2 devices through a GStreamer pipeline:
//
//	v4l2src → videoconvert → videoscale → videorate → capsfilter → appsink
//
// The appsink keeps one buffer and the callback keeps the latest frame only.
type GstService struct {
	logger *zap.Logger

	mu      sync.Mutex
	streams map[string]*gstStream
}

type gstStream struct {
	device   string
	spec     FormatSpec
	pipeline *gst.Pipeline
	cancel   context.CancelFunc

	latest  atomic.Pointer[models.CameraFrame]
	arrived chan struct{}
	failed  atomic.Pointer[error]
	dropped uint64
}

func NewGstService(logger *zap.Logger) *GstService {
	if logger == nil {
		logger = zap.NewNop()
	}
	gst.Init(nil)
	return &GstService{logger: logger, streams: make(map[string]*gstStream)}
}

func (s *GstService) Acquire(_ context.Context, device string) (Handle, error) {
	if _, err := os.Stat(device); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.streams {
		if st.device == device {
			return Handle{}, fmt.Errorf("%w: %s already acquired", ErrBusy, device)
		}
	}

	h := Handle{ID: uuid.New().String(), Device: device}
	s.streams[h.ID] = &gstStream{device: device, arrived: make(chan struct{}, 1)}
	return h, nil
}

func (s *GstService) CaptureFrame(ctx context.Context, h Handle, spec FormatSpec) (*models.CameraFrame, error) {
	s.mu.Lock()
	st, ok := s.streams[h.ID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if err := s.takeFailureLocked(st); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if st.pipeline == nil || st.spec != spec {
		if err := s.startLocked(st, spec); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.mu.Unlock()

	if frame := st.latest.Swap(nil); frame != nil {
		return frame, nil
	}

	fps := spec.FPS
	if fps <= 0 {
		fps = 30
	}
	timer := time.NewTimer(2 * time.Second / time.Duration(fps))
	defer timer.Stop()

	select {
	case <-st.arrived:
		if frame := st.latest.Swap(nil); frame != nil {
			return frame, nil
		}
		return nil, ErrBusy
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// takeFailureLocked reports an error posted on the pipeline bus once. A pipeline that
// posted ERROR or EOS does not produce again, so it is torn down and the next capture
// builds a fresh one.
func (s *GstService) takeFailureLocked(st *gstStream) error {
	errp := st.failed.Swap(nil)
	if errp == nil {
		return nil
	}
	s.stopLocked(st)
	return *errp
}

func (s *GstService) stopLocked(st *gstStream) {
	if st.pipeline == nil {
		return
	}
	st.cancel()
	st.pipeline.SetState(gst.StateNull)
	st.pipeline = nil
	st.latest.Store(nil)
}

func (s *GstService) startLocked(st *gstStream, spec FormatSpec) error {
	s.stopLocked(st)

	caps, err := Caps(spec)
	if err != nil {
		return err
	}

	pipeline, sink, err := buildPipeline(st.device, caps)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return st.onSample(sink)
		},
	})
	st.spec = spec

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("%w: start pipeline: %v", ErrUnavailable, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	st.pipeline = pipeline
	st.cancel = cancel
	st.failed.Store(nil)
	go s.watchBus(ctx, st, pipeline)

	s.logger.Info("camera pipeline started", zap.String("device", st.device), zap.String("caps", caps))
	return nil
}

func buildPipeline(device, caps string) (*gst.Pipeline, *app.Sink, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, nil, fmt.Errorf("create v4l2src: %w", err)
	}
	src.SetProperty("device", device)

	var elements []*gst.Element
	for _, name := range []string{"videoconvert", "videoscale", "videorate", "capsfilter"} {
		el, err := gst.NewElement(name)
		if err != nil {
			return nil, nil, fmt.Errorf("create %s: %w", name, err)
		}
		elements = append(elements, el)
	}
	elements[2].SetProperty("drop-only", true)
	elements[3].SetProperty("caps", gst.NewCapsFromString(caps))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	all := append([]*gst.Element{src}, elements...)
	all = append(all, sink.Element)
	if err := pipeline.AddMany(all...); err != nil {
		return nil, nil, fmt.Errorf("add elements: %w", err)
	}
	if err := gst.ElementLinkMany(all...); err != nil {
		return nil, nil, fmt.Errorf("link elements: %w", err)
	}
	return pipeline, sink, nil
}

func (st *gstStream) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	// GStreamer reuses the buffer.
	pixels := make([]byte, len(data))
	copy(pixels, data)
	buffer.Unmap()

	frame := &models.CameraFrame{
		Width:      st.spec.Width,
		Height:     st.spec.Height,
		Format:     st.spec.PixelFormat,
		Pixels:     pixels,
		CapturedAt: time.Now(),
	}
	if prev := st.latest.Swap(frame); prev != nil {
		atomic.AddUint64(&st.dropped, 1)
	}
	select {
	case st.arrived <- struct{}{}:
	default:
	}
	return gst.FlowOK
}

func (s *GstService) watchBus(ctx context.Context, st *gstStream, pipeline *gst.Pipeline) {
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		if ctx.Err() != nil {
			// The pipeline was replaced; its errors no longer apply.
			return
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			err := classifyGstError(gerr.Error())
			st.failed.Store(&err)
			s.logger.Error("camera pipeline error",
				zap.String("device", st.device),
				zap.String("error", gerr.Error()),
				zap.String("debug", gerr.DebugString()))
			return
		case gst.MessageEOS:
			err := fmt.Errorf("%w: end of stream", ErrUnavailable)
			st.failed.Store(&err)
			return
		}
	}
}

func classifyGstError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "busy"):
		return fmt.Errorf("%w: %s", ErrBusy, msg)
	case strings.Contains(lower, "no such"), strings.Contains(lower, "not found"),
		strings.Contains(lower, "permission"), strings.Contains(lower, "could not open"):
		return fmt.Errorf("%w: %s", ErrUnavailable, msg)
	default:
		return fmt.Errorf("%w: %s", ErrBusy, msg)
	}
}

func (s *GstService) Release(h Handle) error {
	s.mu.Lock()
	st, ok := s.streams[h.ID]
	delete(s.streams, h.ID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if st.pipeline == nil {
		return nil
	}
	st.cancel()
	if err := st.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("stop pipeline: %w", err)
	}
	return nil
}
