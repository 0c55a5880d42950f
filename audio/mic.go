package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// MicNode captures mono float32 samples from the default microphone into a Ring.
type MicNode struct {
	*Ring

	ctx    *malgo.AllocatedContext
	device *malgo.Device
	logger *zap.Logger
	once   sync.Once
}

// OpenMic starts capturing. It fails when no capture device is present.
func OpenMic(sampleRate uint32, bufferSize int, logger *zap.Logger) (*MicNode, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: init context: %w", err)
	}

	m := &MicNode{Ring: NewRing(bufferSize), ctx: ctx, logger: logger}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = sampleRate
	deviceConfig.Alsa.NoMMap = 1

	var scratch []float32
	onRecvFrames := func(_, pSample []byte, framecount uint32) {
		n := int(framecount)
		if n == 0 || len(pSample) < n*4 {
			return
		}
		scratch = scratch[:0]
		for i := 0; i < n; i++ {
			scratch = append(scratch, math.Float32frombits(binary.LittleEndian.Uint32(pSample[i*4:])))
		}
		m.Write(scratch)
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		m.freeContext()
		return nil, fmt.Errorf("audio: init capture device: %w", err)
	}
	m.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		m.freeContext()
		return nil, fmt.Errorf("audio: start capture device: %w", err)
	}

	logger.Info("microphone capture started",
		zap.Uint32("sample_rate", sampleRate),
		zap.Int("buffer", bufferSize))
	return m, nil
}

func (m *MicNode) freeContext() {
	_ = m.ctx.Uninit()
	m.ctx.Free()
}

// Close stops the device and frees the context. Later reads return ErrClosed.
func (m *MicNode) Close() error {
	var err error
	m.once.Do(func() {
		m.Ring.Close()
		if m.device != nil {
			err = m.device.Stop()
			m.device.Uninit()
		}
		m.freeContext()
	})
	return err
}
