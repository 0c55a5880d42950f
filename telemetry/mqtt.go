package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/Tutortoise/gaze-kiosk/config"
	"github.com/Tutortoise/gaze-kiosk/lifecycle"
	"github.com/Tutortoise/gaze-kiosk/models"
)

const queueSize = 32

// HealthEvent is the JSON payload published on the health topic.
type HealthEvent struct {
	InstanceID string   `json:"instance_id"`
	State      string   `json:"state"`
	Lifecycle  string   `json:"lifecycle"`
	Failures   Failures `json:"failures"`
	Cause      string   `json:"cause,omitempty"`
	At         int64    `json:"at"`
}

type Failures struct {
	Capture   int `json:"capture"`
	Inference int `json:"inference"`
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTEmitter publishes pipeline health and lifecycle transitions. Events are queued
// and sent by a worker so callers on the pipeline never wait on the broker.
type MQTTEmitter struct {
	cfg        config.MQTTConfig
	instanceID string
	logger     *zap.Logger

	client     publisher
	mqttClient mqtt.Client
	connected  atomic.Bool

	mu       sync.Mutex
	lcState  string
	pipeline models.PipelineHealth
	cause    string

	queue     chan HealthEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

func NewMQTTEmitter(cfg config.MQTTConfig, instanceID string, logger *zap.Logger) *MQTTEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTEmitter{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger,
		lcState:    lifecycle.Uninitialized.String(),
		queue:      make(chan HealthEvent, queueSize),
		done:       make(chan struct{}),
	}
}

// Connect establishes the broker connection and starts the publish worker.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.instanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.connected.Store(true)
		e.logger.Info("mqtt connection established",
			zap.String("broker", e.cfg.Broker),
			zap.String("client_id", e.instanceID))
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.connected.Store(false)
		e.logger.Warn("mqtt connection lost, will auto-reconnect",
			zap.Error(err),
			zap.String("broker", e.cfg.Broker))
	}

	client := mqtt.NewClient(opts)
	e.logger.Info("connecting to mqtt broker", zap.String("broker", e.cfg.Broker))

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.mqttClient = client
	e.connected.Store(true)
	e.start(client)
	return nil
}

func (e *MQTTEmitter) start(p publisher) {
	e.client = p
	e.wg.Add(1)
	go e.run()
}

func (e *MQTTEmitter) run() {
	defer e.wg.Done()
	for {
		select {
		case ev := <-e.queue:
			e.publish(ev)
		case <-e.done:
			// Flush what is already queued.
			for {
				select {
				case ev := <-e.queue:
					e.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *MQTTEmitter) publish(ev HealthEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.errors.Add(1)
		return
	}
	token := e.client.Publish(e.cfg.HealthTopic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.errors.Add(1)
		e.logger.Debug("health publish timeout", zap.String("topic", e.cfg.HealthTopic))
		return
	}
	if err := token.Error(); err != nil {
		e.errors.Add(1)
		e.logger.Debug("health publish failed", zap.Error(err))
		return
	}
	e.published.Add(1)
}

// OnTransition records a lifecycle change and queues an event.
func (e *MQTTEmitter) OnTransition(t lifecycle.Transition) {
	e.mu.Lock()
	e.lcState = t.To.String()
	e.cause = ""
	if t.Cause != nil {
		e.cause = t.Cause.Error()
	}
	ev := e.eventLocked(t.At)
	e.mu.Unlock()
	e.enqueue(ev)
}

// OnHealth records a pipeline health change and queues an event.
func (e *MQTTEmitter) OnHealth(h models.PipelineHealth) {
	e.mu.Lock()
	e.pipeline = h
	ev := e.eventLocked(time.Now())
	e.mu.Unlock()
	e.enqueue(ev)
}

func (e *MQTTEmitter) eventLocked(at time.Time) HealthEvent {
	state := e.pipeline.StateName
	if state == "" {
		state = e.pipeline.State.String()
	}
	return HealthEvent{
		InstanceID: e.instanceID,
		State:      state,
		Lifecycle:  e.lcState,
		Failures: Failures{
			Capture:   e.pipeline.ConsecutiveCaptureFailures,
			Inference: e.pipeline.ConsecutiveInferenceFailures,
		},
		Cause: e.cause,
		At:    at.UnixMilli(),
	}
}

func (e *MQTTEmitter) enqueue(ev HealthEvent) {
	select {
	case e.queue <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Close flushes queued events and disconnects.
func (e *MQTTEmitter) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
		if e.mqttClient != nil && e.mqttClient.IsConnected() {
			e.mqttClient.Disconnect(250)
			e.logger.Info("mqtt disconnected")
		}
		e.connected.Store(false)
	})
	return nil
}

type Stats struct {
	Connected bool
	Published uint64
	Dropped   uint64
	Errors    uint64
}

func (e *MQTTEmitter) Stats() Stats {
	return Stats{
		Connected: e.connected.Load(),
		Published: e.published.Load(),
		Dropped:   e.dropped.Load(),
		Errors:    e.errors.Load(),
	}
}
