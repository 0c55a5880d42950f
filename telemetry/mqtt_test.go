package telemetry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Tutortoise/gaze-kiosk/config"
	"github.com/Tutortoise/gaze-kiosk/lifecycle"
	"github.com/Tutortoise/gaze-kiosk/models"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload.([]byte))
	return &fakeToken{err: p.err}
}

func (p *fakePublisher) events(t *testing.T) []HealthEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []HealthEvent
	for _, raw := range p.payloads {
		var ev HealthEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("bad payload %s: %v", raw, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestEmitterPublishesEvents(t *testing.T) {
	pub := &fakePublisher{}
	e := NewMQTTEmitter(config.MQTTConfig{HealthTopic: "kiosk/health/k1"}, "k1", nil)
	e.start(pub)

	e.OnTransition(lifecycle.Transition{From: lifecycle.Initializing, To: lifecycle.Active, At: time.UnixMilli(1000)})
	e.OnHealth(models.PipelineHealth{StateName: "degraded", ConsecutiveCaptureFailures: 11})
	e.OnTransition(lifecycle.Transition{
		From:  lifecycle.Releasing,
		To:    lifecycle.Faulted,
		Cause: errors.New("camera unavailable"),
		At:    time.UnixMilli(3000),
	})
	e.Close()

	events := pub.events(t)
	if len(events) != 3 {
		t.Fatalf("published %d events, want 3", len(events))
	}
	for _, topic := range pub.topics {
		if topic != "kiosk/health/k1" {
			t.Errorf("topic = %s", topic)
		}
	}

	if ev := events[0]; ev.Lifecycle != "active" || ev.At != 1000 || ev.InstanceID != "k1" {
		t.Errorf("event 0 = %+v", ev)
	}
	if ev := events[1]; ev.State != "degraded" || ev.Failures.Capture != 11 || ev.Lifecycle != "active" {
		t.Errorf("event 1 = %+v", ev)
	}
	if ev := events[2]; ev.Lifecycle != "faulted" || ev.Cause != "camera unavailable" || ev.State != "degraded" {
		t.Errorf("event 2 = %+v", ev)
	}

	if st := e.Stats(); st.Published != 3 || st.Errors != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestEmitterCountsFailures(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	e := NewMQTTEmitter(config.MQTTConfig{HealthTopic: "h"}, "k1", nil)
	e.start(pub)

	e.OnHealth(models.PipelineHealth{State: models.HealthRunning})
	e.Close()

	if st := e.Stats(); st.Errors != 1 || st.Published != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestEmitterDropsWhenQueueFull(t *testing.T) {
	e := NewMQTTEmitter(config.MQTTConfig{HealthTopic: "h"}, "k1", nil)
	// No worker: the queue fills up and further events are dropped.
	for i := 0; i < queueSize+5; i++ {
		e.OnHealth(models.PipelineHealth{})
	}
	if st := e.Stats(); st.Dropped != 5 {
		t.Errorf("dropped = %d, want 5", st.Dropped)
	}
}
