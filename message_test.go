package main

import (
	"testing"

	"github.com/Tutortoise/gaze-kiosk/lifecycle"
	"github.com/Tutortoise/gaze-kiosk/models"
)

func TestStatusMessage(t *testing.T) {
	tests := []struct {
		name     string
		state    lifecycle.State
		pipeline models.HealthState
		want     string
	}{
		{"starting", lifecycle.Initializing, models.HealthIdle, MsgStarting},
		{"tracking", lifecycle.Active, models.HealthRunning, MsgTracking},
		{"degraded", lifecycle.Active, models.HealthDegraded, MsgDegraded},
		{"faulted", lifecycle.Faulted, models.HealthStopped, MsgCameraUnavailable},
		{"released", lifecycle.Released, models.HealthStopped, MsgPaused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := lifecycle.Status{State: tt.state}
			st.Pipeline.StateName = tt.pipeline.String()
			if got := statusMessage(st); got != tt.want {
				t.Errorf("statusMessage = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if debugMode {
		t.Skip("DEBUG=true always builds a development logger")
	}
	if _, err := newLogger("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := newLogger("warn"); err != nil {
		t.Errorf("warn: %v", err)
	}
}
