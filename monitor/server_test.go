package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Tutortoise/gaze-kiosk/lifecycle"
	"github.com/Tutortoise/gaze-kiosk/models"
)

type staticStatus struct {
	st lifecycle.Status
}

func (s staticStatus) Status() lifecycle.Status { return s.st }

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		state      lifecycle.State
		wantStatus int
	}{
		{"active", lifecycle.Active, http.StatusOK},
		{"released", lifecycle.Released, http.StatusOK},
		{"faulted", lifecycle.Faulted, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := lifecycle.Status{State: tt.state, StateName: tt.state.String()}
			if tt.state == lifecycle.Faulted {
				st.Cause = "acquire camera: camera unavailable"
			}
			srv := New(":0", staticStatus{st}, func(s lifecycle.Status) string {
				return "msg:" + s.StateName
			}, nil)

			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.State != tt.state.String() || body.Message != "msg:"+tt.state.String() {
				t.Errorf("body = %+v", body)
			}
			if body.Cause != st.Cause {
				t.Errorf("cause = %q, want %q", body.Cause, st.Cause)
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	st := lifecycle.Status{
		State:     lifecycle.Active,
		StateName: "active",
		Pipeline: models.PipelineHealth{
			StateName:                  "degraded",
			Cycles:                     40,
			Skips:                      3,
			ConsecutiveCaptureFailures: 12,
			IntervalMS:                 200,
		},
		RenderTicks: 600,
	}
	srv := New(":0", staticStatus{st}, nil, nil)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]interface{}{
		"pipeline_state":      "degraded",
		"cycles":              float64(40),
		"skips":               float64(3),
		"capture_failures":    float64(12),
		"capture_interval_ms": float64(200),
		"render_ticks":        float64(600),
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s = %v, want %v", k, body[k], v)
		}
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/metrics", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}
