package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Tutortoise/gaze-kiosk/lifecycle"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type StatusSource interface {
	Status() lifecycle.Status
}

// MessageFunc maps a status to the text shown on the kiosk.
type MessageFunc func(lifecycle.Status) string

type HealthResponse struct {
	State    string `json:"state"`
	Pipeline string `json:"pipeline"`
	Cause    string `json:"cause,omitempty"`
	Message  string `json:"message"`
}

type Server struct {
	source  StatusSource
	message MessageFunc
	logger  *zap.Logger
	srv     *http.Server
}

func New(addr string, source StatusSource, message MessageFunc, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if message == nil {
		message = func(lifecycle.Status) string { return "" }
	}
	s := &Server{source: source, message: message, logger: logger}
	s.srv = &http.Server{
		Handler:      s.Router(),
		Addr:         addr,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("monitor listening", zap.String("addr", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	st := s.source.Status()
	p := st.Pipeline
	response := map[string]interface{}{
		"lifecycle_state":       st.StateName,
		"pipeline_state":        p.StateName,
		"cycles":                p.Cycles,
		"skips":                 p.Skips,
		"accepted":              p.Accepted,
		"no_face":               p.NoFace,
		"discarded":             p.Discarded,
		"capture_failures":      p.ConsecutiveCaptureFailures,
		"inference_failures":    p.ConsecutiveInferenceFailures,
		"capture_interval_ms":   p.IntervalMS,
		"render_ticks":          st.RenderTicks,
		"render_present_errors": st.PresentErrors,
		"audio_samples":         st.AudioSamples,
		"audio_failures":        st.AudioFailures,
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.source.Status()
	status := http.StatusOK
	if st.State == lifecycle.Faulted {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthResponse{
		State:    st.StateName,
		Pipeline: st.Pipeline.StateName,
		Cause:    st.Cause,
		Message:  s.message(st),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
