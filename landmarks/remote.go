package landmarks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tutortoise/gaze-kiosk/models"
)

// Caller is the part of bridge.Client the remote engine needs.
type Caller interface {
	Call(ctx context.Context, method string, req, resp any) error
}

type inferRequest struct {
	TraceID string    `msgpack:"trace_id"`
	Width   int       `msgpack:"width"`
	Height  int       `msgpack:"height"`
	Data    []float32 `msgpack:"data"`
}

type inferReply struct {
	// Points are xyz triples in input pixel space.
	Points []float32 `msgpack:"points"`
	Score  float64   `msgpack:"score"`
}

// RemoteEngine runs inference in the host process.
type RemoteEngine struct {
	caller Caller
	size   int

	mu     sync.Mutex
	gate   *gate
	closed bool
}

// NewRemoteEngine sends the options to the host before the first frame.
func NewRemoteEngine(ctx context.Context, caller Caller, size int, opts Options) (*RemoteEngine, error) {
	if err := caller.Call(ctx, "landmarks.configure", opts, nil); err != nil {
		return nil, fmt.Errorf("configure remote landmarks: %w", err)
	}
	return &RemoteEngine{caller: caller, size: size, gate: newGate(opts)}, nil
}

func (e *RemoteEngine) Infer(ctx context.Context, frame *models.NormalizedFrame) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Result{}, ErrSessionClosed
	}

	req := inferRequest{TraceID: frame.TraceID, Width: frame.Width, Height: frame.Height, Data: frame.Data}
	var reply inferReply
	if err := e.caller.Call(ctx, "landmarks.infer", req, &reply); err != nil {
		return Result{}, fmt.Errorf("remote inference: %w", err)
	}
	if len(reply.Points) == 0 {
		e.gate.reset()
		return Result{NoFace: true, Score: reply.Score}, nil
	}

	points, err := pointsFromFlat(reply.Points, e.size)
	if err != nil {
		return Result{}, err
	}
	return e.gate.apply(points, reply.Score), nil
}

func (e *RemoteEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return e.caller.Call(ctx, "landmarks.close", nil, nil)
}
