package scene

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Caller is the subset of the host invocation bridge the scene host needs.
type Caller interface {
	Call(ctx context.Context, method string, req, resp any) error
	Notify(method string, payload any) error
}

type loadRequest struct {
	Nodes []string `msgpack:"nodes"`
}

type loadReply struct {
	SceneID string `msgpack:"scene_id"`
}

type sceneRef struct {
	SceneID string `msgpack:"scene_id"`
}

type wireTransform struct {
	Node        string     `msgpack:"node"`
	Translation [3]float64 `msgpack:"t"`
	Rotation    [3]float64 `msgpack:"r"`
	Scale       float64    `msgpack:"s"`
	Color       [4]float64 `msgpack:"c"`
}

type presentBatch struct {
	SceneID    string          `msgpack:"scene_id"`
	Frame      uint64          `msgpack:"frame"`
	Transforms []wireTransform `msgpack:"transforms"`
}

func toWire(u NodeUpdate) wireTransform {
	t := u.Transform
	return wireTransform{
		Node:        u.Name,
		Translation: [3]float64{t.Translation.X, t.Translation.Y, t.Translation.Z},
		Rotation:    [3]float64{t.Yaw, t.Pitch, t.Roll},
		Scale:       t.Scale,
		Color:       [4]float64{t.Color.R, t.Color.G, t.Color.B, t.Color.A},
	}
}

// BridgeHost renders in the host UI process. GPU objects are allocated by scene.load and
// freed by scene.dispose; each tick sends its transform batch as a scene.present
// notification so drawing never waits on a round trip.
type BridgeHost struct {
	caller  Caller
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	sceneID string
	frame   uint64
}

func NewBridgeHost(caller Caller, timeout time.Duration, logger *zap.Logger) *BridgeHost {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BridgeHost{caller: caller, timeout: timeout, logger: logger}
}

func (h *BridgeHost) Load(ctx context.Context, nodes []string) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var reply loadReply
	if err := h.caller.Call(ctx, "scene.load", loadRequest{Nodes: nodes}, &reply); err != nil {
		return fmt.Errorf("load scene: %w", err)
	}

	h.mu.Lock()
	h.sceneID = reply.SceneID
	h.frame = 0
	h.mu.Unlock()
	h.logger.Info("scene loaded", zap.String("scene_id", reply.SceneID), zap.Int("nodes", len(nodes)))
	return nil
}

func (h *BridgeHost) Present(updates []NodeUpdate) error {
	h.mu.Lock()
	if h.sceneID == "" {
		h.mu.Unlock()
		return ErrNotLoaded
	}
	h.frame++
	batch := presentBatch{SceneID: h.sceneID, Frame: h.frame}
	h.mu.Unlock()

	batch.Transforms = make([]wireTransform, len(updates))
	for i, u := range updates {
		batch.Transforms[i] = toWire(u)
	}
	return h.caller.Notify("scene.present", batch)
}

func (h *BridgeHost) Dispose(ctx context.Context) error {
	h.mu.Lock()
	id := h.sceneID
	h.sceneID = ""
	h.mu.Unlock()
	if id == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.caller.Call(ctx, "scene.dispose", sceneRef{SceneID: id}, nil); err != nil {
		return fmt.Errorf("dispose scene %s: %w", id, err)
	}
	return nil
}

// HeadlessHost keeps the last presented transform of every node in memory.
type HeadlessHost struct {
	mu       sync.Mutex
	loaded   bool
	disposed bool
	presents int
	nodes    map[string]Transform
}

func NewHeadlessHost() *HeadlessHost {
	return &HeadlessHost{nodes: make(map[string]Transform)}
}

func (h *HeadlessHost) Load(_ context.Context, nodes []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loaded, h.disposed = true, false
	for _, name := range nodes {
		h.nodes[name] = Identity()
	}
	return nil
}

func (h *HeadlessHost) Present(updates []NodeUpdate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.disposed:
		return ErrDisposed
	case !h.loaded:
		return ErrNotLoaded
	}
	for _, u := range updates {
		h.nodes[u.Name] = u.Transform
	}
	h.presents++
	return nil
}

func (h *HeadlessHost) Dispose(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loaded = false
	h.disposed = true
	return nil
}

func (h *HeadlessHost) Presents() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presents
}

// Node returns the last presented transform of name.
func (h *HeadlessHost) Node(name string) (Transform, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.nodes[name]
	return t, ok
}
