package scene

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// Mesh nodes driven by the gaze pipeline.
const (
	BallL = "ballL"
	BallR = "ballR"
	IrisL = "irisL"
	IrisR = "irisR"
)

// GazeNodes are the only nodes the gaze layer writes.
var GazeNodes = []string{BallL, BallR, IrisL, IrisR}

// RingName is the node name of audio ring i.
func RingName(i int) string {
	return fmt.Sprintf("ring%d", i)
}

type Color struct {
	R, G, B, A float64
}

// Transform is a node's local transform. Angles are in degrees.
type Transform struct {
	Translation r3.Vector
	Yaw         float64
	Pitch       float64
	Roll        float64
	Scale       float64
	Color       Color
}

// Identity is the rest transform of every node.
func Identity() Transform {
	return Transform{Scale: 1, Color: Color{R: 1, G: 1, B: 1, A: 1}}
}

type NodeUpdate struct {
	Name      string
	Transform Transform
}

type node struct {
	transform Transform
	dirty     bool
}

// Graph is the set of named nodes the pipeline may write. Its structure is fixed at
// construction; only transforms change. A Graph belongs to one render loop and is not
// safe for concurrent use.
type Graph struct {
	nodes map[string]*node
	order []string
}

func NewGraph(names ...string) *Graph {
	g := &Graph{nodes: make(map[string]*node, len(names))}
	for _, name := range names {
		if _, ok := g.nodes[name]; ok {
			continue
		}
		g.nodes[name] = &node{transform: Identity(), dirty: true}
		g.order = append(g.order, name)
	}
	return g
}

// NewKioskGraph builds the gaze nodes plus rings audio ring nodes.
func NewKioskGraph(rings int) *Graph {
	names := append([]string(nil), GazeNodes...)
	for i := 0; i < rings; i++ {
		names = append(names, RingName(i))
	}
	return NewGraph(names...)
}

func (g *Graph) Names() []string {
	return append([]string(nil), g.order...)
}

func (g *Graph) Has(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

func (g *Graph) Transform(name string) (Transform, bool) {
	n, ok := g.nodes[name]
	if !ok {
		return Transform{}, false
	}
	return n.transform, true
}

// Set replaces a node's transform. Unknown names are ignored and reported as false.
func (g *Graph) Set(name string, t Transform) bool {
	n, ok := g.nodes[name]
	if !ok {
		return false
	}
	if n.transform != t {
		n.transform = t
		n.dirty = true
	}
	return true
}

// Flush returns the nodes changed since the last flush, in construction order.
func (g *Graph) Flush() []NodeUpdate {
	var updates []NodeUpdate
	for _, name := range g.order {
		n := g.nodes[name]
		if !n.dirty {
			continue
		}
		n.dirty = false
		updates = append(updates, NodeUpdate{Name: name, Transform: n.transform})
	}
	return updates
}

// Reset puts every node back to its rest transform.
func (g *Graph) Reset() {
	for _, name := range g.order {
		g.Set(name, Identity())
	}
}
