package nn

import (
	"fmt"

	"github.com/born-ml/dpclip/internal/tensor"
)

// NodeKind discriminates the node types of a Graph.
type NodeKind int

// Graph node kinds.
const (
	// NodeLayer applies a Module to a single argument slot.
	NodeLayer NodeKind = iota
	// NodeSum adds two or more argument slots element-wise.
	NodeSum
	// NodeSlice selects one index along the last axis of its argument.
	NodeSlice
)

// Node is one invocation site in a Graph. A shared layer referenced by two
// nodes yields two distinct Nodes over the same Module instance.
type Node[B tensor.Backend] struct {
	Kind       NodeKind
	Layer      Module[B] // set for NodeLayer
	Args       []int     // argument slots
	SliceIndex int       // set for NodeSlice
}

// Graph is a functional model: a DAG of layer invocations over value
// slots. Slots 0..NumInputs-1 are the model inputs; node i writes slot
// NumInputs+i. The last node is the model output.
//
// Example (a layer applied to the same input twice, outputs summed):
//
//	g := nn.NewGraph(1, backend)
//	a := g.Layer(dense, g.Input(0))
//	b := g.Layer(dense, g.Input(0))
//	g.Sum(a, b)
type Graph[B tensor.Backend] struct {
	backend   B
	numInputs int
	nodes     []Node[B]
	loss      *MSE[B]
}

// NewGraph creates a graph model with the given number of inputs.
func NewGraph[B tensor.Backend](numInputs int, backend B) *Graph[B] {
	if numInputs < 1 {
		panic(fmt.Sprintf("NewGraph: need at least one input, got %d", numInputs))
	}
	return &Graph[B]{backend: backend, numInputs: numInputs}
}

// Input returns the slot of model input i.
func (g *Graph[B]) Input(i int) int {
	if i < 0 || i >= g.numInputs {
		panic(fmt.Sprintf("Input: index %d out of range for %d inputs", i, g.numInputs))
	}
	return i
}

// Layer appends a layer invocation node and returns its output slot.
// The same Module may be passed to Layer any number of times; the
// invocations share parameters but are tracked as separate sites.
func (g *Graph[B]) Layer(layer Module[B], arg int) int {
	g.checkSlot(arg)
	g.nodes = append(g.nodes, Node[B]{Kind: NodeLayer, Layer: layer, Args: []int{arg}})
	return g.numInputs + len(g.nodes) - 1
}

// Sum appends a node adding two or more slots element-wise and returns its
// output slot.
func (g *Graph[B]) Sum(args ...int) int {
	if len(args) < 2 {
		panic("Sum: need at least two arguments")
	}
	for _, a := range args {
		g.checkSlot(a)
	}
	g.nodes = append(g.nodes, Node[B]{Kind: NodeSum, Args: append([]int(nil), args...)})
	return g.numInputs + len(g.nodes) - 1
}

// SliceLast appends a node selecting one index along the last axis of a
// slot and returns its output slot.
func (g *Graph[B]) SliceLast(arg, index int) int {
	g.checkSlot(arg)
	g.nodes = append(g.nodes, Node[B]{Kind: NodeSlice, Args: []int{arg}, SliceIndex: index})
	return g.numInputs + len(g.nodes) - 1
}

// NumInputs returns the number of model inputs.
func (g *Graph[B]) NumInputs() int {
	return g.numInputs
}

// Nodes returns the invocation sites in execution order.
func (g *Graph[B]) Nodes() []Node[B] {
	return g.nodes
}

// Backend returns the graph's backend.
func (g *Graph[B]) Backend() B {
	return g.backend
}

// SetLoss attaches the loss the model is trained with.
func (g *Graph[B]) SetLoss(loss *MSE[B]) {
	g.loss = loss
}

// Loss returns the attached loss, or nil.
func (g *Graph[B]) Loss() *MSE[B] {
	return g.loss
}

// Forward executes the graph on the given inputs and returns the output of
// the last node.
func (g *Graph[B]) Forward(inputs ...*tensor.Tensor[B]) *tensor.Tensor[B] {
	if len(inputs) != g.numInputs {
		panic(fmt.Sprintf("Forward: expected %d inputs, got %d", g.numInputs, len(inputs)))
	}
	if len(g.nodes) == 0 {
		panic("Forward: graph has no nodes")
	}

	slots := make([]*tensor.Tensor[B], g.numInputs+len(g.nodes))
	copy(slots, inputs)

	for i, node := range g.nodes {
		var out *tensor.Tensor[B]
		switch node.Kind {
		case NodeLayer:
			out = node.Layer.Forward(slots[node.Args[0]])
		case NodeSum:
			out = slots[node.Args[0]]
			for _, a := range node.Args[1:] {
				out = out.Add(slots[a])
			}
		case NodeSlice:
			out = slots[node.Args[0]].GatherLast(node.SliceIndex)
		default:
			panic(fmt.Sprintf("Forward: unknown node kind %d", node.Kind))
		}
		slots[g.numInputs+i] = out
	}
	return slots[len(slots)-1]
}

// Parameters returns the trainable parameters of all layers in first-use
// order, with shared layers contributing their parameters once.
func (g *Graph[B]) Parameters() []*Parameter[B] {
	var params []*Parameter[B]
	seen := make(map[*Parameter[B]]bool)
	for _, node := range g.nodes {
		if node.Kind != NodeLayer {
			continue
		}
		for _, p := range node.Layer.Parameters() {
			if !seen[p] {
				seen[p] = true
				params = append(params, p)
			}
		}
	}
	return params
}

func (g *Graph[B]) checkSlot(slot int) {
	if slot < 0 || slot >= g.numInputs+len(g.nodes) {
		panic(fmt.Sprintf("graph: argument slot %d not defined yet", slot))
	}
}
