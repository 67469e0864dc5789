package world

import (
	"errors"
	"math"
)

const (
	groundSupportForce = 1e6
	hangingPenalty     = 0.72
)

// StabilityReport captures the state of a block after evaluating column stability.
type StabilityReport struct {
	Global        BlockCoord
	LocalZ        int
	Block         Block
	Stable        bool
	Collapsed     bool
	Hanging       bool
	ChainDepth    int
	SupportForce  float64
	RequiredForce float64
}

type columnNode struct {
	block          Block
	initialPresent bool
	present        bool
	collapsed      bool
	stable         bool

	load        float64
	lastSupport float64
	support     float64
	required    float64
	hanging     bool
	nextStable  bool
	chainDepth  int
}

// evaluateColumnStability settles a single column: every block carries the
// weight above it and is held by its own connecting force, capped by the
// support of the block beneath. Blocks over air keep a decaying share of
// their force. Collapses are committed in rounds until the column is stable.
func evaluateColumnStability(chunk *Chunk, localX, localY int) ([]StabilityReport, error) {
	dim := chunk.dimension
	if localX < 0 || localY < 0 || localX >= dim.Width || localY >= dim.Depth {
		return nil, errors.New("column coordinates out of bounds")
	}

	top := chunk.ColumnTop(localX, localY)
	nodes := make([]columnNode, top+1)
	for z := range nodes {
		block, ok := chunk.LocalBlock(localX, localY, z)
		if !ok {
			return nil, errors.New("block coordinates out of bounds")
		}
		present := !blockIsAir(block)
		nodes[z] = columnNode{
			block:          block,
			initialPresent: present,
			present:        present,
		}
	}

	for {
		accumulateLoad(nodes)
		evaluateSupport(nodes)
		if !commitCollapses(nodes) {
			break
		}
	}

	reports := make([]StabilityReport, 0, len(nodes))
	for z, node := range nodes {
		if !node.initialPresent && !node.collapsed {
			continue
		}
		reports = append(reports, StabilityReport{
			Global: BlockCoord{
				X: chunk.Bounds.Min.X + localX,
				Y: chunk.Bounds.Min.Y + localY,
				Z: chunk.Bounds.Min.Z + z,
			},
			LocalZ:        z,
			Block:         node.block,
			Stable:        node.stable && !node.collapsed,
			Collapsed:     node.collapsed,
			Hanging:       node.hanging,
			ChainDepth:    node.chainDepth,
			SupportForce:  node.support,
			RequiredForce: node.required,
		})
	}
	return reports, nil
}

// accumulateLoad walks top to bottom; air resets the load.
func accumulateLoad(nodes []columnNode) {
	var weightAbove float64
	for z := len(nodes) - 1; z >= 0; z-- {
		node := &nodes[z]
		if !node.present {
			node.load = 0
			weightAbove = 0
			continue
		}
		node.load = weightAbove + node.block.Weight
		weightAbove = node.load
	}
}

// evaluateSupport walks bottom to top without mutating presence.
func evaluateSupport(nodes []columnNode) {
	var chainDepth int
	chainPenalty := 1.0
	for z := range nodes {
		node := &nodes[z]
		if !node.present {
			if !node.collapsed {
				node.lastSupport = 0
				node.hanging = false
				node.chainDepth = 0
			}
			node.nextStable = false
			chainDepth = 0
			chainPenalty = 1.0
			continue
		}

		support := node.block.ConnectingForce
		hanging := false
		if z == 0 {
			// Base layer anchored to bedrock.
			support += groundSupportForce
			chainDepth = 0
			chainPenalty = 1.0
		} else if below := &nodes[z-1]; !below.present {
			hanging = true
			chainDepth++
			chainPenalty *= hangingPenalty
			support *= chainPenalty
		} else {
			chainDepth = 0
			chainPenalty = 1.0
			support = math.Min(support, below.block.ConnectingForce)
			if below.lastSupport > 0 {
				support = math.Min(support, below.lastSupport)
			}
		}

		node.lastSupport = support
		node.hanging = hanging
		node.chainDepth = chainDepth
		node.nextStable = support >= node.load
	}
}

// commitCollapses applies the verdicts and reports whether anything fell.
func commitCollapses(nodes []columnNode) bool {
	mutated := false
	for z := range nodes {
		node := &nodes[z]
		if !node.present {
			continue
		}
		node.support = node.lastSupport
		node.required = node.load
		if !node.nextStable {
			node.present = false
			node.stable = false
			if node.initialPresent && !node.collapsed {
				node.collapsed = true
				mutated = true
			}
			continue
		}
		node.stable = true
	}
	return mutated
}
