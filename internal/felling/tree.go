// Package felling turns a chop on a log into a whole tree toppling over.
//
// A chop is resolved in four stages. The Scanner flood-fills the tree from
// the struck block. The Resolver picks a fall direction and simulates the
// tree as a rigid body rotating about its root. The Replay clears the tree
// from the world, animates it with falling block entities and, once landed,
// places or drops the blocks. The Scheduler advances every replay once per
// world tick. Service ties the stages together and exposes the public API.
package felling

import (
	"context"
	"errors"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/justadeni/logically/internal/world"
)

var (
	// ErrNotLog is returned when the struck block is not a log.
	ErrNotLog = errors.New("felling: block is not a log")
	// ErrNotTree is returned for log structures without enough leaves.
	ErrNotTree = errors.New("felling: logs do not form a tree")
	// ErrTreeTooLarge is returned when a scan exceeds its budget.
	ErrTreeTooLarge = errors.New("felling: tree exceeds scan limits")
	// ErrBusy is returned when the scheduler is at capacity.
	ErrBusy = errors.New("felling: too many trees falling")
	// ErrCancelled is returned when a StartChop handler cancels the chop.
	ErrCancelled = errors.New("felling: chop cancelled")
	// ErrDisabled is returned for players that turned tree felling off.
	ErrDisabled = errors.New("felling: disabled for player")
)

// BlockSource reads blocks from the world.
type BlockSource interface {
	Block(ctx context.Context, coord world.BlockCoord) (world.Block, bool, error)
}

// Tree is the connected set of logs and leaves found from a struck block.
type Tree struct {
	Origin        world.BlockCoord
	Species       string
	Logs          []world.BlockCoord
	Leaves        []world.BlockCoord
	LogMaterials  []string
	LeafMaterials []string
	// Root is the centre of the bottom face of the lowest log layer.
	Root   mgl64.Vec3
	Height int
	// Blocks holds the scanned state of every log and leaf.
	Blocks map[world.BlockCoord]world.Block
}

func (t *Tree) Size() int {
	return len(t.Logs) + len(t.Leaves)
}

// Contains reports whether coord is one of the tree's blocks.
func (t *Tree) Contains(coord world.BlockCoord) bool {
	_, ok := t.Blocks[coord]
	return ok
}

// IsLog reports whether the tree block at coord is a log.
func (t *Tree) IsLog(coord world.BlockCoord) bool {
	block, ok := t.Blocks[coord]
	return ok && world.ClassOf(block.Material) == world.ClassLog
}

// Body lists every block that falls, which is the whole tree except the
// struck log.
func (t *Tree) Body() []world.BlockCoord {
	out := make([]world.BlockCoord, 0, t.Size())
	for _, coord := range t.Logs {
		if coord != t.Origin {
			out = append(out, coord)
		}
	}
	for _, coord := range t.Leaves {
		if coord != t.Origin {
			out = append(out, coord)
		}
	}
	return out
}

// refresh reconciles Blocks with the Logs and Leaves lists after a handler
// edited them. Coordinates that no longer hold a block are dropped.
func (t *Tree) refresh(ctx context.Context, src BlockSource) error {
	keep := make(map[world.BlockCoord]world.Block, t.Size())
	filter := func(coords []world.BlockCoord) ([]world.BlockCoord, error) {
		out := coords[:0]
		for _, coord := range coords {
			if _, dup := keep[coord]; dup {
				continue
			}
			block, ok := t.Blocks[coord]
			if !ok {
				var err error
				block, _, err = src.Block(ctx, coord)
				if err != nil {
					return nil, err
				}
			}
			if block.IsAir() {
				continue
			}
			keep[coord] = block
			out = append(out, coord)
		}
		return out, nil
	}
	var err error
	if t.Logs, err = filter(t.Logs); err != nil {
		return err
	}
	if t.Leaves, err = filter(t.Leaves); err != nil {
		return err
	}
	t.Blocks = keep
	return nil
}

func blockCentre(coord world.BlockCoord) mgl64.Vec3 {
	return mgl64.Vec3{float64(coord.X) + 0.5, float64(coord.Y) + 0.5, float64(coord.Z) + 0.5}
}

// voxelEpsilon absorbs rotation round-off for centres landing on a face.
const voxelEpsilon = 1e-9

func voxelOf(pos mgl64.Vec3) world.BlockCoord {
	return world.BlockCoord{
		X: int(math.Floor(pos.X() + voxelEpsilon)),
		Y: int(math.Floor(pos.Y() + voxelEpsilon)),
		Z: int(math.Floor(pos.Z() + voxelEpsilon)),
	}
}

func blockWeight(block world.Block) float64 {
	if block.Weight > 0 {
		return block.Weight
	}
	return 1
}
