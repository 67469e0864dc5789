package server

import (
	"sort"
	"sync"
	"time"

	"github.com/justadeni/logically/internal/network"
	"github.com/justadeni/logically/internal/world"
)

// deltaAccumulator collapses block changes per voxel between stream ticks.
// A later stage of a felling replaces an earlier one; an equal stage keeps
// the first Before so clients see the net change.
type deltaAccumulator struct {
	mu   sync.Mutex
	data map[world.ChunkCoord]map[world.BlockCoord]world.BlockChange
}

func newDeltaAccumulator() *deltaAccumulator {
	return &deltaAccumulator{
		data: make(map[world.ChunkCoord]map[world.BlockCoord]world.BlockChange),
	}
}

func (d *deltaAccumulator) add(chunk world.ChunkCoord, change world.BlockChange) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.data == nil {
		d.data = make(map[world.ChunkCoord]map[world.BlockCoord]world.BlockChange)
	}

	byBlock := d.data[chunk]
	if byBlock == nil {
		byBlock = make(map[world.BlockCoord]world.BlockChange)
		d.data[chunk] = byBlock
	}

	if existing, ok := byBlock[change.Coord]; ok {
		if world.ReasonPriority(existing.Reason) > world.ReasonPriority(change.Reason) {
			return
		}
		if world.ReasonPriority(existing.Reason) == world.ReasonPriority(change.Reason) {
			change.Before = existing.Before
		}
	}

	byBlock[change.Coord] = change
}

func (d *deltaAccumulator) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, blocks := range d.data {
		n += len(blocks)
	}
	return n
}

// flush drains the buffer into one delta per chunk, ordered by chunk and
// then by block, numbering them from *seq.
func (d *deltaAccumulator) flush(serverID string, seq *uint64) []network.ChunkDelta {
	d.mu.Lock()
	data := d.data
	d.data = make(map[world.ChunkCoord]map[world.BlockCoord]world.BlockChange)
	d.mu.Unlock()
	if len(data) == 0 {
		return nil
	}

	chunks := make([]world.ChunkCoord, 0, len(data))
	for chunk, blocks := range data {
		if len(blocks) > 0 {
			chunks = append(chunks, chunk)
		}
	}
	if len(chunks) == 0 {
		return nil
	}
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].X != chunks[j].X {
			return chunks[i].X < chunks[j].X
		}
		return chunks[i].Y < chunks[j].Y
	})

	now := time.Now().UTC()
	deltas := make([]network.ChunkDelta, 0, len(chunks))
	for _, chunk := range chunks {
		blocks := data[chunk]
		delta := network.ChunkDelta{
			ServerID:  serverID,
			ChunkX:    chunk.X,
			ChunkY:    chunk.Y,
			Seq:       *seq,
			Timestamp: now,
			Blocks:    make([]network.BlockChange, 0, len(blocks)),
		}
		*seq++
		for _, change := range blocks {
			delta.Blocks = append(delta.Blocks, encodeBlockChange(change))
		}
		sort.Slice(delta.Blocks, func(i, j int) bool {
			a, b := delta.Blocks[i], delta.Blocks[j]
			if a.Z != b.Z {
				return a.Z < b.Z
			}
			if a.Y != b.Y {
				return a.Y < b.Y
			}
			return a.X < b.X
		})
		deltas = append(deltas, delta)
	}
	return deltas
}

func encodeBlockChange(change world.BlockChange) network.BlockChange {
	return network.BlockChange{
		X:        change.Coord.X,
		Y:        change.Coord.Y,
		Z:        change.Coord.Z,
		Type:     encodeBlockType(change.After.Type),
		Material: change.After.Material,
		Color:    change.After.Color,
		Texture:  change.After.Texture,
		Axis:     string(change.After.Axis),
		HP:       change.After.HitPoints,
		MaxHP:    change.After.MaxHitPoints,
		Reason:   encodeChangeReason(change.Reason),
	}
}

func encodeBlockType(t world.BlockType) network.BlockTypeCode {
	switch t {
	case world.BlockAir, "":
		return network.BlockTypeAir
	case world.BlockSolid:
		return network.BlockTypeSolid
	case world.BlockFoliage:
		return network.BlockTypeFoliage
	default:
		return network.BlockTypeUnknown
	}
}

func encodeChangeReason(reason world.ChangeReason) network.ChangeReasonCode {
	switch reason {
	case world.ReasonDamage:
		return network.ChangeReasonDamage
	case world.ReasonDestroy:
		return network.ChangeReasonDestroy
	case world.ReasonFell:
		return network.ChangeReasonFell
	case world.ReasonLand:
		return network.ChangeReasonLand
	case world.ReasonCollapse:
		return network.ChangeReasonCollapse
	default:
		return network.ChangeReasonUnknown
	}
}
