package felling

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/go-gl/mathgl/mgl64"

	"github.com/justadeni/logically/internal/world"
)

type ItemStack struct {
	Material string `json:"material"`
	Count    int    `json:"count"`
}

// Drop is an item stack about to be spawned at Position.
type Drop struct {
	Position mgl64.Vec3 `json:"position"`
	Item     ItemStack  `json:"item"`
}

func dropAt(coord world.BlockCoord, material string) Drop {
	return Drop{Position: blockCentre(coord), Item: ItemStack{Material: material, Count: 1}}
}

// mergeDrops folds stacks of the same material in the same voxel together,
// keeping the order in which each stack first appeared.
func mergeDrops(drops []Drop) []Drop {
	type key struct {
		voxel    world.BlockCoord
		material string
	}
	index := make(map[key]int, len(drops))
	out := make([]Drop, 0, len(drops))
	for _, drop := range drops {
		if drop.Item.Count <= 0 || drop.Item.Material == "" {
			continue
		}
		k := key{voxel: voxelOf(drop.Position), material: drop.Item.Material}
		if i, ok := index[k]; ok {
			out[i].Item.Count += drop.Item.Count
			continue
		}
		index[k] = len(out)
		out = append(out, drop)
	}
	return out
}

// leafRoller decides what a fallen leaf leaves behind. Rolls depend only on
// the felling seed and the leaf's original voxel.
type leafRoller struct {
	seed          uint64
	saplingChance float64
	stickChance   float64
}

func newLeafRoller(fellingID string, saplingChance, stickChance float64) leafRoller {
	return leafRoller{
		seed:          xxhash.Sum64String(fellingID),
		saplingChance: saplingChance,
		stickChance:   stickChance,
	}
}

// roll returns a value in [0, 1) for coord.
func (r leafRoller) roll(coord world.BlockCoord) float64 {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], r.seed)
	binary.LittleEndian.PutUint64(buf[8:], uint64(int64(coord.X)))
	binary.LittleEndian.PutUint64(buf[16:], uint64(int64(coord.Y)))
	binary.LittleEndian.PutUint64(buf[24:], uint64(int64(coord.Z)))
	return float64(xxhash.Sum64(buf[:])>>11) / (1 << 53)
}

// drop returns the material a leaf turns into, or "" for nothing.
func (r leafRoller) drop(coord world.BlockCoord, leaf world.Block) string {
	u := r.roll(coord)
	switch {
	case u < r.saplingChance:
		if info, ok := world.LookupMaterial(leaf.Material); ok {
			if sapling, ok := world.SaplingFor(info.Species); ok {
				return sapling
			}
		}
		return ""
	case u < r.saplingChance+r.stickChance:
		return world.MaterialStick
	default:
		return ""
	}
}
