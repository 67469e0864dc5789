package terrain

import (
	"fmt"
	"math"

	"github.com/justadeni/logically/internal/world"
)

// Placement is one block of a grown tree. Offset is relative to the lowest
// trunk voxel.
type Placement struct {
	Offset world.BlockCoord
	Block  world.Block
}

type treeShape struct {
	minTrunk int
	maxTrunk int
	// reach is the widest horizontal offset any block may take.
	reach  int
	canopy func(t *treeBuilder, trunk int)
}

var shapes = map[string]treeShape{
	"oak": {
		minTrunk: 4, maxTrunk: 6, reach: 2,
		canopy: func(t *treeBuilder, trunk int) {
			for z := trunk - 2; z <= trunk+1; z++ {
				radius := 2
				if z >= trunk {
					radius = 1
				}
				t.square(z, radius, true)
			}
		},
	},
	"birch": {
		minTrunk: 5, maxTrunk: 7, reach: 2,
		canopy: func(t *treeBuilder, trunk int) {
			for z := trunk - 2; z <= trunk+1; z++ {
				radius := 2
				if z >= trunk {
					radius = 1
				}
				t.square(z, radius, false)
			}
		},
	},
	"spruce": {
		minTrunk: 7, maxTrunk: 10, reach: 3,
		canopy: func(t *treeBuilder, trunk int) {
			for z := 2; z < trunk; z++ {
				radius := 1 + (trunk-z)%3
				if z < trunk-6 {
					radius = 3
				}
				t.diamond(z, radius)
			}
			t.leaf(0, 0, trunk)
			t.leaf(0, 0, trunk+1)
		},
	},
	"jungle": {
		minTrunk: 10, maxTrunk: 14, reach: 4,
		canopy: func(t *treeBuilder, trunk int) {
			base := trunk - 4
			dirs := [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}
			first := t.rng.nextInt(len(dirs))
			for _, dir := range [][2]int{dirs[first], {-dirs[first][0], -dirs[first][1]}} {
				tipX, tipY, tipZ := 0, 0, base
				for step := 1; step <= 2; step++ {
					tipX, tipY, tipZ = dir[0]*step, dir[1]*step, base+step
					t.branch(tipX, tipY, tipZ, dir)
				}
				for z := tipZ; z <= tipZ+1; z++ {
					t.disc(tipX, tipY, z, 2-(z-tipZ))
				}
			}
			for z := trunk - 1; z <= trunk+1; z++ {
				t.disc(0, 0, z, 3-max(0, z-trunk))
			}
		},
	},
}

type treeBuilder struct {
	rng     *deterministicRNG
	log     world.Block
	wood    world.Block
	leaves  world.Block
	blocks  map[world.BlockCoord]world.Block
	ordered []world.BlockCoord
}

func (t *treeBuilder) put(coord world.BlockCoord, block world.Block) {
	if existing, ok := t.blocks[coord]; ok {
		// Wood always wins over foliage.
		if existing.Type == world.BlockSolid || block.Type != world.BlockSolid {
			return
		}
	} else {
		t.ordered = append(t.ordered, coord)
	}
	t.blocks[coord] = block
}

func (t *treeBuilder) leaf(dx, dy, dz int) {
	t.put(world.BlockCoord{X: dx, Y: dy, Z: dz}, t.leaves)
}

func (t *treeBuilder) branch(dx, dy, dz int, dir [2]int) {
	block := t.wood
	block.Axis = world.AxisX
	if dir[0] == 0 {
		block.Axis = world.AxisY
	}
	t.put(world.BlockCoord{X: dx, Y: dy, Z: dz}, block)
}

// square lays a square leaf layer. Corners are dropped at random when
// ragged is set and always otherwise.
func (t *treeBuilder) square(z, radius int, ragged bool) {
	for dx := -radius; dx <= radius; dx++ {
		for dy := -radius; dy <= radius; dy++ {
			corner := radius > 0 && abs(dx) == radius && abs(dy) == radius
			if corner && (!ragged || t.rng.nextInt(2) == 0) {
				continue
			}
			t.leaf(dx, dy, z)
		}
	}
}

func (t *treeBuilder) diamond(z, radius int) {
	for dx := -radius; dx <= radius; dx++ {
		for dy := -radius; dy <= radius; dy++ {
			if abs(dx)+abs(dy) <= radius {
				t.leaf(dx, dy, z)
			}
		}
	}
}

func (t *treeBuilder) disc(cx, cy, z, radius int) {
	if radius < 0 {
		return
	}
	limit := radius*radius + 1
	for dx := -radius; dx <= radius; dx++ {
		for dy := -radius; dy <= radius; dy++ {
			if dx*dx+dy*dy <= limit {
				t.leaf(cx+dx, cy+dy, z)
			}
		}
	}
}

// Grow builds a tree of the species. The same species and seed always
// produce the same tree.
func Grow(species string, seed uint64) ([]Placement, error) {
	shape, ok := shapes[species]
	if !ok {
		return nil, fmt.Errorf("unknown tree species %q", species)
	}
	builder := &treeBuilder{
		rng:    newDeterministicRNG(seed),
		log:    world.NewBlock(species + "_log"),
		wood:   world.NewBlock(species + "_wood"),
		leaves: world.NewBlock(species + "_leaves"),
		blocks: make(map[world.BlockCoord]world.Block),
	}
	trunk := builder.rng.between(shape.minTrunk, shape.maxTrunk)
	for z := 0; z < trunk; z++ {
		builder.put(world.BlockCoord{Z: z}, builder.log)
	}
	shape.canopy(builder, trunk)

	out := make([]Placement, 0, len(builder.ordered))
	for _, coord := range builder.ordered {
		out = append(out, Placement{Offset: coord, Block: builder.blocks[coord]})
	}
	return out, nil
}

// Reach returns the widest horizontal offset a species can grow to.
func Reach(species string) int {
	return shapes[species].reach
}

// plantForest scatters trees over the buffered chunk. Candidate sites sit on
// a global grid of TreeSpacing cells so neighbouring chunks agree on them.
// Trees whose crown would cross the chunk edge are skipped.
func (g *NoiseGenerator) plantForest(buffer *columnBuffer, bounds world.Bounds, dim world.Dimensions) int {
	if len(g.species) == 0 || g.cfg.TreeDensity <= 0 {
		return 0
	}
	spacing := g.cfg.TreeSpacing
	if spacing <= 0 {
		spacing = 1
	}
	chance := math.Min(1, g.cfg.TreeDensity*float64(spacing*spacing))

	planted := 0
	minCellX := world.FloorDiv(bounds.Min.X, spacing)
	maxCellX := world.FloorDiv(bounds.Max.X, spacing)
	minCellY := world.FloorDiv(bounds.Min.Y, spacing)
	maxCellY := world.FloorDiv(bounds.Max.Y, spacing)
	for cellY := minCellY; cellY <= maxCellY; cellY++ {
		for cellX := minCellX; cellX <= maxCellX; cellX++ {
			h := hashCoord(g.seed, cellX, cellY, 0x7ee5)
			if float64(h&0xFFFFFF)/float64(0x1000000) >= chance {
				continue
			}
			globalX := cellX*spacing + int((h>>24)%uint64(spacing))
			globalY := cellY*spacing + int((h>>40)%uint64(spacing))
			species := g.species[int((h>>56)%uint64(len(g.species)))]
			if g.plantTree(buffer, bounds, dim, species, globalX, globalY, h) {
				planted++
			}
		}
	}
	return planted
}

func (g *NoiseGenerator) plantTree(buffer *columnBuffer, bounds world.Bounds, dim world.Dimensions, species string, globalX, globalY int, seed uint64) bool {
	reach := Reach(species)
	localX := globalX - bounds.Min.X
	localY := globalY - bounds.Min.Y
	if localX-reach < 0 || localY-reach < 0 || localX+reach >= dim.Width || localY+reach >= dim.Depth {
		return false
	}
	baseZ := buffer.top(localX, localY) + 1
	if baseZ <= 0 || buffer.block(localX, localY, baseZ-1).Material != world.MaterialGrass {
		return false
	}
	placements, err := Grow(species, seed)
	if err != nil {
		return false
	}
	for _, p := range placements {
		if baseZ+p.Offset.Z >= dim.Height {
			return false
		}
		if !buffer.block(localX+p.Offset.X, localY+p.Offset.Y, baseZ+p.Offset.Z).IsAir() && p.Block.Type == world.BlockSolid {
			// Another trunk is in the way.
			return false
		}
	}
	buffer.set(localX, localY, baseZ-1, g.dirt)
	for _, p := range placements {
		buffer.set(localX+p.Offset.X, localY+p.Offset.Y, baseZ+p.Offset.Z, p.Block)
	}
	return true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
