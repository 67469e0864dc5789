package terrain

import (
	"context"
	"encoding/binary"
	"log"
	"math"
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/justadeni/logically/internal/config"
	"github.com/justadeni/logically/internal/world"
)

const noiseOctaves = 4

// NoiseGenerator creates repeatable terrain using hashed value noise and
// scatters species trees over it.
type NoiseGenerator struct {
	cfg     config.TerrainConfig
	seed    int64
	workers int
	species []string
	logger  *log.Logger

	grass world.Block
	dirt  world.Block
	stone world.Block
}

func NewNoiseGenerator(cfg config.TerrainConfig, workers int, logger *log.Logger) *NoiseGenerator {
	if logger == nil {
		logger = log.Default()
	}
	species := make([]string, 0, len(cfg.Species))
	for _, name := range cfg.Species {
		if _, ok := shapes[name]; ok {
			species = append(species, name)
		}
	}
	return &NoiseGenerator{
		cfg:     cfg,
		seed:    cfg.Seed,
		workers: workers,
		species: species,
		logger:  logger,
		grass:   world.NewBlock(world.MaterialGrass),
		dirt:    world.NewBlock(world.MaterialDirt),
		stone:   world.NewBlock(world.MaterialStone),
	}
}

// SurfaceHeight returns the global Z of the topmost ground block at (x, y).
func (g *NoiseGenerator) SurfaceHeight(x, y int) int {
	noise := g.fractalNoise(float64(x), float64(y))
	return g.cfg.GroundLevel + int(math.Round(noise*g.cfg.Amplitude))
}

func (g *NoiseGenerator) Generate(ctx context.Context, coord world.ChunkCoord, bounds world.Bounds, dim world.Dimensions) (*world.Chunk, error) {
	chunk := world.NewChunk(coord, bounds, dim)

	totalColumns := dim.Width * dim.Depth
	if totalColumns <= 0 {
		return chunk, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type columnTask struct {
		localX int
		localY int
	}

	type columnResult struct {
		localX int
		localY int
		column []world.Block
		err    error
	}

	workers := g.workerCount(totalColumns)
	tasks := make(chan columnTask, workers)
	results := make(chan columnResult, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				if err := ctx.Err(); err != nil {
					select {
					case results <- columnResult{err: err}:
					default:
					}
					return
				}
				surface := g.SurfaceHeight(bounds.Min.X+task.localX, bounds.Min.Y+task.localY)
				column := g.populateColumn(bounds, dim, surface)
				select {
				case results <- columnResult{localX: task.localX, localY: task.localY, column: column}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer close(tasks)
		for x := 0; x < dim.Width; x++ {
			for y := 0; y < dim.Depth; y++ {
				select {
				case <-ctx.Done():
					return
				case tasks <- columnTask{localX: x, localY: y}:
				}
			}
		}
	}()

	buffer := newColumnBuffer(dim)
	for result := range results {
		if result.err != nil {
			cancel()
			return nil, result.err
		}
		buffer.setColumn(result.localX, result.localY, result.column)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	planted := g.plantForest(buffer, bounds, dim)
	buffer.flush(chunk)
	g.logger.Printf("chunk %v generated with %d trees", coord, planted)
	return chunk, nil
}

func (g *NoiseGenerator) populateColumn(bounds world.Bounds, dim world.Dimensions, surface int) []world.Block {
	maxLocalZ := surface - bounds.Min.Z
	if maxLocalZ >= dim.Height {
		maxLocalZ = dim.Height - 1
	}
	if maxLocalZ < 0 {
		return nil
	}
	column := make([]world.Block, maxLocalZ+1)
	for z := range column {
		switch depth := maxLocalZ - z; {
		case depth == 0:
			column[z] = g.grass
		case depth <= 3:
			column[z] = g.dirt
		default:
			column[z] = g.stone
		}
	}
	return column
}

// columnBuffer holds generated columns until the chunk is written in one pass.
type columnBuffer struct {
	dim     world.Dimensions
	columns [][]world.Block
}

func newColumnBuffer(dim world.Dimensions) *columnBuffer {
	return &columnBuffer{
		dim:     dim,
		columns: make([][]world.Block, dim.Width*dim.Depth),
	}
}

func (b *columnBuffer) index(localX, localY int) int {
	return localY*b.dim.Width + localX
}

func (b *columnBuffer) inBounds(localX, localY, localZ int) bool {
	return localX >= 0 && localY >= 0 && localZ >= 0 &&
		localX < b.dim.Width && localY < b.dim.Depth && localZ < b.dim.Height
}

func (b *columnBuffer) column(localX, localY int) []world.Block {
	return b.columns[b.index(localX, localY)]
}

func (b *columnBuffer) setColumn(localX, localY int, column []world.Block) {
	b.columns[b.index(localX, localY)] = column
}

func (b *columnBuffer) top(localX, localY int) int {
	column := b.column(localX, localY)
	for z := len(column) - 1; z >= 0; z-- {
		if !column[z].IsAir() {
			return z
		}
	}
	return -1
}

func (b *columnBuffer) block(localX, localY, localZ int) world.Block {
	column := b.column(localX, localY)
	if localZ >= len(column) {
		return world.Block{Type: world.BlockAir}
	}
	return column[localZ]
}

// set writes block unless the voxel is out of bounds. Leaves never replace
// anything solid.
func (b *columnBuffer) set(localX, localY, localZ int, block world.Block) {
	if !b.inBounds(localX, localY, localZ) {
		return
	}
	column := b.column(localX, localY)
	if localZ >= len(column) {
		expanded := make([]world.Block, localZ+1)
		copy(expanded, column)
		column = expanded
	}
	if block.Type == world.BlockFoliage && !column[localZ].IsAir() {
		return
	}
	column[localZ] = block
	b.setColumn(localX, localY, column)
}

func (b *columnBuffer) flush(chunk *world.Chunk) {
	for y := 0; y < b.dim.Depth; y++ {
		for x := 0; x < b.dim.Width; x++ {
			if column := b.column(x, y); len(column) > 0 {
				chunk.SetColumnBlocks(x, y, column)
			}
		}
	}
}

func (g *NoiseGenerator) fractalNoise(x, y float64) float64 {
	frequency := g.cfg.Frequency
	amplitude := 1.0
	noiseSum := 0.0
	maxAmplitude := 0.0

	for i := 0; i < noiseOctaves; i++ {
		noiseSum += g.valueNoise(x*frequency, y*frequency, uint64(i)) * amplitude
		maxAmplitude += amplitude
		amplitude *= 0.5
		frequency *= 2
	}

	if maxAmplitude == 0 {
		return 0
	}
	return noiseSum / maxAmplitude
}

func (g *NoiseGenerator) valueNoise(x, y float64, octave uint64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	x1 := x0 + 1
	y1 := y0 + 1

	sx := smooth(x - float64(x0))
	sy := smooth(y - float64(y0))

	ix0 := lerp(g.lattice(x0, y0, octave), g.lattice(x1, y0, octave), sx)
	ix1 := lerp(g.lattice(x0, y1, octave), g.lattice(x1, y1, octave), sx)
	return lerp(ix0, ix1, sy)
}

// lattice maps a grid point to [-1, 1).
func (g *NoiseGenerator) lattice(x, y int, salt uint64) float64 {
	return float64(hashCoord(g.seed, x, y, salt)&0xFFFF)/0x8000 - 1.0
}

func smooth(t float64) float64 {
	return t * t * (3 - 2*t)
}

func lerp(a, b, t float64) float64 {
	return a + t*(b-a)
}

// hashCoord is a stable hash of a seeded column and a salt.
func hashCoord(seed int64, x, y int, salt uint64) uint64 {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(seed))
	binary.LittleEndian.PutUint64(buf[8:], uint64(int64(x)))
	binary.LittleEndian.PutUint64(buf[16:], uint64(int64(y)))
	binary.LittleEndian.PutUint64(buf[24:], salt)
	return xxhash.Sum64(buf[:])
}

type deterministicRNG struct {
	state uint64
}

func newDeterministicRNG(seed uint64) *deterministicRNG {
	if seed == 0 {
		seed = 0x9e3779b97f4a7c15
	}
	return &deterministicRNG{state: seed}
}

func (r *deterministicRNG) next() uint64 {
	r.state ^= r.state << 7
	r.state ^= r.state >> 9
	r.state ^= r.state << 8
	return r.state
}

func (r *deterministicRNG) nextInt(n int) int {
	if n <= 0 {
		return 0
	}
	return int(r.next() % uint64(n))
}

func (r *deterministicRNG) between(min, max int) int {
	if max <= min {
		return min
	}
	return min + r.nextInt(max-min+1)
}

func (g *NoiseGenerator) workerCount(totalColumns int) int {
	workers := g.workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0) * 2
	}
	if workers > totalColumns {
		workers = totalColumns
	}
	if workers <= 0 {
		workers = 1
	}
	return workers
}
