package world

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrOutsideRegion is returned for coordinates not owned by this server.
var ErrOutsideRegion = errors.New("outside server region")

// Generator describes terrain population for chunks.
type Generator interface {
	Generate(ctx context.Context, coord ChunkCoord, bounds Bounds, dim Dimensions) (*Chunk, error)
}

// Manager keeps the authoritative chunk state for this server.
type Manager struct {
	region    ServerRegion
	generator Generator

	mu     sync.RWMutex
	chunks map[ChunkCoord]*Chunk
}

func NewManager(region ServerRegion, generator Generator) *Manager {
	return &Manager{
		region:    region,
		generator: generator,
		chunks:    make(map[ChunkCoord]*Chunk),
	}
}

func (m *Manager) Region() ServerRegion {
	return m.region
}

func (m *Manager) Chunk(ctx context.Context, coord ChunkCoord) (*Chunk, error) {
	if !m.region.ContainsGlobalChunk(coord) {
		return nil, fmt.Errorf("chunk %v: %w", coord, ErrOutsideRegion)
	}

	m.mu.RLock()
	ch, ok := m.chunks[coord]
	m.mu.RUnlock()
	if ok {
		return ch, nil
	}

	bounds, err := m.region.ChunkBounds(coord)
	if err != nil {
		return nil, err
	}

	ch, err = m.generator.Generate(ctx, coord, bounds, m.region.ChunkDimension)
	if err != nil {
		return nil, fmt.Errorf("generate chunk %v: %w", coord, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.chunks[coord]; ok {
		return existing, nil
	}
	m.chunks[coord] = ch
	return ch, nil
}

func (m *Manager) ChunkForBlock(ctx context.Context, block BlockCoord) (*Chunk, error) {
	chunkCoord, ok := m.region.LocateBlock(block)
	if !ok {
		return nil, fmt.Errorf("block %v: %w", block, ErrOutsideRegion)
	}
	return m.Chunk(ctx, chunkCoord)
}

// LoadedChunks lists the chunks generated so far, ordered by coordinate.
func (m *Manager) LoadedChunks() []ChunkCoord {
	m.mu.RLock()
	out := make([]ChunkCoord, 0, len(m.chunks))
	for coord := range m.chunks {
		out = append(out, coord)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

// Block returns the block at coord. The boolean is false when the coordinate
// lies outside the region; such voxels read as air.
func (m *Manager) Block(ctx context.Context, coord BlockCoord) (Block, bool, error) {
	chunkCoord, ok := m.region.LocateBlock(coord)
	if !ok {
		return Block{Type: BlockAir}, false, nil
	}
	chunk, err := m.Chunk(ctx, chunkCoord)
	if err != nil {
		return Block{}, false, err
	}
	x, y, z, ok := chunk.GlobalToLocal(coord)
	if !ok {
		return Block{Type: BlockAir}, false, nil
	}
	block, ok := chunk.LocalBlock(x, y, z)
	return block, ok, nil
}

// SetBlock writes block at coord and records the change in summary when one
// is given. Writing an identical air voxel is a no-op.
func (m *Manager) SetBlock(ctx context.Context, coord BlockCoord, block Block, reason ChangeReason, summary *ChangeSummary) error {
	chunkCoord, ok := m.region.LocateBlock(coord)
	if !ok {
		return fmt.Errorf("set block %v: %w", coord, ErrOutsideRegion)
	}
	chunk, err := m.Chunk(ctx, chunkCoord)
	if err != nil {
		return err
	}
	x, y, z, ok := chunk.GlobalToLocal(coord)
	if !ok {
		return fmt.Errorf("set block %v: %w", coord, ErrOutsideRegion)
	}
	before, _ := chunk.LocalBlock(x, y, z)
	if blockIsAir(before) && blockIsAir(block) {
		return nil
	}
	if !chunk.SetLocalBlock(x, y, z, block) {
		return fmt.Errorf("set block %v: storage rejected write", coord)
	}
	if summary != nil {
		after := CloneBlock(block)
		if blockIsAir(after) {
			after = Block{Type: BlockAir}
		}
		summary.AddChange(BlockChange{
			Coord:  coord,
			Before: CloneBlock(before),
			After:  after,
			Reason: reason,
		})
		summary.AddChunk(chunkCoord)
	}
	return nil
}

// ColumnTop returns the global Z of the highest non-air block in the column
// at (x, y), or -1 when the column is empty.
func (m *Manager) ColumnTop(ctx context.Context, x, y int) (int, error) {
	chunk, err := m.ChunkForBlock(ctx, BlockCoord{X: x, Y: y})
	if err != nil {
		return -1, err
	}
	top := chunk.ColumnTop(x-chunk.Bounds.Min.X, y-chunk.Bounds.Min.Y)
	if top < 0 {
		return -1, nil
	}
	return chunk.Bounds.Min.Z + top, nil
}

func (m *Manager) EvaluateColumnStability(ctx context.Context, coord ChunkCoord, localX, localY int) ([]StabilityReport, error) {
	chunk, err := m.Chunk(ctx, coord)
	if err != nil {
		return nil, err
	}
	return chunk.EvaluateColumnStability(localX, localY)
}

// ApplyBlockDamage removes hit points from the block at coord and records a
// damage or destroy change. It returns the block as it was before the hit and
// whether it was destroyed.
func (m *Manager) ApplyBlockDamage(ctx context.Context, coord BlockCoord, amount float64, summary *ChangeSummary) (Block, bool, error) {
	if amount <= 0 {
		return Block{}, false, nil
	}
	chunkCoord, ok := m.region.LocateBlock(coord)
	if !ok {
		return Block{}, false, fmt.Errorf("damage block %v: %w", coord, ErrOutsideRegion)
	}
	chunk, err := m.Chunk(ctx, chunkCoord)
	if err != nil {
		return Block{}, false, err
	}
	localX, localY, localZ, ok := chunk.GlobalToLocal(coord)
	if !ok {
		return Block{}, false, fmt.Errorf("damage block %v: %w", coord, ErrOutsideRegion)
	}

	before, ok := chunk.LocalBlock(localX, localY, localZ)
	if !ok || blockIsAir(before) {
		return Block{Type: BlockAir}, false, nil
	}
	beforeCopy := CloneBlock(before)

	after, changed := chunk.DamageLocalBlock(localX, localY, localZ, amount)
	if !changed {
		return beforeCopy, false, nil
	}

	destroyed := blockIsAir(after)
	if summary != nil {
		reason := ReasonDamage
		if destroyed {
			reason = ReasonDestroy
		}
		summary.AddChange(BlockChange{
			Coord:  coord,
			Before: beforeCopy,
			After:  after,
			Reason: reason,
		})
		summary.AddChunk(chunkCoord)
	}
	return beforeCopy, destroyed, nil
}

// Settle evaluates the columns holding coords and cascades to horizontal
// neighbours of every collapsed block. Collapsed blocks are cleared, recorded
// with ReasonCollapse, and returned.
func (m *Manager) Settle(ctx context.Context, coords []BlockCoord, summary *ChangeSummary) ([]BlockChange, error) {
	starts := make([]columnRef, 0, len(coords))
	for _, coord := range coords {
		ref, ok := m.columnFor(coord)
		if !ok {
			continue
		}
		starts = append(starts, ref)
	}
	return m.cascadeColumns(ctx, starts, summary)
}

type columnRef struct {
	Chunk  ChunkCoord
	LocalX int
	LocalY int
}

func (m *Manager) columnFor(coord BlockCoord) (columnRef, bool) {
	coord.Z = 0
	chunkCoord, ok := m.region.LocateBlock(coord)
	if !ok {
		return columnRef{}, false
	}
	return columnRef{
		Chunk:  chunkCoord,
		LocalX: coord.X - chunkCoord.X*m.region.ChunkDimension.Width,
		LocalY: coord.Y - chunkCoord.Y*m.region.ChunkDimension.Depth,
	}, true
}

var neighborOffsets = [...]struct{ dx, dy int }{
	{1, 0},
	{-1, 0},
	{0, 1},
	{0, -1},
}

func (m *Manager) cascadeColumns(ctx context.Context, starts []columnRef, summary *ChangeSummary) ([]BlockChange, error) {
	if len(starts) == 0 {
		return nil, nil
	}
	visited := make(map[columnRef]struct{})
	queue := append([]columnRef(nil), starts...)
	var collapsed []BlockChange

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return collapsed, err
		}
		current := queue[0]
		queue = queue[1:]

		if _, ok := visited[current]; ok {
			continue
		}
		visited[current] = struct{}{}

		chunk, err := m.Chunk(ctx, current.Chunk)
		if err != nil {
			return collapsed, err
		}

		reports, err := chunk.EvaluateColumnStability(current.LocalX, current.LocalY)
		if err != nil {
			return collapsed, err
		}

		fell := make([]BlockCoord, 0)
		for _, report := range reports {
			if !report.Collapsed {
				continue
			}
			chunk.ClearLocalBlock(current.LocalX, current.LocalY, report.LocalZ)
			change := BlockChange{
				Coord:  report.Global,
				Before: CloneBlock(report.Block),
				After:  Block{Type: BlockAir},
				Reason: ReasonCollapse,
			}
			collapsed = append(collapsed, change)
			if summary != nil {
				summary.AddChange(change)
				summary.AddChunk(current.Chunk)
			}
			fell = append(fell, report.Global)
		}

		for _, global := range fell {
			for _, offset := range neighborOffsets {
				next, ok := m.columnFor(global.Add(offset.dx, offset.dy, 0))
				if !ok {
					continue
				}
				if _, seen := visited[next]; !seen {
					queue = append(queue, next)
				}
			}
		}
	}

	return collapsed, nil
}

// Close releases the storage of every loaded chunk.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for coord, chunk := range m.chunks {
		if err := chunk.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chunk %v: %w", coord, err))
		}
	}
	m.chunks = make(map[ChunkCoord]*Chunk)
	return errors.Join(errs...)
}
