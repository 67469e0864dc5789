package felling

import (
	"context"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/justadeni/logically/internal/config"
	"github.com/justadeni/logically/internal/world"
)

// Limits bounds a single scan.
type Limits struct {
	MaxLogs         int
	MaxLeaves       int
	MaxVisited      int
	MaxRadius       int
	MaxDepth        int
	MaxLeafDistance int
	MinLeaves       int
}

func LimitsFromConfig(cfg config.FellingConfig) Limits {
	return Limits{
		MaxLogs:         cfg.MaxLogs,
		MaxLeaves:       cfg.MaxLeaves,
		MaxVisited:      cfg.MaxVisited,
		MaxRadius:       cfg.MaxRadius,
		MaxDepth:        cfg.MaxDepth,
		MaxLeafDistance: cfg.MaxLeafDistance,
		MinLeaves:       cfg.MinLeaves,
	}
}

type Scanner struct {
	src    BlockSource
	limits Limits
}

func NewScanner(src BlockSource, limits Limits) *Scanner {
	return &Scanner{src: src, limits: limits}
}

var (
	neighbours26 = func() []world.BlockCoord {
		out := make([]world.BlockCoord, 0, 26)
		for dz := -1; dz <= 1; dz++ {
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx != 0 || dy != 0 || dz != 0 {
						out = append(out, world.BlockCoord{X: dx, Y: dy, Z: dz})
					}
				}
			}
		}
		return out
	}()
	neighbours6 = []world.BlockCoord{
		{X: 1}, {X: -1}, {Y: 1}, {Y: -1}, {Z: 1}, {Z: -1},
	}
)

type scan struct {
	ctx     context.Context
	src     BlockSource
	limits  Limits
	visited map[world.BlockCoord]world.Block
}

// look reads a voxel once per scan and charges it to the visit budget.
func (s *scan) look(coord world.BlockCoord) (world.Block, error) {
	if block, ok := s.visited[coord]; ok {
		return block, nil
	}
	if s.limits.MaxVisited > 0 && len(s.visited) >= s.limits.MaxVisited {
		return world.Block{}, fmt.Errorf("visited %d voxels: %w", len(s.visited), ErrTreeTooLarge)
	}
	if err := s.ctx.Err(); err != nil {
		return world.Block{}, err
	}
	block, _, err := s.src.Block(s.ctx, coord)
	if err != nil {
		return world.Block{}, fmt.Errorf("read %v: %w", coord, err)
	}
	s.visited[coord] = block
	return block, nil
}

// Scan flood-fills the tree containing origin.
func (sc *Scanner) Scan(ctx context.Context, origin world.BlockCoord) (*Tree, error) {
	s := &scan{
		ctx:     ctx,
		src:     sc.src,
		limits:  sc.limits,
		visited: make(map[world.BlockCoord]world.Block),
	}
	start, err := s.look(origin)
	if err != nil {
		return nil, err
	}
	if world.ClassOf(start.Material) != world.ClassLog {
		return nil, fmt.Errorf("%v is %q: %w", origin, start.Material, ErrNotLog)
	}

	tree := &Tree{
		Origin: origin,
		Blocks: make(map[world.BlockCoord]world.Block),
	}
	if info, ok := world.LookupMaterial(start.Material); ok && info.Species != "" {
		tree.Species = info.Species
		tree.LogMaterials = world.LogMaterials(info.Species)
		tree.LeafMaterials = world.LeafMaterials(info.Species)
	} else {
		tree.LogMaterials = []string{start.Material}
	}
	logSet := toSet(tree.LogMaterials)
	leafSet := toSet(tree.LeafMaterials)

	if err := s.collectLogs(tree, logSet, start); err != nil {
		return nil, err
	}
	if err := s.collectLeaves(tree, leafSet); err != nil {
		return nil, err
	}
	if len(tree.Leaves) < sc.limits.MinLeaves {
		return nil, fmt.Errorf("%d leaves around %d logs: %w", len(tree.Leaves), len(tree.Logs), ErrNotTree)
	}
	tree.Root, tree.Height = measure(tree)
	return tree, nil
}

func (s *scan) collectLogs(tree *Tree, logSet map[string]struct{}, start world.Block) error {
	origin := tree.Origin
	tree.Logs = append(tree.Logs, origin)
	tree.Blocks[origin] = start

	queue := []world.BlockCoord{origin}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, offset := range neighbours26 {
			next := current.Add(offset.X, offset.Y, offset.Z)
			if _, seen := tree.Blocks[next]; seen {
				continue
			}
			if next.Z < origin.Z-s.limits.MaxDepth {
				continue
			}
			if chebyshev(next, origin) > s.limits.MaxRadius {
				continue
			}
			block, err := s.look(next)
			if err != nil {
				return err
			}
			if _, ok := logSet[block.Material]; !ok {
				continue
			}
			if len(tree.Logs) >= s.limits.MaxLogs {
				return fmt.Errorf("more than %d logs: %w", s.limits.MaxLogs, ErrTreeTooLarge)
			}
			tree.Blocks[next] = block
			tree.Logs = append(tree.Logs, next)
			queue = append(queue, next)
		}
	}
	return nil
}

func (s *scan) collectLeaves(tree *Tree, leafSet map[string]struct{}) error {
	if len(leafSet) == 0 || s.limits.MaxLeafDistance <= 0 {
		return nil
	}
	type step struct {
		coord    world.BlockCoord
		distance int
	}
	queue := make([]step, 0, len(tree.Logs))
	for _, coord := range tree.Logs {
		queue = append(queue, step{coord: coord})
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current.distance >= s.limits.MaxLeafDistance {
			continue
		}
		for _, offset := range neighbours6 {
			next := current.coord.Add(offset.X, offset.Y, offset.Z)
			if _, seen := tree.Blocks[next]; seen {
				continue
			}
			block, err := s.look(next)
			if err != nil {
				return err
			}
			if _, ok := leafSet[block.Material]; !ok || block.Persistent {
				continue
			}
			if len(tree.Leaves) >= s.limits.MaxLeaves {
				return fmt.Errorf("more than %d leaves: %w", s.limits.MaxLeaves, ErrTreeTooLarge)
			}
			tree.Blocks[next] = block
			tree.Leaves = append(tree.Leaves, next)
			queue = append(queue, step{coord: next, distance: current.distance + 1})
		}
	}
	return nil
}

// measure derives the root from the lowest log layer and the height from
// all tree blocks.
func measure(tree *Tree) (mgl64.Vec3, int) {
	minLogZ := math.MaxInt
	for _, coord := range tree.Logs {
		minLogZ = min(minLogZ, coord.Z)
	}
	var sumX, sumY float64
	var n int
	for _, coord := range tree.Logs {
		if coord.Z != minLogZ {
			continue
		}
		sumX += float64(coord.X) + 0.5
		sumY += float64(coord.Y) + 0.5
		n++
	}
	root := mgl64.Vec3{sumX / float64(n), sumY / float64(n), float64(minLogZ)}

	minZ, maxZ := math.MaxInt, math.MinInt
	for coord := range tree.Blocks {
		minZ = min(minZ, coord.Z)
		maxZ = max(maxZ, coord.Z)
	}
	return root, maxZ - minZ + 1
}

func chebyshev(a, b world.BlockCoord) int {
	dx := a.X - b.X
	if dx < 0 {
		dx = -dx
	}
	dy := a.Y - b.Y
	if dy < 0 {
		dy = -dy
	}
	return max(dx, dy)
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
