package felling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/justadeni/logically/internal/config"
	"github.com/justadeni/logically/internal/entities"
	"github.com/justadeni/logically/internal/world"
)

// World is the mutable block world a replay works on.
type World interface {
	BlockSource
	Region() world.ServerRegion
	SetBlock(ctx context.Context, coord world.BlockCoord, block world.Block, reason world.ChangeReason, summary *world.ChangeSummary) error
	Settle(ctx context.Context, coords []world.BlockCoord, summary *world.ChangeSummary) ([]world.BlockChange, error)
}

// EntityStore holds the falling block entities of a replay.
type EntityStore interface {
	Add(entity *entities.Entity) error
	Entity(id entities.ID) (*entities.Entity, bool)
	Remove(id entities.ID)
}

type ReplayOptions struct {
	PlaceLogs     bool
	SaplingChance float64
	StickChance   float64
}

func ReplayFromConfig(cfg config.ReplayConfig) ReplayOptions {
	return ReplayOptions{
		PlaceLogs:     cfg.PlaceLogs,
		SaplingChance: cfg.SaplingChance,
		StickChance:   cfg.StickChance,
	}
}

type body struct {
	coord  world.BlockCoord
	block  world.Block
	offset mgl64.Vec3
	entity entities.ID
}

// Landing is the outcome of a replay once the tree is down.
type Landing struct {
	Placed    []world.BlockCoord
	Collapsed []world.BlockCoord
	Drops     []Drop
	Changes   *world.ChangeSummary
}

// Replay moves one tree from the world into falling entities and back.
type Replay struct {
	ID      string
	Player  string
	Tree    *Tree
	Plan    *Plan
	Started time.Time

	world  World
	store  EntityStore
	opts   ReplayOptions
	roller leafRoller

	mu      sync.Mutex
	bodies  []body
	drops   []Drop
	cleared []world.BlockChange
	ticks   int
	begun   atomic.Bool
	done    atomic.Bool
}

func NewReplay(id, player string, tree *Tree, plan *Plan, w World, store EntityStore, opts ReplayOptions) *Replay {
	return &Replay{
		ID:     id,
		Player: player,
		Tree:   tree,
		Plan:   plan,
		world:  w,
		store:  store,
		opts:   opts,
		roller: newLeafRoller(id, opts.SaplingChance, opts.StickChance),
	}
}

// Begin breaks the struck log, clears the rest of the tree from the world
// and spawns one falling block entity per cleared block. On error every
// cleared block is put back and every spawned entity removed.
func (r *Replay) Begin(ctx context.Context) (*world.ChangeSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.begun.Load() {
		return nil, fmt.Errorf("replay %s already begun", r.ID)
	}
	summary := world.NewChangeSummary()
	r.Started = time.Now()

	if err := r.clear(ctx, summary); err != nil {
		if rbErr := r.rollback(ctx, summary); rbErr != nil {
			err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return nil, err
	}
	r.cleared = summary.Changes()
	r.begun.Store(true)
	return summary, nil
}

func (r *Replay) clear(ctx context.Context, summary *world.ChangeSummary) error {
	origin := r.Tree.Origin
	struck, _, err := r.world.Block(ctx, origin)
	if err != nil {
		return err
	}
	if !struck.IsAir() {
		if err := r.world.SetBlock(ctx, origin, world.Block{Type: world.BlockAir}, world.ReasonDestroy, summary); err != nil {
			return fmt.Errorf("break struck log: %w", err)
		}
		r.drops = append(r.drops, dropAt(origin, struck.Material))
	}

	region := r.world.Region()
	for _, coord := range r.Tree.Body() {
		block, _, err := r.world.Block(ctx, coord)
		if err != nil {
			return err
		}
		if block.IsAir() {
			continue
		}
		if err := r.world.SetBlock(ctx, coord, world.Block{Type: world.BlockAir}, world.ReasonFell, summary); err != nil {
			return fmt.Errorf("clear %v: %w", coord, err)
		}
		offset := r.Plan.Offset(coord)
		pos, orientation := r.Plan.Transform(offset)
		chunk, _ := region.LocateBlock(coord)
		entity := &entities.Entity{
			ID:          entities.NewID(),
			Kind:        entities.KindFallingBlock,
			Group:       r.ID,
			Chunk:       entities.ChunkMembership{Chunk: chunk},
			Position:    pos,
			Orientation: orientation,
			Block:       block,
			Offset:      offset,
		}
		if err := r.store.Add(entity); err != nil {
			return fmt.Errorf("spawn falling block: %w", err)
		}
		r.bodies = append(r.bodies, body{coord: coord, block: block, offset: offset, entity: entity.ID})
	}
	return nil
}

// rollback undoes a partial clear. It keeps going past errors and returns
// the first one.
func (r *Replay) rollback(ctx context.Context, summary *world.ChangeSummary) error {
	for _, b := range r.bodies {
		r.store.Remove(b.entity)
	}
	r.bodies = nil
	r.drops = nil

	var first error
	for _, change := range summary.Changes() {
		if err := r.world.SetBlock(ctx, change.Coord, change.Before, world.ReasonLand, nil); err != nil && first == nil {
			first = fmt.Errorf("restore %v: %w", change.Coord, err)
		}
	}
	return first
}

// Cleared returns the changes Begin made to the world.
func (r *Replay) Cleared() []world.BlockChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]world.BlockChange(nil), r.cleared...)
}

// Advance steps the fall by dt seconds and moves every falling entity. It
// reports whether the tree has landed.
func (r *Replay) Advance(dt float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	landed := r.Plan.Step(dt)
	r.ticks++
	for _, b := range r.bodies {
		entity, ok := r.store.Entity(b.entity)
		if !ok {
			continue
		}
		pos, orientation := r.Plan.Transform(b.offset)
		entity.SetPose(pos, orientation)
	}
	return landed
}

// ForceLand stops the fall where it is.
func (r *Replay) ForceLand() {
	r.mu.Lock()
	r.Plan.ForceLand()
	r.mu.Unlock()
}

func (r *Replay) Ticks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticks
}

func (r *Replay) Begun() bool {
	return r.begun.Load()
}

// Land places or drops every fallen block and despawns the falling
// entities. It must be called once, after the plan has landed.
func (r *Replay) Land(ctx context.Context) (*Landing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.Plan.Landed() {
		return nil, fmt.Errorf("replay %s has not landed", r.ID)
	}
	if r.done.Swap(true) {
		return nil, fmt.Errorf("replay %s already landed", r.ID)
	}
	defer r.despawn()

	landing := &Landing{Changes: world.NewChangeSummary()}
	drops := append([]Drop(nil), r.drops...)

	logs := make([]body, 0, len(r.bodies))
	for _, b := range r.bodies {
		if world.ClassOf(b.block.Material) == world.ClassLog {
			logs = append(logs, b)
			continue
		}
		resting := r.Plan.Resting(b.offset)
		if material := r.roller.drop(b.coord, b.block); material != "" {
			drops = append(drops, dropAt(resting, material))
		}
	}

	if r.opts.PlaceLogs {
		placed, rejected, err := r.placeLogs(ctx, logs, landing.Changes)
		if err != nil {
			return nil, err
		}
		landing.Placed = placed
		for _, b := range rejected {
			drops = append(drops, dropAt(r.Plan.Resting(b.offset), b.block.Material))
		}
		collapsed, err := r.world.Settle(ctx, placed, landing.Changes)
		if err != nil {
			return nil, fmt.Errorf("settle landed logs: %w", err)
		}
		for _, change := range collapsed {
			landing.Collapsed = append(landing.Collapsed, change.Coord)
			drops = append(drops, dropAt(change.Coord, change.Before.Material))
		}
	} else {
		for _, b := range logs {
			drops = append(drops, dropAt(r.Plan.Resting(b.offset), b.block.Material))
		}
	}

	landing.Drops = mergeDrops(drops)
	return landing, nil
}

// placeLogs writes logs into their resting voxels. Logs compete for a voxel
// by distance to the pivot; losers and logs whose voxel is occupied are
// returned as rejected.
func (r *Replay) placeLogs(ctx context.Context, logs []body, summary *world.ChangeSummary) ([]world.BlockCoord, []body, error) {
	ordered := append([]body(nil), logs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].offset.Len() < ordered[j].offset.Len()
	})

	axis := world.AxisZ
	if r.Plan.LiesFlat() {
		axis = r.Plan.HorizontalAxis()
	}

	claimed := make(map[world.BlockCoord]struct{}, len(ordered))
	placed := make([]world.BlockCoord, 0, len(ordered))
	var rejected []body
	for _, b := range ordered {
		target := r.Plan.Resting(b.offset)
		if _, taken := claimed[target]; taken {
			rejected = append(rejected, b)
			continue
		}
		existing, inside, err := r.world.Block(ctx, target)
		if err != nil {
			return nil, nil, err
		}
		if !inside || !existing.IsAir() {
			rejected = append(rejected, b)
			continue
		}
		block := world.CloneBlock(b.block)
		block.Axis = axis
		if err := r.world.SetBlock(ctx, target, block, world.ReasonLand, summary); err != nil {
			return nil, nil, err
		}
		claimed[target] = struct{}{}
		placed = append(placed, target)
	}
	return placed, rejected, nil
}

// despawn flags the falling entities; the next entity pass reaps them and
// reports their removal.
func (r *Replay) despawn() {
	for _, b := range r.bodies {
		if entity, ok := r.store.Entity(b.entity); ok {
			entity.Despawn()
		}
	}
}

// Status is a point-in-time view of a falling tree.
type Status struct {
	ID           string           `json:"id"`
	Player       string           `json:"player"`
	Species      string           `json:"species"`
	Origin       world.BlockCoord `json:"origin"`
	Blocks       int              `json:"blocks"`
	Angle        float64          `json:"angle"`        // degrees
	LandingAngle float64          `json:"landingAngle"` // degrees
	Ticks        int              `json:"ticks"`
	Started      time.Time        `json:"started"`
}

func (r *Replay) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		ID:           r.ID,
		Player:       r.Player,
		Species:      r.Tree.Species,
		Origin:       r.Tree.Origin,
		Blocks:       len(r.bodies),
		Angle:        mgl64.RadToDeg(r.Plan.Theta),
		LandingAngle: mgl64.RadToDeg(r.Plan.LandingAngle),
		Ticks:        r.ticks,
		Started:      r.Started,
	}
}
