package felling

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"github.com/justadeni/logically/internal/config"
	"github.com/justadeni/logically/internal/entities"
	"github.com/justadeni/logically/internal/environment"
	"github.com/justadeni/logically/internal/world"
)

// WeatherSource supplies the wind and gravity scale applied to new fellings.
type WeatherSource interface {
	CurrentState() environment.State
}

// Options is the tunable part of the service. It can be swapped at runtime
// with Configure and applies to fellings started afterwards.
type Options struct {
	Felling config.FellingConfig
	Physics config.PhysicsConfig
	Replay  config.ReplayConfig
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{Felling: cfg.Felling, Physics: cfg.Physics, Replay: cfg.Replay}
}

// ChopRequest describes a player striking a block.
type ChopRequest struct {
	Player string
	Block  world.BlockCoord
	// Facing is the direction the player looks in. The tree prefers to fall
	// away from them.
	Facing mgl64.Vec3
}

// Felling is a tree that has started to fall.
type Felling struct {
	ID      string
	Player  string
	Tree    *Tree
	Axis    mgl64.Vec3
	Pivot   mgl64.Vec3
	Landing float64 // degrees
	Changes *world.ChangeSummary
	Started time.Time
}

// Result reports a felling once its drops have been spawned.
type Result struct {
	ID           string               `json:"id"`
	Player       string               `json:"player"`
	Species      string               `json:"species"`
	Origin       world.BlockCoord     `json:"origin"`
	Logs         int                  `json:"logs"`
	Leaves       int                  `json:"leaves"`
	Axis         mgl64.Vec3           `json:"axis"`
	LandingAngle float64              `json:"landingAngle"` // degrees
	Ticks        int                  `json:"ticks"`
	Forced       bool                 `json:"forced"`
	Drops        []Drop               `json:"drops"`
	Items        []entities.ID        `json:"items"`
	Placed       []world.BlockCoord   `json:"placed,omitempty"`
	Collapsed    []world.BlockCoord   `json:"collapsed,omitempty"`
	// Cleared holds the changes made when the tree started to fall and
	// Changes those made when it landed.
	Cleared      []world.BlockChange  `json:"-"`
	Changes      *world.ChangeSummary `json:"-"`
	Started      time.Time            `json:"started"`
	Finished     time.Time            `json:"finished"`
}

// Service is the entry point of tree felling.
type Service struct {
	world    World
	entities EntityStore
	weather  WeatherSource
	players  *Players
	sched    *Scheduler
	logger   *log.Logger

	opts    atomic.Pointer[Options]
	handler atomic.Pointer[Handler]

	mu       sync.RWMutex
	onResult []func(Result)
}

// New builds a service over w. weather and store may be nil.
func New(w World, store EntityStore, weather WeatherSource, prefs PreferenceStore, opts Options, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	s := &Service{
		world:    w,
		entities: store,
		weather:  weather,
		players:  NewPlayers(opts.Felling.DefaultEnabled, prefs, logger),
		logger:   logger,
	}
	s.sched = NewScheduler(opts.Felling.MaxActive, opts.Felling.MaxTicks, s.finalize)
	s.opts.Store(&opts)
	var h Handler = NopHandler{}
	s.handler.Store(&h)
	return s
}

// Handle sets the event handler. A nil handler resets to NopHandler.
func (s *Service) Handle(h Handler) {
	if h == nil {
		h = NopHandler{}
	}
	s.handler.Store(&h)
}

// OnComplete registers fn to receive every finished felling.
func (s *Service) OnComplete(fn func(Result)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.onResult = append(s.onResult, fn)
	s.mu.Unlock()
}

// Restore loads saved player preferences.
func (s *Service) Restore(ctx context.Context) error {
	return s.players.Restore(ctx)
}

func (s *Service) Enabled(player string) bool {
	return s.players.Enabled(player)
}

func (s *Service) SetEnabled(ctx context.Context, player string, enabled bool) {
	s.players.SetEnabled(ctx, player, enabled)
}

// Configure swaps the options used by new fellings.
func (s *Service) Configure(opts Options) {
	s.opts.Store(&opts)
	s.sched.SetLimits(opts.Felling.MaxActive, opts.Felling.MaxTicks)
	s.players.SetDefault(opts.Felling.DefaultEnabled)
}

func (s *Service) Options() Options {
	return *s.opts.Load()
}

// Active lists the trees currently falling.
func (s *Service) Active() []Status {
	return s.sched.Active()
}

// Chop fells the tree containing req.Block. When it returns an error nothing
// in the world has changed and the caller should break the block normally.
func (s *Service) Chop(ctx context.Context, req ChopRequest) (*Felling, error) {
	if !s.players.Enabled(req.Player) {
		return nil, ErrDisabled
	}
	opts := s.Options()
	params := PhysicsFromConfig(opts.Physics)

	tree, err := NewScanner(s.world, LimitsFromConfig(opts.Felling)).Scan(ctx, req.Block)
	if err != nil {
		return nil, err
	}

	var wind mgl64.Vec2
	gravityScale := 1.0
	if s.weather != nil {
		state := s.weather.CurrentState()
		wind = state.Wind()
		gravityScale = state.Physics.GravityScale
	}
	axis := FallAxis(tree, params.Weights, req.Facing, wind)

	event := newStartChop(req.Player, tree, axis)
	evCtx := &Context{}
	(*s.handler.Load()).HandleStartChop(evCtx, event)
	if evCtx.Cancelled() {
		return nil, ErrCancelled
	}
	tree.Logs = event.Logs
	tree.Leaves = event.Leaves
	if err := tree.refresh(ctx, s.world); err != nil {
		return nil, fmt.Errorf("refresh tree: %w", err)
	}
	axis = normaliseAxis(event.Axis, req.Facing)

	plan, err := NewResolver(s.world, params).Plan(ctx, tree, axis, gravityScale)
	if err != nil {
		return nil, fmt.Errorf("plan fall: %w", err)
	}

	id := uuid.NewString()
	replay := NewReplay(id, req.Player, tree, plan, s.world, s.entities, ReplayFromConfig(opts.Replay))
	if err := s.sched.Submit(replay); err != nil {
		return nil, err
	}
	changes, err := replay.Begin(ctx)
	if err != nil {
		s.sched.Cancel(id)
		return nil, fmt.Errorf("begin felling: %w", err)
	}
	s.logger.Printf("felling %s: %s felled %s tree at %v (%d logs, %d leaves, landing %.1f deg)",
		id, req.Player, tree.Species, tree.Origin, len(tree.Logs), len(tree.Leaves), mgl64.RadToDeg(plan.LandingAngle))

	return &Felling{
		ID:      id,
		Player:  req.Player,
		Tree:    tree,
		Axis:    axis,
		Pivot:   plan.Pivot,
		Landing: mgl64.RadToDeg(plan.LandingAngle),
		Changes: changes,
		Started: replay.Started,
	}, nil
}

// Tick advances every falling tree by dt.
func (s *Service) Tick(ctx context.Context, dt time.Duration) int {
	return s.sched.Tick(ctx, dt.Seconds())
}

func (s *Service) finalize(ctx context.Context, replay *Replay, forced bool) {
	landing, err := replay.Land(ctx)
	if err != nil {
		s.logger.Printf("felling %s: land: %v", replay.ID, err)
		return
	}

	event := newDropItems(replay, landing.Drops)
	evCtx := &Context{}
	(*s.handler.Load()).HandleDropItems(evCtx, event)
	drops := event.Drops
	if evCtx.Cancelled() {
		drops = nil
	}

	items := s.spawnItems(replay.ID, drops)
	if forced {
		s.logger.Printf("felling %s: forced to land after %d ticks", replay.ID, replay.Ticks())
	}

	result := Result{
		ID:           replay.ID,
		Player:       replay.Player,
		Species:      replay.Tree.Species,
		Origin:       replay.Tree.Origin,
		Logs:         len(replay.Tree.Logs),
		Leaves:       len(replay.Tree.Leaves),
		Axis:         replay.Plan.Fall,
		LandingAngle: mgl64.RadToDeg(replay.Plan.LandingAngle),
		Ticks:        replay.Ticks(),
		Forced:       forced,
		Drops:        drops,
		Items:        items,
		Placed:       landing.Placed,
		Collapsed:    landing.Collapsed,
		Cleared:      replay.Cleared(),
		Changes:      landing.Changes,
		Started:      replay.Started,
		Finished:     time.Now(),
	}
	s.mu.RLock()
	callbacks := append([]func(Result){}, s.onResult...)
	s.mu.RUnlock()
	for _, fn := range callbacks {
		fn(result)
	}
}

func (s *Service) spawnItems(group string, drops []Drop) []entities.ID {
	lifetime := s.Options().Replay.ItemLifetime.Duration().Seconds()
	region := s.world.Region()
	ids := make([]entities.ID, 0, len(drops))
	for _, drop := range drops {
		if drop.Item.Count <= 0 || drop.Item.Material == "" {
			continue
		}
		chunk, _ := region.LocateBlock(voxelOf(drop.Position))
		item := &entities.Entity{
			ID:          entities.NewID(),
			Kind:        entities.KindItem,
			Group:       group,
			Chunk:       entities.ChunkMembership{Chunk: chunk},
			Position:    drop.Position,
			Orientation: mgl64.QuatIdent(),
			Block:       world.NewBlock(drop.Item.Material),
			Count:       drop.Item.Count,
		}
		if lifetime > 0 {
			item.SetAttribute(entities.AttrItemLife, lifetime)
		}
		if err := s.entities.Add(item); err != nil {
			s.logger.Printf("felling %s: spawn %s: %v", group, drop.Item.Material, err)
			continue
		}
		ids = append(ids, item.ID)
	}
	return ids
}
