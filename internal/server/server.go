package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/justadeni/logically/internal/config"
	"github.com/justadeni/logically/internal/entities"
	"github.com/justadeni/logically/internal/environment"
	"github.com/justadeni/logically/internal/felling"
	"github.com/justadeni/logically/internal/network"
	"github.com/justadeni/logically/internal/persistence/eventlog"
	"github.com/justadeni/logically/internal/persistence/indexdb"
	"github.com/justadeni/logically/internal/terrain"
	"github.com/justadeni/logically/internal/transport/observer"
	"github.com/justadeni/logically/internal/world"
)

type Server struct {
	cfg      atomic.Pointer[config.Config]
	world    *world.Manager
	entities *entities.Manager
	env      *environment.Environment
	felling  *felling.Service
	index    *indexdb.SQLiteIndex
	events   *eventlog.Writer
	net      *network.Server
	observer *observer.Server
	logger   *log.Logger

	workers int
	engine  *tickEngine

	deltaBuffer *deltaAccumulator
	deltaSeq    uint64
	streamSeq   uint64

	dirtyMu       sync.Mutex
	dirtyEntities map[entities.ID]entities.Entity

	closeOnce sync.Once
}

const (
	itemMaxFallSpeed = 40.0
	// groundProbeDepth bounds the column scan under a falling item.
	groundProbeDepth = 64
	entityBatchSize  = 96
)

func New(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	logger := log.New(log.Writer(), "logically ", log.LstdFlags|log.Lmicroseconds)
	netSrv, err := network.Listen(cfg.Network.ListenUDP, logger, cfg.Network.MaxDatagramSizeBytes)
	if err != nil {
		return nil, err
	}

	region := world.NewServerRegion(cfg)
	if cfg.Storage.ChunkBackend == "disk" {
		world.SetStorageProvider(world.NewDiskStorageProvider(filepath.Join(cfg.Storage.DataDir, "chunks"), region))
	}
	terrainGen := terrain.NewNoiseGenerator(cfg.Terrain, cfg.Server.Workers, logger)
	worldManager := world.NewManager(region, terrainGen)
	entityManager := entities.NewManager(cfg.Server.ID)
	env := environment.New(cfg.Environment)

	workers := cfg.Server.Workers
	if workers <= 0 {
		workers = 1
	}

	srv := &Server{
		world:         worldManager,
		entities:      entityManager,
		env:           env,
		net:           netSrv,
		logger:        logger,
		workers:       workers,
		deltaBuffer:   newDeltaAccumulator(),
		dirtyEntities: make(map[entities.ID]entities.Entity),
	}
	srv.cfg.Store(cfg)

	var prefs felling.PreferenceStore
	if path := cfg.Storage.IndexDB; path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Storage.DataDir, path)
		}
		idx, err := indexdb.OpenSQLite(path)
		if err != nil {
			_ = netSrv.Close()
			return nil, fmt.Errorf("open felling index: %w", err)
		}
		srv.index = idx
		prefs = idx
	}
	if cfg.Storage.EventLog {
		srv.events = eventlog.NewWriter(filepath.Join(cfg.Storage.DataDir, "events"), "felling")
	}

	srv.felling = felling.New(worldManager, entityManager, env, prefs, felling.OptionsFromConfig(cfg), logger)
	srv.felling.OnComplete(srv.onFellingComplete)
	srv.observer = observer.NewServer(srv.bootstrap, logger)
	srv.registerHandlers()
	return srv, nil
}

// Felling exposes the felling service so embedders can install handlers.
func (s *Server) Felling() *felling.Service {
	return s.felling
}

func (s *Server) config() *config.Config {
	return s.cfg.Load()
}

// Reload applies a new configuration. Felling, physics and replay settings
// take effect for the next chop; listen addresses need a restart.
func (s *Server) Reload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	prev := s.cfg.Swap(cfg)
	s.felling.Configure(felling.OptionsFromConfig(cfg))
	if prev != nil && (prev.Network.ListenUDP != cfg.Network.ListenUDP || prev.HTTP.Listen != cfg.HTTP.Listen) {
		s.logger.Printf("config reload: listen address changes apply after restart")
	}
	s.logger.Printf("config reloaded: maxActive=%d maxTicks=%d placeLogs=%t",
		cfg.Felling.MaxActive, cfg.Felling.MaxTicks, cfg.Replay.PlaceLogs)
}

func (s *Server) registerHandlers() {
	s.net.Register(network.MessageHello, s.onHello)
	s.net.Register(network.MessageChopRequest, s.onChopRequest)
	s.net.Register(network.MessageToggleRequest, s.onToggleRequest)
}

func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.felling.Restore(ctx); err != nil {
		s.logger.Printf("restore player preferences: %v", err)
	}

	go func() {
		if err := s.net.Serve(ctx); err != nil && ctx.Err() == nil {
			s.logger.Printf("network server stopped: %v", err)
			cancel()
		}
	}()

	cfg := s.config()
	var httpSrv *http.Server
	if cfg.HTTP.Listen != "" {
		httpSrv = &http.Server{Addr: cfg.HTTP.Listen, Handler: s.Handler()}
		go func() {
			s.logger.Printf("HTTP server listening on %s", cfg.HTTP.Listen)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Printf("HTTP server stopped: %v", err)
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
	}

	s.announce()

	s.engine = newTickEngine(s, cfg.Server.TickRate.Duration(), s.workers)
	s.engine.Start(ctx)
	defer func() {
		cancel()
		s.engine.Wait()
	}()

	streamRate := cfg.Server.StreamRate.Duration()
	if streamRate <= 0 {
		streamRate = 100 * time.Millisecond
	}
	streamTicker := time.NewTicker(streamRate)
	defer streamTicker.Stop()

	var keepAliveC <-chan time.Time
	if interval := cfg.Network.KeepAliveInterval.Duration(); interval > 0 {
		keepAlive := time.NewTicker(interval)
		defer keepAlive.Stop()
		keepAliveC = keepAlive.C
	}

	for {
		select {
		case <-ctx.Done():
			s.flushDirtyEntities()
			s.flushVoxelDeltas()
			return ctx.Err()
		case <-streamTicker.C:
			s.flushDirtyEntities()
			s.flushVoxelDeltas()
		case now := <-keepAliveC:
			s.broadcast(network.MessageKeepAlive, network.KeepAlive{ServerID: s.config().Server.ID, Time: now.UTC()})
		}
	}
}

// Close releases the socket, the index and the event log. It is safe to call
// more than once.
func (s *Server) Close() error {
	var first error
	s.closeOnce.Do(func() {
		keep := func(err error) {
			if err != nil && first == nil {
				first = err
			}
		}
		keep(s.net.Close())
		if s.index != nil {
			keep(s.index.Close())
		}
		if s.events != nil {
			keep(s.events.Close())
		}
		keep(s.world.Close())
	})
	return first
}

func (s *Server) tickWorld(ctx context.Context, tick uint64, delta time.Duration, workers int) {
	state := s.env.Step(delta)
	s.felling.Tick(ctx, delta)

	gravity := s.config().Physics.Gravity * state.Physics.GravityScale
	if gravity <= 0 {
		gravity = s.config().Physics.Gravity
	}
	params := entities.PhysicsParams{Gravity: gravity, MaxFallSpeed: itemMaxFallSpeed, SupportsGravity: true}

	dirty := s.entities.ApplyConcurrent(workers, func(ent *entities.Entity) {
		switch ent.Kind {
		case entities.KindItem:
			s.tickItem(ctx, ent, delta, params)
		case entities.KindFallingBlock:
			s.updateEntityChunk(ent)
		}
	})
	s.recordDirtyEntities(dirty)
}

// tickItem drops an item onto the first solid block below it and ages it out.
func (s *Server) tickItem(ctx context.Context, ent *entities.Entity, delta time.Duration, params entities.PhysicsParams) {
	if life, ok := ent.DecayAttribute(entities.AttrItemLife, delta.Seconds()); ok && life <= 0 {
		ent.Despawn()
		return
	}
	pos := ent.PositionVec()
	floor, err := s.groundBelow(ctx, pos)
	if err != nil {
		return
	}
	if pos.Z() <= floor && ent.VelocityVec().Z() == 0 {
		return
	}
	ent.ApplyGravity(params, delta)
	ent.Advance(delta)
	ent.ClampZ(floor)
}

// groundBelow returns the height of the top face of the highest solid block
// at or under pos. Foliage does not hold items up; the region floor does.
func (s *Server) groundBelow(ctx context.Context, pos mgl64.Vec3) (float64, error) {
	x := int(math.Floor(pos.X()))
	y := int(math.Floor(pos.Y()))
	top := int(math.Ceil(pos.Z())) - 1
	for z := top; z >= 0 && z > top-groundProbeDepth; z-- {
		block, _, err := s.world.Block(ctx, world.BlockCoord{X: x, Y: y, Z: z})
		if err != nil {
			return 0, err
		}
		if block.Obstructs() {
			return float64(z + 1), nil
		}
	}
	if top < groundProbeDepth {
		return 0, nil
	}
	return float64(top - groundProbeDepth + 1), nil
}

func (s *Server) updateEntityChunk(ent *entities.Entity) {
	pos := ent.PositionVec()
	chunk, ok := s.world.Region().LocateBlock(world.BlockCoord{
		X: int(math.Floor(pos.X())),
		Y: int(math.Floor(pos.Y())),
	})
	if !ok {
		return
	}
	s.entities.Move(ent.ID, chunk)
}

func (s *Server) recordDirtyEntities(list []entities.Entity) {
	if len(list) == 0 {
		return
	}
	s.dirtyMu.Lock()
	if s.dirtyEntities == nil {
		s.dirtyEntities = make(map[entities.ID]entities.Entity)
	}
	for _, ent := range list {
		s.dirtyEntities[ent.ID] = ent
	}
	s.dirtyMu.Unlock()
}

func (s *Server) queueVoxelDeltas(summary *world.ChangeSummary) {
	if summary == nil {
		return
	}
	region := s.world.Region()
	for _, change := range summary.Changes() {
		chunkCoord, ok := region.LocateBlock(change.Coord)
		if !ok {
			continue
		}
		s.deltaBuffer.add(chunkCoord, change)
	}
}

func (s *Server) flushVoxelDeltas() {
	deltas := s.deltaBuffer.flush(s.config().Server.ID, &s.deltaSeq)
	for _, delta := range deltas {
		s.broadcast(network.MessageChunkDelta, delta)
		s.publish(observer.TopicChunks, string(network.MessageChunkDelta), delta)
	}
}

func (s *Server) flushDirtyEntities() {
	s.dirtyMu.Lock()
	size := len(s.dirtyEntities)
	if size == 0 {
		s.dirtyMu.Unlock()
		return
	}
	list := make([]entities.Entity, 0, size)
	for _, ent := range s.dirtyEntities {
		list = append(list, ent)
	}
	s.dirtyEntities = make(map[entities.ID]entities.Entity, size)
	s.dirtyMu.Unlock()
	s.streamEntities(list)
}

// streamEntities splits entity updates into datagram sized batches.
func (s *Server) streamEntities(list []entities.Entity) {
	for start := 0; start < len(list); start += entityBatchSize {
		end := start + entityBatchSize
		if end > len(list) {
			end = len(list)
		}
		batch := network.EntityBatch{
			ServerID:  s.config().Server.ID,
			Seq:       s.streamSeq,
			Timestamp: time.Now().UTC(),
			Entities:  make([]network.EntityState, 0, end-start),
		}
		s.streamSeq++
		for _, ent := range list[start:end] {
			batch.Entities = append(batch.Entities, serializeEntity(ent))
		}
		s.broadcast(network.MessageEntityUpdate, batch)
		s.publish(observer.TopicEntities, string(network.MessageEntityUpdate), batch)
	}
}

func (s *Server) broadcast(msg network.MessageType, payload any) {
	subscribers := s.config().Network.Subscribers
	if len(subscribers) == 0 {
		return
	}
	if err := s.net.Broadcast(subscribers, msg, payload); err != nil {
		s.logger.Printf("%s broadcast: %v", msg, err)
	}
}

func (s *Server) publish(topic, msgType string, data any) {
	if s.observer == nil {
		return
	}
	if err := s.observer.Publish(topic, msgType, data); err != nil {
		s.logger.Printf("observer: %v", err)
	}
}

func (s *Server) record(ev eventlog.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Write(ev); err != nil {
		s.logger.Printf("event log: %v", err)
	}
}

func (s *Server) onHello(ctx context.Context, addr *net.UDPAddr, env network.Envelope) {
	hello, err := network.DecodePayload[network.Hello](env)
	if err != nil {
		s.logger.Printf("hello decode: %v", err)
		return
	}
	if err := s.net.Reply(addr, network.MessageHello, s.hello()); err != nil {
		s.logger.Printf("hello reply: %v", err)
	}
	if hello.Player != "" {
		s.logger.Printf("hello from %s (%s)", hello.Player, addr)
	}
}

func (s *Server) hello() network.Hello {
	region := s.world.Region()
	payload := network.Hello{ServerID: s.config().Server.ID}
	payload.Region.OriginX = region.Origin.X
	payload.Region.OriginY = region.Origin.Y
	payload.Region.Size = region.ChunksPerAxis
	return payload
}

func (s *Server) announce() {
	s.broadcast(network.MessageHello, s.hello())
}

func (s *Server) onChopRequest(ctx context.Context, addr *net.UDPAddr, env network.Envelope) {
	req, err := network.DecodePayload[network.ChopRequest](env)
	if err != nil {
		s.logger.Printf("chop request decode: %v", err)
		return
	}
	reply := s.chop(ctx, req)
	if err := s.net.Reply(addr, network.MessageChopReply, reply); err != nil {
		s.logger.Printf("chop reply: %v", err)
	}
}

func (s *Server) onToggleRequest(ctx context.Context, addr *net.UDPAddr, env network.Envelope) {
	req, err := network.DecodePayload[network.ToggleRequest](env)
	if err != nil {
		s.logger.Printf("toggle request decode: %v", err)
		return
	}
	if req.Player == "" {
		return
	}
	reply := network.ToggleReply{Player: req.Player}
	if req.Enabled != nil {
		reply.Enabled = s.setChopping(ctx, req.Player, *req.Enabled)
	} else {
		reply.Enabled = s.felling.Enabled(req.Player)
	}
	if err := s.net.Reply(addr, network.MessageToggleReply, reply); err != nil {
		s.logger.Printf("toggle reply: %v", err)
	}
}

func (s *Server) setChopping(ctx context.Context, player string, enabled bool) bool {
	s.felling.SetEnabled(ctx, player, enabled)
	s.record(eventlog.NewEvent(eventlog.KindToggle, "", player, map[string]bool{"enabled": enabled}))
	return s.felling.Enabled(player)
}

// chop fells the tree at the requested block. When no felling starts the
// block is broken on its own, except when the scheduler is full.
func (s *Server) chop(ctx context.Context, req network.ChopRequest) network.ChopReply {
	coord := world.BlockCoord{X: req.X, Y: req.Y, Z: req.Z}
	reply := network.ChopReply{Player: req.Player, X: req.X, Y: req.Y, Z: req.Z}
	if req.Player == "" {
		reply.Result = network.ChopRejected
		reply.Message = "player is required"
		return reply
	}

	f, err := s.felling.Chop(ctx, felling.ChopRequest{
		Player: req.Player,
		Block:  coord,
		Facing: vec3FromSlice(req.Facing),
	})
	if err == nil {
		s.fellStarted(f)
		reply.Result = network.ChopFelled
		reply.FellingID = f.ID
		reply.Species = f.Tree.Species
		reply.Logs = len(f.Tree.Logs)
		reply.Leaves = len(f.Tree.Leaves)
		reply.Axis = []float64{f.Axis.X(), f.Axis.Y(), f.Axis.Z()}
		reply.LandingAngle = f.Landing
		return reply
	}

	reply.Message = err.Error()
	switch {
	case errors.Is(err, felling.ErrBusy):
		reply.Result = network.ChopBusy
		s.record(eventlog.NewEvent(eventlog.KindRejected, "", req.Player, reply))
		return reply
	case errors.Is(err, felling.ErrDisabled):
		reply.Result = network.ChopDisabled
	case errors.Is(err, felling.ErrCancelled):
		reply.Result = network.ChopCancelled
	default:
		reply.Result = network.ChopBroken
	}

	broken, berr := s.breakBlock(ctx, coord)
	if berr != nil {
		s.logger.Printf("break %v for %s: %v", coord, req.Player, berr)
	}
	if !broken {
		reply.Result = network.ChopRejected
		s.record(eventlog.NewEvent(eventlog.KindRejected, "", req.Player, reply))
	}
	return reply
}

// breakBlock removes a single block, drops it as an item and lets the blocks
// it supported settle.
func (s *Server) breakBlock(ctx context.Context, coord world.BlockCoord) (bool, error) {
	block, ok, err := s.world.Block(ctx, coord)
	if err != nil {
		return false, err
	}
	if !ok || block.IsAir() {
		return false, nil
	}
	summary := world.NewChangeSummary()
	if err := s.world.SetBlock(ctx, coord, world.Block{Type: world.BlockAir}, world.ReasonDestroy, summary); err != nil {
		return false, err
	}
	collapsed, err := s.world.Settle(ctx, []world.BlockCoord{coord}, summary)
	if err != nil {
		s.logger.Printf("settle after break at %v: %v", coord, err)
	}
	s.queueVoxelDeltas(summary)

	s.spawnItem(block.Material, coord)
	for _, change := range collapsed {
		s.spawnItem(change.Before.Material, change.Coord)
	}
	return true, nil
}

func (s *Server) spawnItem(material string, coord world.BlockCoord) {
	if material == "" {
		return
	}
	chunk, _ := s.world.Region().LocateBlock(coord)
	item := &entities.Entity{
		ID:          entities.NewID(),
		Kind:        entities.KindItem,
		Chunk:       entities.ChunkMembership{Chunk: chunk},
		Position:    mgl64.Vec3{float64(coord.X) + 0.5, float64(coord.Y) + 0.5, float64(coord.Z) + 0.5},
		Orientation: mgl64.QuatIdent(),
		Block:       world.NewBlock(material),
		Count:       1,
	}
	if lifetime := s.config().Replay.ItemLifetime.Duration(); lifetime > 0 {
		item.SetAttribute(entities.AttrItemLife, lifetime.Seconds())
	}
	if err := s.entities.Add(item); err != nil {
		s.logger.Printf("spawn %s at %v: %v", material, coord, err)
	}
}

func (s *Server) fellStarted(f *felling.Felling) {
	s.queueVoxelDeltas(f.Changes)
	origin := f.Tree.Origin
	msg := network.FellStarted{
		FellingID:    f.ID,
		Player:       f.Player,
		Species:      f.Tree.Species,
		Origin:       []int{origin.X, origin.Y, origin.Z},
		Pivot:        []float64{f.Pivot.X(), f.Pivot.Y(), f.Pivot.Z()},
		Axis:         []float64{f.Axis.X(), f.Axis.Y(), f.Axis.Z()},
		Blocks:       f.Tree.Size(),
		LandingAngle: f.Landing,
	}
	s.broadcast(network.MessageFellStarted, msg)
	s.publish(observer.TopicFelling, string(network.MessageFellStarted), msg)
	s.record(eventlog.NewEvent(eventlog.KindChop, f.ID, f.Player, msg))
}

func (s *Server) onFellingComplete(res felling.Result) {
	s.queueVoxelDeltas(res.Changes)
	if s.index != nil {
		s.index.RecordFelling(res)
	}
	msg := network.FellLanded{
		FellingID:    res.ID,
		Player:       res.Player,
		LandingAngle: res.LandingAngle,
		Ticks:        res.Ticks,
		Forced:       res.Forced,
		Placed:       len(res.Placed),
		Drops:        make([]network.ItemDrop, 0, len(res.Drops)),
	}
	for _, drop := range res.Drops {
		msg.Drops = append(msg.Drops, network.ItemDrop{
			Position: []float64{drop.Position.X(), drop.Position.Y(), drop.Position.Z()},
			Material: drop.Item.Material,
			Count:    drop.Item.Count,
		})
	}
	s.broadcast(network.MessageFellLanded, msg)
	s.publish(observer.TopicFelling, string(network.MessageFellLanded), msg)
	s.record(eventlog.NewEvent(eventlog.KindLanded, res.ID, res.Player, msg))
}

func (s *Server) bootstrap() observer.Bootstrap {
	cfg := s.config()
	region := s.world.Region()
	boot := observer.Bootstrap{
		ServerID:      cfg.Server.ID,
		ChunkSize:     [3]int{region.ChunkDimension.Width, region.ChunkDimension.Depth, region.ChunkDimension.Height},
		RegionOrigin:  [2]int{region.Origin.X, region.Origin.Y},
		ChunksPerAxis: region.ChunksPerAxis,
		Active:        s.felling.Active(),
	}
	if tick := cfg.Server.TickRate.Duration(); tick > 0 {
		boot.TickRateHz = 1 / tick.Seconds()
	}
	return boot
}

func serializeEntity(ent entities.Entity) network.EntityState {
	state := network.EntityState{
		ID:       string(ent.ID),
		Kind:     string(ent.Kind),
		Group:    ent.Group,
		ChunkX:   ent.Chunk.Chunk.X,
		ChunkY:   ent.Chunk.Chunk.Y,
		Position: []float64{ent.Position.X(), ent.Position.Y(), ent.Position.Z()},
		Velocity: []float64{ent.Velocity.X(), ent.Velocity.Y(), ent.Velocity.Z()},
		Material: ent.Block.Material,
		Count:    ent.Count,
		Dying:    ent.Dying,
	}
	if ent.Kind == entities.KindFallingBlock {
		q := ent.Orientation
		state.Orientation = []float64{q.W, q.V.X(), q.V.Y(), q.V.Z()}
	}
	if len(ent.Attributes) > 0 {
		state.Attributes = make(map[string]float64, len(ent.Attributes))
		for k, v := range ent.Attributes {
			state.Attributes[k] = v
		}
	}
	return state
}

func vec3FromSlice(values []float64) mgl64.Vec3 {
	var vec mgl64.Vec3
	for i := 0; i < len(values) && i < 3; i++ {
		vec[i] = values[i]
	}
	return vec
}
