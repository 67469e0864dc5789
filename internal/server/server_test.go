package server

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/justadeni/logically/internal/config"
	"github.com/justadeni/logically/internal/entities"
	"github.com/justadeni/logically/internal/network"
	"github.com/justadeni/logically/internal/persistence/eventlog"
	"github.com/justadeni/logically/internal/world"
)

const testTick = 50 * time.Millisecond

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ID = "test"
	cfg.Server.Workers = 1
	cfg.Chunk.Width = 16
	cfg.Chunk.Depth = 16
	cfg.Chunk.Height = 32
	cfg.Chunk.ChunksPerAxis = 2
	cfg.Chunk.Origin = config.ChunkIndex{}
	cfg.Network.ListenUDP = "127.0.0.1:0"
	cfg.HTTP.Listen = ""
	cfg.HTTP.AllowedOrigins = []string{"http://localhost:5173"}
	cfg.Terrain.GroundLevel = 3
	cfg.Terrain.Amplitude = 0
	cfg.Terrain.TreeDensity = 0
	cfg.Felling.MaxRadius = 6
	cfg.Felling.MinLeaves = 1
	cfg.Physics.WindWeight = 0
	cfg.Replay.SaplingChance = 0
	cfg.Replay.StickChance = 0
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.IndexDB = "index.db"
	cfg.Storage.EventLog = true
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

// plantPole grows a six log oak on the flat ground with a small crown.
func plantPole(t *testing.T, srv *Server, x, y int) {
	t.Helper()
	ctx := context.Background()
	for z := 4; z <= 9; z++ {
		require.NoError(t, srv.world.SetBlock(ctx, world.BlockCoord{X: x, Y: y, Z: z}, world.NewBlock("oak_log"), world.ReasonLand, nil))
	}
	leaves := []world.BlockCoord{
		{X: x, Y: y, Z: 10},
		{X: x + 1, Y: y, Z: 9}, {X: x - 1, Y: y, Z: 9},
		{X: x, Y: y + 1, Z: 9}, {X: x, Y: y - 1, Z: 9},
	}
	for _, c := range leaves {
		require.NoError(t, srv.world.SetBlock(ctx, c, world.NewBlock("oak_leaves"), world.ReasonLand, nil))
	}
}

func blockAt(t *testing.T, srv *Server, x, y, z int) world.Block {
	t.Helper()
	block, _, err := srv.world.Block(context.Background(), world.BlockCoord{X: x, Y: y, Z: z})
	require.NoError(t, err)
	return block
}

func tickUntilIdle(t *testing.T, srv *Server) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= 400; i++ {
		srv.tickWorld(ctx, uint64(i), testTick, 1)
		if len(srv.felling.Active()) == 0 {
			return
		}
	}
	t.Fatalf("fellings still active: %+v", srv.felling.Active())
}

func itemsByMaterial(srv *Server) map[string]int {
	out := make(map[string]int)
	for _, ent := range srv.entities.Snapshots() {
		if ent.Kind == entities.KindItem {
			out[ent.Block.Material] += ent.Count
		}
	}
	return out
}

func TestChopFellsTreeAndRecordsLanding(t *testing.T) {
	cfg := testConfig(t)
	srv := newTestServer(t, cfg)
	plantPole(t, srv, 10, 10)
	ctx := context.Background()

	reply := srv.chop(ctx, network.ChopRequest{Player: "alex", X: 10, Y: 10, Z: 4, Facing: []float64{1, 0, 0}})
	require.Equal(t, network.ChopFelled, reply.Result, reply.Message)
	require.NotEmpty(t, reply.FellingID)
	require.Equal(t, "oak", reply.Species)
	require.Equal(t, 6, reply.Logs)
	require.Equal(t, 5, reply.Leaves)
	require.InDelta(t, 1.0, reply.Axis[0], 1e-9)
	require.True(t, blockAt(t, srv, 10, 10, 7).IsAir())
	require.Equal(t, 11, srv.deltaBuffer.pending())

	tickUntilIdle(t, srv)
	require.Equal(t, 6, itemsByMaterial(srv)["oak_log"])
	srv.dirtyMu.Lock()
	var falling []entities.Entity
	for _, ent := range srv.dirtyEntities {
		if ent.Kind == entities.KindFallingBlock {
			falling = append(falling, ent)
		}
	}
	srv.dirtyMu.Unlock()
	require.Len(t, falling, 10)
	for _, ent := range falling {
		require.True(t, ent.Dying, "falling block %s not reported dying", ent.ID)
	}
	srv.flushVoxelDeltas()
	require.Zero(t, srv.deltaBuffer.pending())

	require.NoError(t, srv.index.Sync(ctx))
	records, err := srv.index.RecentFellings(ctx, "alex", 5)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, reply.FellingID, records[0].ID)
	require.Equal(t, 6, records[0].Logs)

	require.NoError(t, srv.Close())
	files, err := eventlog.Files(filepath.Join(cfg.Storage.DataDir, "events"), "felling")
	require.NoError(t, err)
	require.NotEmpty(t, files)
	var kinds []eventlog.Kind
	for _, f := range files {
		events, err := eventlog.ReadFile(f)
		require.NoError(t, err)
		for _, ev := range events {
			kinds = append(kinds, ev.Kind)
		}
	}
	require.Equal(t, []eventlog.Kind{eventlog.KindChop, eventlog.KindLanded}, kinds)
}

func TestChopNonLogBreaksBlock(t *testing.T) {
	srv := newTestServer(t, testConfig(t))

	reply := srv.chop(context.Background(), network.ChopRequest{Player: "alex", X: 5, Y: 5, Z: 3})
	require.Equal(t, network.ChopBroken, reply.Result)
	require.NotEmpty(t, reply.Message)
	require.True(t, blockAt(t, srv, 5, 5, 3).IsAir())
	require.Equal(t, 1, itemsByMaterial(srv)[world.MaterialGrass])
}

func TestChopDisabledBreaksSingleLog(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	plantPole(t, srv, 10, 10)
	ctx := context.Background()
	require.False(t, srv.setChopping(ctx, "alex", false))

	reply := srv.chop(ctx, network.ChopRequest{Player: "alex", X: 10, Y: 10, Z: 4})
	require.Equal(t, network.ChopDisabled, reply.Result)
	require.True(t, blockAt(t, srv, 10, 10, 4).IsAir())
	require.Empty(t, srv.felling.Active())
	require.GreaterOrEqual(t, itemsByMaterial(srv)["oak_log"], 1)
}

func TestChopRejectsAirAndMissingPlayer(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	ctx := context.Background()

	reply := srv.chop(ctx, network.ChopRequest{Player: "alex", X: 5, Y: 5, Z: 20})
	require.Equal(t, network.ChopRejected, reply.Result)

	reply = srv.chop(ctx, network.ChopRequest{X: 5, Y: 5, Z: 3})
	require.Equal(t, network.ChopRejected, reply.Result)
	require.Equal(t, world.MaterialGrass, blockAt(t, srv, 5, 5, 3).Material)
}

func TestChopBusyLeavesTreeStanding(t *testing.T) {
	cfg := testConfig(t)
	cfg.Felling.MaxActive = 1
	srv := newTestServer(t, cfg)
	plantPole(t, srv, 6, 6)
	plantPole(t, srv, 22, 22)
	ctx := context.Background()

	first := srv.chop(ctx, network.ChopRequest{Player: "alex", X: 6, Y: 6, Z: 4})
	require.Equal(t, network.ChopFelled, first.Result)
	second := srv.chop(ctx, network.ChopRequest{Player: "sam", X: 22, Y: 22, Z: 4})
	require.Equal(t, network.ChopBusy, second.Result)
	require.Equal(t, "oak_log", blockAt(t, srv, 22, 22, 4).Material)

	tickUntilIdle(t, srv)
	third := srv.chop(ctx, network.ChopRequest{Player: "sam", X: 22, Y: 22, Z: 4})
	require.Equal(t, network.ChopFelled, third.Result)
}

func TestReloadAppliesFellingLimits(t *testing.T) {
	cfg := testConfig(t)
	srv := newTestServer(t, cfg)
	plantPole(t, srv, 6, 6)

	next := testConfig(t)
	next.Felling.MaxLogs = 3
	next.Felling.MaxVisited = 3
	srv.Reload(next)
	require.Equal(t, 3, srv.felling.Options().Felling.MaxLogs)

	reply := srv.chop(context.Background(), network.ChopRequest{Player: "alex", X: 6, Y: 6, Z: 4})
	require.Equal(t, network.ChopBroken, reply.Result)
	require.Contains(t, reply.Message, "scan limits")
}

func TestItemsFallToGroundAndExpire(t *testing.T) {
	cfg := testConfig(t)
	cfg.Replay.ItemLifetime = config.Duration(time.Second)
	srv := newTestServer(t, cfg)
	ctx := context.Background()
	require.NoError(t, srv.world.SetBlock(ctx, world.BlockCoord{X: 5, Y: 5, Z: 4}, world.NewBlock("oak_leaves"), world.ReasonLand, nil))

	srv.spawnItem("stick", world.BlockCoord{X: 5, Y: 5, Z: 6})
	var id entities.ID
	for _, ent := range srv.entities.Snapshots() {
		id = ent.ID
	}
	require.NotEmpty(t, id)

	for i := 1; i <= 15; i++ {
		srv.tickWorld(ctx, uint64(i), testTick, 1)
	}
	ent, ok := srv.entities.Entity(id)
	require.True(t, ok)
	// Leaves do not hold items; the grass top face at z=4 does.
	require.Equal(t, 4.0, ent.PositionVec().Z())
	require.Zero(t, ent.VelocityVec().Z())

	for i := 16; i <= 25; i++ {
		srv.tickWorld(ctx, uint64(i), testTick, 1)
	}
	_, ok = srv.entities.Entity(id)
	require.False(t, ok)
}

func TestGroundBelowStopsAtRegionFloor(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	ctx := context.Background()
	floor, err := srv.groundBelow(ctx, [3]float64{5.5, 5.5, 12.3})
	require.NoError(t, err)
	require.Equal(t, 4.0, floor)

	// Outside the region every voxel reads as air.
	floor, err = srv.groundBelow(ctx, [3]float64{-40.5, 5.5, 6})
	require.NoError(t, err)
	require.Equal(t, 0.0, floor)
}

func serveUDP(t *testing.T, srv *Server) *net.UDPConn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.net.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	conn, err := net.DialUDP("udp", nil, srv.net.LocalAddr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *net.UDPConn, msg network.MessageType, payload any) network.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := network.Encode(network.Envelope{Type: msg, Timestamp: time.Now().UTC(), Payload: raw})
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 64*1024)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	env, err := network.Decode(buf[:n])
	require.NoError(t, err)
	return env
}

func TestUDPChopAndToggle(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	plantPole(t, srv, 10, 10)
	conn := serveUDP(t, srv)

	env := roundTrip(t, conn, network.MessageHello, network.Hello{Player: "alex"})
	require.Equal(t, network.MessageHello, env.Type)
	hello, err := network.DecodePayload[network.Hello](env)
	require.NoError(t, err)
	require.Equal(t, "test", hello.ServerID)
	require.Equal(t, 2, hello.Region.Size)

	off := false
	env = roundTrip(t, conn, network.MessageToggleRequest, network.ToggleRequest{Player: "alex", Enabled: &off})
	toggle, err := network.DecodePayload[network.ToggleReply](env)
	require.NoError(t, err)
	require.False(t, toggle.Enabled)

	env = roundTrip(t, conn, network.MessageToggleRequest, network.ToggleRequest{Player: "alex"})
	toggle, err = network.DecodePayload[network.ToggleReply](env)
	require.NoError(t, err)
	require.False(t, toggle.Enabled)

	on := true
	roundTrip(t, conn, network.MessageToggleRequest, network.ToggleRequest{Player: "alex", Enabled: &on})

	env = roundTrip(t, conn, network.MessageChopRequest, network.ChopRequest{Player: "alex", X: 10, Y: 10, Z: 4, Facing: []float64{0, 1, 0}})
	require.Equal(t, network.MessageChopReply, env.Type)
	chop, err := network.DecodePayload[network.ChopReply](env)
	require.NoError(t, err)
	require.Equal(t, network.ChopFelled, chop.Result, chop.Message)
	require.Len(t, srv.felling.Active(), 1)
}

func TestSerializeEntityCarriesPose(t *testing.T) {
	ent := entities.Entity{
		ID:    "e1",
		Kind:  entities.KindFallingBlock,
		Group: "f1",
		Block: world.NewBlock("birch_log"),
	}
	ent.Orientation.W = 1
	state := serializeEntity(ent)
	require.Equal(t, "f1", state.Group)
	require.Equal(t, "birch_log", state.Material)
	require.Equal(t, []float64{1, 0, 0, 0}, state.Orientation)

	item := serializeEntity(entities.Entity{ID: "i1", Kind: entities.KindItem, Count: 3})
	require.Nil(t, item.Orientation)
	require.Equal(t, 3, item.Count)
}
