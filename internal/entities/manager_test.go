package entities

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/require"

	"github.com/justadeni/logically/internal/world"
)

func TestManagerIndexesByChunkAndGroup(t *testing.T) {
	m := NewManager("srv-a")
	a := &Entity{Kind: KindFallingBlock, Group: "f1", Chunk: ChunkMembership{Chunk: world.ChunkCoord{X: 1}}}
	b := &Entity{Kind: KindFallingBlock, Group: "f1"}
	c := &Entity{Kind: KindItem, Group: "f2"}
	for _, ent := range []*Entity{a, b, c} {
		require.NoError(t, m.Add(ent))
		require.NotEmpty(t, ent.ID)
	}
	require.Error(t, m.Add(&Entity{ID: a.ID}))
	require.Equal(t, "srv-a", a.Chunk.ServerID)

	require.Len(t, m.ByGroup("f1"), 2)
	require.Len(t, m.ByChunk(world.ChunkCoord{X: 1}), 1)

	m.Move(a.ID, world.ChunkCoord{X: 2})
	require.Empty(t, m.ByChunk(world.ChunkCoord{X: 1}))
	require.Len(t, m.ByChunk(world.ChunkCoord{X: 2}), 1)

	m.Remove(b.ID)
	require.Equal(t, 2, m.Len())
	require.ElementsMatch(t, []world.ChunkCoord{{X: 2}, {}}, m.ActiveChunks())
}

func TestApplyConcurrentReturnsDirtyAndRemovesDying(t *testing.T) {
	m := NewManager("srv")
	for i := 0; i < 20; i++ {
		require.NoError(t, m.Add(&Entity{Kind: KindItem, Attributes: map[string]float64{AttrItemLife: float64(i % 2)}}))
	}
	// Drain the dirty flag set by Add.
	m.Apply(func(*Entity) {})

	var calls atomic.Int32
	dirty := m.ApplyConcurrent(4, func(ent *Entity) {
		calls.Add(1)
		if life, _ := ent.Attribute(AttrItemLife); life == 0 {
			ent.Despawn()
		}
	})
	require.Equal(t, int32(20), calls.Load())
	require.Len(t, dirty, 10)
	for _, snap := range dirty {
		require.True(t, snap.Dying)
	}
	require.Equal(t, 10, m.Len())
	require.Empty(t, m.Apply(func(*Entity) {}))
}

func TestEntityGravityAndGroundClamp(t *testing.T) {
	ent := &Entity{Kind: KindItem, Position: mgl64.Vec3{0.5, 0.5, 3}}
	params := PhysicsParams{Gravity: 20, MaxFallSpeed: 10, SupportsGravity: true}

	ent.ApplyGravity(params, time.Second)
	require.Equal(t, -10.0, ent.Velocity.Z())
	ent.Advance(time.Second)
	require.InDelta(t, -7.0, ent.PositionVec().Z(), 1e-9)

	require.True(t, ent.ClampZ(1))
	require.Equal(t, 1.0, ent.PositionVec().Z())
	require.Equal(t, 0.0, ent.Velocity.Z())
	require.False(t, (&Entity{Position: mgl64.Vec3{0, 0, 5}}).ClampZ(1))
}

func TestSnapshotCopiesAttributes(t *testing.T) {
	ent := &Entity{Kind: KindItem}
	ent.SetAttribute(AttrItemLife, 30)
	snap := ent.Snapshot()
	snap.Attributes[AttrItemLife] = 0

	life, ok := ent.Attribute(AttrItemLife)
	require.True(t, ok)
	require.Equal(t, 30.0, life)

	left, ok := ent.ReduceAttribute(AttrItemLife, 12)
	require.True(t, ok)
	require.Equal(t, 18.0, left)
}

func TestDecayAttributeLeavesEntityClean(t *testing.T) {
	ent := &Entity{Kind: KindItem}
	ent.SetAttribute(AttrItemLife, 2)
	ent.MarkClean()

	left, ok := ent.DecayAttribute(AttrItemLife, 0.5)
	require.True(t, ok)
	require.Equal(t, 1.5, left)
	require.False(t, ent.Snapshot().Dirty)

	_, ok = ent.DecayAttribute("missing", 1)
	require.False(t, ok)
}
