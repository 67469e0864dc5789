package server

import (
	"testing"

	"github.com/justadeni/logically/internal/network"
	"github.com/justadeni/logically/internal/world"
)

func TestDeltaAccumulatorAddRespectsPriorities(t *testing.T) {
	accumulator := newDeltaAccumulator()
	chunk := world.ChunkCoord{X: 3, Y: 4}
	coord := world.BlockCoord{X: 5, Y: 6, Z: 7}

	originalBefore := world.NewBlock("oak_log")

	accumulator.add(chunk, world.BlockChange{
		Coord:  coord,
		Before: originalBefore,
		After:  world.Block{Type: world.BlockAir},
		Reason: world.ReasonFell,
	})

	// A chop on a voxel the tree already left is older news.
	accumulator.add(chunk, world.BlockChange{
		Coord:  coord,
		Before: world.NewBlock("oak_log"),
		After:  world.Block{Type: world.BlockAir},
		Reason: world.ReasonDestroy,
	})

	stored := accumulator.data[chunk][coord]
	if stored.Reason != world.ReasonFell {
		t.Fatalf("expected fell change to be retained, got %v", stored.Reason)
	}

	// An equal priority change keeps the original before block.
	accumulator.add(chunk, world.BlockChange{
		Coord:  coord,
		Before: world.NewBlock("birch_log"),
		After:  world.Block{Type: world.BlockAir},
		Reason: world.ReasonFell,
	})
	stored = accumulator.data[chunk][coord]
	if stored.Before.Material != originalBefore.Material {
		t.Fatalf("expected equal priority change to keep original before block, got %q", stored.Before.Material)
	}

	// Landing on the same voxel outranks the fell.
	landed := world.NewBlock("oak_log")
	landed.Axis = world.AxisX
	accumulator.add(chunk, world.BlockChange{
		Coord:  coord,
		Before: world.Block{Type: world.BlockAir},
		After:  landed,
		Reason: world.ReasonLand,
	})
	stored = accumulator.data[chunk][coord]
	if stored.Reason != world.ReasonLand || stored.After.Axis != world.AxisX {
		t.Fatalf("expected land change to replace fell, got %v axis %q", stored.Reason, stored.After.Axis)
	}
	if accumulator.pending() != 1 {
		t.Fatalf("expected one pending change, got %d", accumulator.pending())
	}
}

func TestDeltaAccumulatorFlushProducesNetworkDeltas(t *testing.T) {
	accumulator := newDeltaAccumulator()

	chunkA := world.ChunkCoord{X: 1, Y: 2}
	changeA := world.BlockChange{
		Coord:  world.BlockCoord{X: 9, Y: 10, Z: 11},
		After:  world.NewBlock("spruce_leaves"),
		Reason: world.ReasonLand,
	}
	chunkB := world.ChunkCoord{X: 3, Y: 4}
	changeB := world.BlockChange{
		Coord:  world.BlockCoord{X: 12, Y: 13, Z: 14},
		After:  world.Block{Type: world.BlockAir},
		Reason: world.ReasonCollapse,
	}

	accumulator.add(chunkB, changeB)
	accumulator.add(chunkA, changeA)

	seq := uint64(100)
	deltas := accumulator.flush("server-123", &seq)

	if len(deltas) != 2 {
		t.Fatalf("expected 2 deltas, got %d", len(deltas))
	}
	if seq != 102 {
		t.Fatalf("expected sequence pointer advanced to 102, got %d", seq)
	}
	if accumulator.pending() != 0 {
		t.Fatalf("expected accumulator to reset after flush")
	}

	first, second := deltas[0], deltas[1]
	if first.ChunkX != chunkA.X || first.Seq != 100 || second.ChunkX != chunkB.X || second.Seq != 101 {
		t.Fatalf("deltas not ordered by chunk: %+v", deltas)
	}
	if first.ServerID != "server-123" || first.Timestamp.IsZero() {
		t.Fatalf("unexpected delta header %+v", first)
	}

	leaf := first.Blocks[0]
	if leaf.X != 9 || leaf.Y != 10 || leaf.Z != 11 {
		t.Errorf("block coordinates mismatch: got (%d,%d,%d)", leaf.X, leaf.Y, leaf.Z)
	}
	if leaf.Type != network.BlockTypeFoliage || leaf.Material != "spruce_leaves" {
		t.Errorf("leaf encoded as type %d material %q", leaf.Type, leaf.Material)
	}
	if leaf.Reason != network.ChangeReasonLand {
		t.Errorf("reason mismatch: got %d", leaf.Reason)
	}
	air := second.Blocks[0]
	if air.Type != network.BlockTypeAir || air.Reason != network.ChangeReasonCollapse {
		t.Errorf("collapse encoded as type %d reason %d", air.Type, air.Reason)
	}
}

func TestDeltaAccumulatorFlushSortsBlocks(t *testing.T) {
	accumulator := newDeltaAccumulator()
	chunk := world.ChunkCoord{}
	for _, c := range []world.BlockCoord{{X: 2, Y: 0, Z: 5}, {X: 1, Y: 0, Z: 5}, {X: 3, Y: 3, Z: 4}} {
		accumulator.add(chunk, world.BlockChange{Coord: c, After: world.Block{Type: world.BlockAir}, Reason: world.ReasonFell})
	}
	var seq uint64
	deltas := accumulator.flush("s", &seq)
	if len(deltas) != 1 || len(deltas[0].Blocks) != 3 {
		t.Fatalf("unexpected deltas %+v", deltas)
	}
	got := deltas[0].Blocks
	if got[0].Z != 4 || got[1].X != 1 || got[2].X != 2 {
		t.Fatalf("blocks not sorted: %+v", got)
	}
}

func TestDeltaAccumulatorFlushEmptyReturnsNil(t *testing.T) {
	accumulator := newDeltaAccumulator()
	seq := uint64(5)
	if deltas := accumulator.flush("server-abc", &seq); deltas != nil {
		t.Fatalf("expected nil deltas for empty accumulator, got %#v", deltas)
	}
	if seq != 5 {
		t.Fatalf("expected sequence unchanged for empty flush, got %d", seq)
	}
}

func TestEncodeChangeReasonCoversFellingStages(t *testing.T) {
	cases := map[world.ChangeReason]network.ChangeReasonCode{
		world.ReasonDamage:   network.ChangeReasonDamage,
		world.ReasonDestroy:  network.ChangeReasonDestroy,
		world.ReasonFell:     network.ChangeReasonFell,
		world.ReasonLand:     network.ChangeReasonLand,
		world.ReasonCollapse: network.ChangeReasonCollapse,
		"other":              network.ChangeReasonUnknown,
	}
	for reason, want := range cases {
		if got := encodeChangeReason(reason); got != want {
			t.Errorf("encodeChangeReason(%q) = %d, want %d", reason, got, want)
		}
	}
}
