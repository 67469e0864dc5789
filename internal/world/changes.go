package world

import "sort"

type ChangeReason string

const (
	ReasonDamage   ChangeReason = "damage"
	ReasonDestroy  ChangeReason = "destroy"
	ReasonFell     ChangeReason = "fell"
	ReasonLand     ChangeReason = "land"
	ReasonCollapse ChangeReason = "collapse"
)

// Later stages of a felling outrank earlier ones on the same voxel.
var reasonPriority = map[ChangeReason]int{
	ReasonDamage:   1,
	ReasonDestroy:  2,
	ReasonFell:     3,
	ReasonLand:     4,
	ReasonCollapse: 5,
}

// ReasonPriority ranks a change reason; unknown reasons rank lowest.
func ReasonPriority(reason ChangeReason) int {
	return reasonPriority[reason]
}

// BlockChange captures the before/after state of a block mutation.
type BlockChange struct {
	Coord  BlockCoord
	Before Block
	After  Block
	Reason ChangeReason
}

// ChangeSummary accumulates block mutations and the chunks they touched.
type ChangeSummary struct {
	changes map[BlockCoord]BlockChange
	chunks  map[ChunkCoord]struct{}
}

func NewChangeSummary() *ChangeSummary {
	return &ChangeSummary{
		changes: make(map[BlockCoord]BlockChange),
		chunks:  make(map[ChunkCoord]struct{}),
	}
}

// AddChange records change unless a higher priority change already covers the
// voxel. The earliest Before state is always kept.
func (s *ChangeSummary) AddChange(change BlockChange) {
	if s.changes == nil {
		s.changes = make(map[BlockCoord]BlockChange)
	}
	if existing, ok := s.changes[change.Coord]; ok {
		if ReasonPriority(existing.Reason) > ReasonPriority(change.Reason) {
			return
		}
		change.Before = existing.Before
	}
	s.changes[change.Coord] = change
}

func (s *ChangeSummary) AddChunk(coord ChunkCoord) {
	if s.chunks == nil {
		s.chunks = make(map[ChunkCoord]struct{})
	}
	s.chunks[coord] = struct{}{}
}

// Changes returns the recorded changes ordered by coordinate.
func (s *ChangeSummary) Changes() []BlockChange {
	if s == nil || len(s.changes) == 0 {
		return nil
	}
	out := make([]BlockChange, 0, len(s.changes))
	for _, change := range s.changes {
		out = append(out, change)
	}
	sort.Slice(out, func(i, j int) bool { return coordLess(out[i].Coord, out[j].Coord) })
	return out
}

// Change returns the change recorded for a voxel.
func (s *ChangeSummary) Change(coord BlockCoord) (BlockChange, bool) {
	if s == nil {
		return BlockChange{}, false
	}
	change, ok := s.changes[coord]
	return change, ok
}

func (s *ChangeSummary) Len() int {
	if s == nil {
		return 0
	}
	return len(s.changes)
}

// DirtyChunks lists the chunks holding recorded changes.
func (s *ChangeSummary) DirtyChunks() []ChunkCoord {
	if s == nil || len(s.chunks) == 0 {
		return nil
	}
	out := make([]ChunkCoord, 0, len(s.chunks))
	for coord := range s.chunks {
		out = append(out, coord)
	}
	return out
}

// ByReason lists the voxels whose latest change has the given reason.
func (s *ChangeSummary) ByReason(reason ChangeReason) []BlockCoord {
	if s == nil || len(s.changes) == 0 {
		return nil
	}
	out := make([]BlockCoord, 0)
	for coord, change := range s.changes {
		if change.Reason == reason {
			out = append(out, coord)
		}
	}
	if len(out) == 0 {
		return nil
	}
	sort.Slice(out, func(i, j int) bool { return coordLess(out[i], out[j]) })
	return out
}

func coordLess(a, b BlockCoord) bool {
	if a.Z != b.Z {
		return a.Z < b.Z
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.X < b.X
}

// CloneBlock returns a deep copy of block.
func CloneBlock(block Block) Block {
	dup := block
	if block.Metadata != nil {
		dup.Metadata = make(map[string]any, len(block.Metadata))
		for k, v := range block.Metadata {
			dup.Metadata[k] = v
		}
	}
	return dup
}
