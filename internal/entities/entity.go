package entities

import (
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"github.com/justadeni/logically/internal/world"
)

type ID string

// NewID returns a fresh random entity identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

type Kind string

const (
	// KindFallingBlock renders one block of a tree while it topples.
	KindFallingBlock Kind = "falling_block"
	// KindItem is a dropped item stack lying in the world.
	KindItem Kind = "item"
)

// AttrItemLife is the remaining lifetime of an item entity in seconds.
const AttrItemLife = "item_life"

type ChunkMembership struct {
	ServerID string           `json:"serverId"`
	Chunk    world.ChunkCoord `json:"chunk"`
}

type PhysicsParams struct {
	Gravity         float64
	MaxFallSpeed    float64
	SupportsGravity bool
}

type Entity struct {
	mu sync.RWMutex

	ID    ID              `json:"id"`
	Kind  Kind            `json:"kind"`
	Group string          `json:"group,omitempty"` // felling that spawned the entity
	Chunk ChunkMembership `json:"chunk"`

	Position    mgl64.Vec3 `json:"position"`
	Velocity    mgl64.Vec3 `json:"velocity"`
	Orientation mgl64.Quat `json:"orientation"`

	// Block is the rendered block of a falling block, or the item material.
	Block world.Block `json:"block"`
	// Offset is the block centre relative to the felling pivot.
	Offset mgl64.Vec3 `json:"offset"`
	Count  int        `json:"count,omitempty"`

	Attributes map[string]float64 `json:"attributes,omitempty"`

	LastTick time.Time `json:"-"`
	Dirty    bool      `json:"-"`
	Dying    bool      `json:"dying,omitempty"`
}

func (e *Entity) Snapshot() Entity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	copyEntity := Entity{
		ID:          e.ID,
		Kind:        e.Kind,
		Group:       e.Group,
		Chunk:       e.Chunk,
		Position:    e.Position,
		Velocity:    e.Velocity,
		Orientation: e.Orientation,
		Block:       world.CloneBlock(e.Block),
		Offset:      e.Offset,
		Count:       e.Count,
		LastTick:    e.LastTick,
		Dirty:       e.Dirty,
		Dying:       e.Dying,
	}
	if e.Attributes != nil {
		copyEntity.Attributes = make(map[string]float64, len(e.Attributes))
		for k, v := range e.Attributes {
			copyEntity.Attributes[k] = v
		}
	}
	return copyEntity
}

func (e *Entity) UpdateChunk(serverID string, coord world.ChunkCoord) {
	e.mu.Lock()
	e.Chunk.ServerID = serverID
	e.Chunk.Chunk = coord
	e.Dirty = true
	e.mu.Unlock()
}

func (e *Entity) Advance(delta time.Duration) {
	e.mu.Lock()
	e.Position = e.Position.Add(e.Velocity.Mul(delta.Seconds()))
	e.LastTick = time.Now()
	e.Dirty = true
	e.mu.Unlock()
}

func (e *Entity) ApplyGravity(params PhysicsParams, delta time.Duration) {
	if params.Gravity == 0 || !params.SupportsGravity {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Velocity[2] -= params.Gravity * delta.Seconds()
	if params.MaxFallSpeed > 0 && e.Velocity[2] < -params.MaxFallSpeed {
		e.Velocity[2] = -params.MaxFallSpeed
	}
	e.Dirty = true
}

// ClampZ keeps the entity at or above min and reports whether it rests there.
func (e *Entity) ClampZ(min float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Position[2] > min {
		return false
	}
	if e.Position[2] < min || e.Velocity[2] != 0 {
		e.Position[2] = min
		if e.Velocity[2] < 0 {
			e.Velocity[2] = 0
		}
		e.Dirty = true
	}
	return true
}

func (e *Entity) MarkClean() {
	e.mu.Lock()
	e.Dirty = false
	e.mu.Unlock()
}

// SetPose moves and rotates the entity in one step.
func (e *Entity) SetPose(pos mgl64.Vec3, orientation mgl64.Quat) {
	e.mu.Lock()
	e.Position = pos
	e.Orientation = orientation
	e.Dirty = true
	e.mu.Unlock()
}

func (e *Entity) PositionVec() mgl64.Vec3 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Position
}

func (e *Entity) VelocityVec() mgl64.Vec3 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Velocity
}

// Despawn flags the entity for removal on the next manager pass.
func (e *Entity) Despawn() {
	e.mu.Lock()
	e.Dying = true
	e.Dirty = true
	e.mu.Unlock()
}

func (e *Entity) ReduceAttribute(key string, amount float64) (float64, bool) {
	if amount == 0 {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Attributes == nil {
		return 0, false
	}
	value, ok := e.Attributes[key]
	if !ok {
		return 0, false
	}
	value -= amount
	e.Attributes[key] = value
	e.Dirty = true
	return value, true
}

// DecayAttribute lowers an attribute like ReduceAttribute without marking the
// entity dirty, for counters clients do not need every tick.
func (e *Entity) DecayAttribute(key string, amount float64) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	value, ok := e.Attributes[key]
	if !ok {
		return 0, false
	}
	value -= amount
	e.Attributes[key] = value
	return value, true
}

func (e *Entity) Attribute(key string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.Attributes == nil {
		return 0, false
	}
	value, ok := e.Attributes[key]
	return value, ok
}

func (e *Entity) SetAttribute(key string, value float64) {
	e.mu.Lock()
	if e.Attributes == nil {
		e.Attributes = make(map[string]float64)
	}
	e.Attributes[key] = value
	e.Dirty = true
	e.mu.Unlock()
}
