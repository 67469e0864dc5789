package network

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MessageHello         MessageType = "hello"
	MessageKeepAlive     MessageType = "keepAlive"
	MessageChopRequest   MessageType = "chopRequest"
	MessageChopReply     MessageType = "chopReply"
	MessageToggleRequest MessageType = "toggleRequest"
	MessageToggleReply   MessageType = "toggleReply"
	MessageChunkDelta    MessageType = "chunkDelta"
	MessageEntityUpdate  MessageType = "entityUpdate"
	MessageFellStarted   MessageType = "fellStarted"
	MessageFellLanded    MessageType = "fellLanded"
)

type Envelope struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq"`
	Payload   json.RawMessage `json:"payload"`
}

type Hello struct {
	ServerID string `json:"serverId"`
	Player   string `json:"player,omitempty"`
	Region   struct {
		OriginX int `json:"originX"`
		OriginY int `json:"originY"`
		Size    int `json:"size"`
	} `json:"region"`
}

type KeepAlive struct {
	ServerID string    `json:"serverId"`
	Time     time.Time `json:"time"`
}

// ChopRequest asks the server to fell the tree containing the block.
type ChopRequest struct {
	Player string    `json:"player"`
	X      int       `json:"x"`
	Y      int       `json:"y"`
	Z      int       `json:"z"`
	Facing []float64 `json:"facing,omitempty"`
}

// Chop outcomes reported in ChopReply.Result.
const (
	ChopFelled    = "felled"
	ChopBroken    = "broken"    // single block broken without a felling
	ChopDisabled  = "disabled"  // the player turned felling off
	ChopCancelled = "cancelled" // a handler cancelled the felling
	ChopBusy      = "busy"
	ChopRejected  = "rejected"
)

type ChopReply struct {
	Player       string    `json:"player"`
	X            int       `json:"x"`
	Y            int       `json:"y"`
	Z            int       `json:"z"`
	Result       string    `json:"result"`
	FellingID    string    `json:"fellingId,omitempty"`
	Species      string    `json:"species,omitempty"`
	Logs         int       `json:"logs,omitempty"`
	Leaves       int       `json:"leaves,omitempty"`
	Axis         []float64 `json:"axis,omitempty"`
	LandingAngle float64   `json:"landingAngle,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// ToggleRequest reads the player's felling toggle, or sets it when Enabled
// is present.
type ToggleRequest struct {
	Player  string `json:"player"`
	Enabled *bool  `json:"enabled,omitempty"`
}

type ToggleReply struct {
	Player  string `json:"player"`
	Enabled bool   `json:"enabled"`
}

type ChunkDelta struct {
	ServerID  string        `json:"serverId"`
	ChunkX    int           `json:"chunkX"`
	ChunkY    int           `json:"chunkY"`
	Seq       uint64        `json:"seq"`
	Timestamp time.Time     `json:"timestamp"`
	Blocks    []BlockChange `json:"blocks"`
}

// BlockTypeCode encodes well-known block types into a compact numeric value for
// transmission.
type BlockTypeCode uint8

const (
	BlockTypeUnknown BlockTypeCode = iota
	BlockTypeAir
	BlockTypeSolid
	BlockTypeFoliage
)

// ChangeReasonCode encodes change reasons into a compact numeric value.
type ChangeReasonCode uint8

const (
	ChangeReasonUnknown ChangeReasonCode = iota
	ChangeReasonDamage
	ChangeReasonDestroy
	ChangeReasonFell
	ChangeReasonLand
	ChangeReasonCollapse
)

type BlockChange struct {
	X        int              `json:"x"`
	Y        int              `json:"y"`
	Z        int              `json:"z"`
	Type     BlockTypeCode    `json:"type"`
	Material string           `json:"material,omitempty"`
	Color    string           `json:"color,omitempty"`
	Texture  string           `json:"texture,omitempty"`
	Axis     string           `json:"axis,omitempty"`
	HP       float64          `json:"hp"`
	MaxHP    float64          `json:"maxHp"`
	Reason   ChangeReasonCode `json:"reason"`
}

type EntityUpdate struct {
	EntityID string      `json:"entityId"`
	ServerID string      `json:"serverId"`
	ChunkX   int         `json:"chunkX"`
	ChunkY   int         `json:"chunkY"`
	State    EntityState `json:"state"`
}

type EntityState struct {
	ID          string             `json:"id"`
	Kind        string             `json:"kind"`
	Group       string             `json:"group,omitempty"`
	ChunkX      int                `json:"chunkX"`
	ChunkY      int                `json:"chunkY"`
	Position    []float64          `json:"position"`
	Velocity    []float64          `json:"velocity,omitempty"`
	Orientation []float64          `json:"orientation,omitempty"` // w, x, y, z
	Material    string             `json:"material,omitempty"`
	Count       int                `json:"count,omitempty"`
	Attributes  map[string]float64 `json:"attributes,omitempty"`
	Dying       bool               `json:"dying"`
}

type EntityBatch struct {
	ServerID  string        `json:"serverId"`
	Seq       uint64        `json:"seq"`
	Timestamp time.Time     `json:"timestamp"`
	Entities  []EntityState `json:"entities"`
}

type FellStarted struct {
	FellingID    string    `json:"fellingId"`
	Player       string    `json:"player"`
	Species      string    `json:"species"`
	Origin       []int     `json:"origin"`
	Pivot        []float64 `json:"pivot"`
	Axis         []float64 `json:"axis"`
	Blocks       int       `json:"blocks"`
	LandingAngle float64   `json:"landingAngle"`
}

type ItemDrop struct {
	Position []float64 `json:"position"`
	Material string    `json:"material"`
	Count    int       `json:"count"`
}

type FellLanded struct {
	FellingID    string     `json:"fellingId"`
	Player       string     `json:"player"`
	LandingAngle float64    `json:"landingAngle"`
	Ticks        int        `json:"ticks"`
	Forced       bool       `json:"forced"`
	Placed       int        `json:"placed"`
	Drops        []ItemDrop `json:"drops"`
}

func Encode(msg Envelope) ([]byte, error) {
	return json.Marshal(msg)
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
