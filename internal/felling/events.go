package felling

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/justadeni/logically/internal/world"
)

// Context is passed to every event handler. Cancelling it stops whatever
// the event announces.
type Context struct {
	cancel bool
}

// Cancel cancels the event.
func (c *Context) Cancel() {
	c.cancel = true
}

// Cancelled reports whether a handler cancelled the event.
func (c *Context) Cancelled() bool {
	return c.cancel
}

// StartChop is fired after a tree has been scanned and before anything in
// the world changes. Logs, Leaves and Axis may be edited.
type StartChop struct {
	Logs   []world.BlockCoord
	Leaves []world.BlockCoord
	// Axis is the horizontal fall direction. It is normalised again after
	// the handlers ran.
	Axis mgl64.Vec3

	player        string
	root          mgl64.Vec3
	height        int
	logMaterials  []string
	leafMaterials []string
}

func newStartChop(player string, tree *Tree, axis mgl64.Vec3) *StartChop {
	return &StartChop{
		Logs:          append([]world.BlockCoord(nil), tree.Logs...),
		Leaves:        append([]world.BlockCoord(nil), tree.Leaves...),
		Axis:          axis,
		player:        player,
		root:          tree.Root,
		height:        tree.Height,
		logMaterials:  append([]string(nil), tree.LogMaterials...),
		leafMaterials: append([]string(nil), tree.LeafMaterials...),
	}
}

// Player is the one who struck the tree.
func (e *StartChop) Player() string { return e.player }

// Root is the pivot at the base of the tree.
func (e *StartChop) Root() mgl64.Vec3 { return e.root }

func (e *StartChop) Height() int { return e.height }

func (e *StartChop) LogMaterials() []string {
	return append([]string(nil), e.logMaterials...)
}

func (e *StartChop) LeafMaterials() []string {
	return append([]string(nil), e.leafMaterials...)
}

// DropItems is fired once a tree has landed, before its drops are spawned.
// Drops may be edited; cancelling spawns nothing.
type DropItems struct {
	Drops []Drop

	fellingID string
	player    string
	origin    world.BlockCoord
}

func newDropItems(replay *Replay, drops []Drop) *DropItems {
	return &DropItems{
		Drops:     drops,
		fellingID: replay.ID,
		player:    replay.Player,
		origin:    replay.Tree.Origin,
	}
}

func (e *DropItems) FellingID() string { return e.fellingID }

func (e *DropItems) Player() string { return e.player }

// Origin is the log the player struck.
func (e *DropItems) Origin() world.BlockCoord { return e.origin }

// Handler receives felling events. Embed NopHandler and override only the
// methods you need.
type Handler interface {
	HandleStartChop(ctx *Context, event *StartChop)
	HandleDropItems(ctx *Context, event *DropItems)
}

// NopHandler implements Handler and does nothing.
type NopHandler struct{}

var _ Handler = NopHandler{}

func (NopHandler) HandleStartChop(*Context, *StartChop) {}
func (NopHandler) HandleDropItems(*Context, *DropItems) {}
