package world

import (
	"log"
	"sync"
)

// BlockType enumerates known world block categories.
type BlockType string

const (
	BlockAir     BlockType = "air"
	BlockSolid   BlockType = "solid"
	BlockFoliage BlockType = "foliage"
)

// Axis is the orientation of a directional block such as a log.
type Axis string

const (
	AxisZ Axis = "z"
	AxisX Axis = "x"
	AxisY Axis = "y"
)

type Block struct {
	Type            BlockType
	Material        string
	Color           string
	Texture         string
	HitPoints       float64
	MaxHitPoints    float64
	ConnectingForce float64
	Weight          float64
	Axis            Axis
	// Persistent marks player placed foliage, which never belongs to a tree.
	Persistent bool
	Metadata   map[string]any
}

// IsAir reports whether the block is empty space.
func (b Block) IsAir() bool {
	return blockIsAir(b)
}

// Obstructs reports whether a falling body collides with the block.
func (b Block) Obstructs() bool {
	return b.Type == BlockSolid
}

// Chunk stores a dense block grid and metadata for physics.
type Chunk struct {
	Key       ChunkCoord
	Bounds    Bounds
	mu        sync.RWMutex
	store     BlockStorage
	dimension Dimensions
}

func NewChunk(key ChunkCoord, bounds Bounds, dim Dimensions) *Chunk {
	store, err := getStorageProvider().NewStorage(key, bounds, dim)
	if err != nil {
		log.Printf("chunk storage unavailable for %v: %v", key, err)
		store, _ = newMemoryStorageProvider().NewStorage(key, bounds, dim)
	}
	return &Chunk{
		Key:       key,
		Bounds:    bounds,
		store:     store,
		dimension: dim,
	}
}

func (c *Chunk) columnIndex(localX, localY int) int {
	return localY*c.dimension.Width + localX
}

func (c *Chunk) inBounds(localX, localY, localZ int) bool {
	return localX >= 0 && localY >= 0 && localZ >= 0 &&
		localX < c.dimension.Width && localY < c.dimension.Depth && localZ < c.dimension.Height
}

func blockIsAir(block Block) bool {
	return block.Type == "" || block.Type == BlockAir
}

func trimColumn(column []Block) []Block {
	end := len(column)
	for end > 0 && blockIsAir(column[end-1]) {
		end--
	}
	return column[:end]
}

func (c *Chunk) GlobalToLocal(coord BlockCoord) (int, int, int, bool) {
	if coord.X < c.Bounds.Min.X || coord.X > c.Bounds.Max.X ||
		coord.Y < c.Bounds.Min.Y || coord.Y > c.Bounds.Max.Y ||
		coord.Z < c.Bounds.Min.Z || coord.Z > c.Bounds.Max.Z {
		return 0, 0, 0, false
	}
	return coord.X - c.Bounds.Min.X,
		coord.Y - c.Bounds.Min.Y,
		coord.Z - c.Bounds.Min.Z, true
}

func (c *Chunk) storage() BlockStorage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store
}

func (c *Chunk) LocalBlock(localX, localY, localZ int) (Block, bool) {
	if !c.inBounds(localX, localY, localZ) {
		return Block{}, false
	}
	store := c.storage()
	if store == nil {
		return Block{}, false
	}
	idx := c.columnIndex(localX, localY)
	column, ok, err := store.LoadColumn(idx)
	if err != nil {
		log.Printf("chunk %v load column %d: %v", c.Key, idx, err)
		return Block{}, false
	}
	if !ok || localZ >= len(column) || blockIsAir(column[localZ]) {
		return Block{Type: BlockAir}, true
	}
	return column[localZ], true
}

func (c *Chunk) SetLocalBlock(localX, localY, localZ int, block Block) bool {
	if !c.inBounds(localX, localY, localZ) {
		return false
	}
	// Column read-modify-write must not interleave with another writer.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return false
	}
	idx := c.columnIndex(localX, localY)
	column, ok, err := c.store.LoadColumn(idx)
	if err != nil {
		log.Printf("chunk %v load column %d: %v", c.Key, idx, err)
		return false
	}
	if !ok {
		column = make([]Block, localZ+1)
	} else if localZ >= len(column) {
		expanded := make([]Block, localZ+1)
		copy(expanded, column)
		column = expanded
	}
	if blockIsAir(block) {
		column[localZ] = Block{}
	} else {
		column[localZ] = block
	}
	if err := c.persistColumnLocked(idx, column); err != nil {
		log.Printf("chunk %v persist column %d: %v", c.Key, idx, err)
		return false
	}
	return true
}

func (c *Chunk) persistColumnLocked(idx int, column []Block) error {
	column = trimColumn(column)
	if len(column) == 0 {
		return c.store.Delete(idx)
	}
	return c.store.SaveColumn(idx, column)
}

func (c *Chunk) ClearLocalBlock(localX, localY, localZ int) bool {
	return c.SetLocalBlock(localX, localY, localZ, Block{Type: BlockAir})
}

// ForEachBlock iterates over blocks, invoking fn with global coordinates.
func (c *Chunk) ForEachBlock(fn func(global BlockCoord, block Block) bool) {
	store := c.storage()
	if store == nil {
		return
	}
	bounds := c.Bounds
	dim := c.dimension

	if err := store.ForEach(func(idx int, column []Block) bool {
		localX := idx % dim.Width
		localY := idx / dim.Width
		for localZ, block := range column {
			if blockIsAir(block) {
				continue
			}
			global := BlockCoord{
				X: bounds.Min.X + localX,
				Y: bounds.Min.Y + localY,
				Z: bounds.Min.Z + localZ,
			}
			if !fn(global, block) {
				return false
			}
		}
		return true
	}); err != nil {
		log.Printf("chunk %v iterate blocks: %v", c.Key, err)
	}
}

func (c *Chunk) Dimensions() Dimensions {
	return c.dimension
}

// HasStoredBlocks reports whether the chunk already has any persisted block data.
func (c *Chunk) HasStoredBlocks() bool {
	store := c.storage()
	if store == nil {
		return false
	}

	hasBlocks := false
	if err := store.ForEach(func(_ int, column []Block) bool {
		for _, block := range column {
			if !blockIsAir(block) {
				hasBlocks = true
				return false
			}
		}
		return true
	}); err != nil {
		log.Printf("chunk %v check stored blocks: %v", c.Key, err)
	}
	return hasBlocks
}

// ColumnTop returns the local Z of the highest non-air block in the column,
// or -1 for an empty column.
func (c *Chunk) ColumnTop(localX, localY int) int {
	if !c.inBounds(localX, localY, 0) {
		return -1
	}
	store := c.storage()
	if store == nil {
		return -1
	}
	column, ok, err := store.LoadColumn(c.columnIndex(localX, localY))
	if err != nil || !ok {
		return -1
	}
	return len(trimColumn(column)) - 1
}

func (c *Chunk) EvaluateColumnStability(localX, localY int) ([]StabilityReport, error) {
	return evaluateColumnStability(c, localX, localY)
}

// DamageLocalBlock removes amount hit points from the block. It returns the
// block after the hit and whether anything changed. A destroyed block comes
// back as air.
func (c *Chunk) DamageLocalBlock(localX, localY, localZ int, amount float64) (Block, bool) {
	if amount <= 0 || !c.inBounds(localX, localY, localZ) {
		return Block{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return Block{}, false
	}
	idx := c.columnIndex(localX, localY)
	column, ok, err := c.store.LoadColumn(idx)
	if err != nil {
		log.Printf("chunk %v load column %d: %v", c.Key, idx, err)
		return Block{}, false
	}
	if !ok || localZ >= len(column) || blockIsAir(column[localZ]) {
		return Block{}, false
	}
	block := column[localZ]
	block.HitPoints -= amount
	if block.HitPoints <= 0 {
		column[localZ] = Block{}
		if err := c.persistColumnLocked(idx, column); err != nil {
			log.Printf("chunk %v persist column %d: %v", c.Key, idx, err)
			return Block{}, false
		}
		return Block{Type: BlockAir}, true
	}
	if block.MaxHitPoints > 0 && block.HitPoints > block.MaxHitPoints {
		block.HitPoints = block.MaxHitPoints
	}
	column[localZ] = block
	if err := c.persistColumnLocked(idx, column); err != nil {
		log.Printf("chunk %v save column %d: %v", c.Key, idx, err)
		return Block{}, false
	}
	return block, true
}

// SetColumnBlocks replaces the entire vertical column at the given local coordinates.
func (c *Chunk) SetColumnBlocks(localX, localY int, blocks []Block) bool {
	if localX < 0 || localY < 0 || localX >= c.dimension.Width || localY >= c.dimension.Depth {
		return false
	}
	column := make([]Block, len(blocks))
	copy(column, blocks)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return false
	}
	idx := c.columnIndex(localX, localY)
	if err := c.persistColumnLocked(idx, column); err != nil {
		log.Printf("chunk %v persist column %d: %v", c.Key, idx, err)
		return false
	}
	return true
}

// Close releases any resources held by the chunk's underlying storage.
func (c *Chunk) Close() error {
	store := c.storage()
	if store == nil {
		return nil
	}
	return store.Close()
}
