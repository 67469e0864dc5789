package world

import (
	"sort"
	"sync"
)

// MaterialClass groups materials by how the felling system treats them.
type MaterialClass string

const (
	ClassLog     MaterialClass = "log"
	ClassLeaves  MaterialClass = "leaves"
	ClassSapling MaterialClass = "sapling"
	ClassGround  MaterialClass = "ground"
	ClassItem    MaterialClass = "item"
	ClassOther   MaterialClass = "other"
)

// MaterialInfo captures visual styling and felling classification for a material.
type MaterialInfo struct {
	Name    string
	Class   MaterialClass
	Species string
	Color   string
	Texture string
}

const (
	MaterialGrass = "grass"
	MaterialDirt  = "dirt"
	MaterialStone = "stone"
	MaterialStick = "stick"
)

// Species enumerates the built-in tree species.
var Species = []string{"oak", "birch", "spruce", "jungle"}

var speciesColors = map[string][3]string{
	// log, leaves, sapling
	"oak":    {"#6b5131", "#4a8f2c", "#5f9c3a"},
	"birch":  {"#d7d3c8", "#80a755", "#8fb865"},
	"spruce": {"#3b2a1a", "#2f5a35", "#3f6b42"},
	"jungle": {"#56431f", "#30bb0b", "#45c020"},
}

var (
	materialsMu sync.RWMutex
	materials   = defaultMaterials()
)

func defaultMaterials() map[string]MaterialInfo {
	out := map[string]MaterialInfo{
		MaterialGrass: {Name: MaterialGrass, Class: ClassGround, Color: "#5d9b3d", Texture: "assets/textures/grass.png"},
		MaterialDirt:  {Name: MaterialDirt, Class: ClassGround, Color: "#8b5a2b", Texture: "assets/textures/dirt.png"},
		MaterialStone: {Name: MaterialStone, Class: ClassGround, Color: "#7d7d7d", Texture: "assets/textures/stone.png"},
		MaterialStick: {Name: MaterialStick, Class: ClassItem, Color: "#8a6a3a", Texture: "assets/textures/stick.png"},
	}
	for _, species := range Species {
		colors := speciesColors[species]
		add := func(suffix string, class MaterialClass, color string) {
			name := species + "_" + suffix
			out[name] = MaterialInfo{
				Name:    name,
				Class:   class,
				Species: species,
				Color:   color,
				Texture: "assets/textures/" + name + ".png",
			}
		}
		add("log", ClassLog, colors[0])
		add("wood", ClassLog, colors[0])
		add("leaves", ClassLeaves, colors[1])
		add("sapling", ClassSapling, colors[2])
		add("planks", ClassOther, colors[0])
	}
	return out
}

// RegisterMaterial adds or replaces a material definition.
func RegisterMaterial(info MaterialInfo) {
	if info.Name == "" {
		return
	}
	materialsMu.Lock()
	materials[info.Name] = info
	materialsMu.Unlock()
}

// LookupMaterial returns the definition of a material.
func LookupMaterial(name string) (MaterialInfo, bool) {
	materialsMu.RLock()
	info, ok := materials[name]
	materialsMu.RUnlock()
	return info, ok
}

// ClassOf returns the class of a material, ClassOther when unknown.
func ClassOf(name string) MaterialClass {
	if info, ok := LookupMaterial(name); ok {
		return info.Class
	}
	return ClassOther
}

func materialsWhere(match func(MaterialInfo) bool) []string {
	materialsMu.RLock()
	defer materialsMu.RUnlock()
	out := make([]string, 0, 2)
	for name, info := range materials {
		if match(info) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// LogMaterials lists the log materials of a species.
func LogMaterials(species string) []string {
	return materialsWhere(func(info MaterialInfo) bool {
		return info.Species == species && info.Class == ClassLog
	})
}

// LeafMaterials lists the leaf materials of a species.
func LeafMaterials(species string) []string {
	return materialsWhere(func(info MaterialInfo) bool {
		return info.Species == species && info.Class == ClassLeaves
	})
}

// SaplingFor returns the sapling material of a species.
func SaplingFor(species string) (string, bool) {
	names := materialsWhere(func(info MaterialInfo) bool {
		return info.Species == species && info.Class == ClassSapling
	})
	if len(names) == 0 {
		return "", false
	}
	return names[0], true
}

// ApplyAppearance copies the known appearance settings for the provided material
// onto the block. If the material is unknown the block retains the provided name
// and leaves color/texture untouched, allowing callers to define their own.
func ApplyAppearance(block *Block, material string) {
	if block == nil {
		return
	}
	block.Material = material
	if preset, ok := LookupMaterial(material); ok {
		block.Color = preset.Color
		block.Texture = preset.Texture
	}
}

// NewBlock builds a block of the given material with the physical properties
// of its class.
func NewBlock(material string) Block {
	var block Block
	switch ClassOf(material) {
	case ClassLog:
		block = Block{Type: BlockSolid, HitPoints: 60, MaxHitPoints: 60, ConnectingForce: 600, Weight: 18, Axis: AxisZ}
	case ClassLeaves:
		block = Block{Type: BlockFoliage, HitPoints: 5, MaxHitPoints: 5, ConnectingForce: 45, Weight: 3}
	case ClassSapling:
		block = Block{Type: BlockFoliage, HitPoints: 1, MaxHitPoints: 1, ConnectingForce: 5, Weight: 1}
	case ClassGround:
		block = Block{Type: BlockSolid, HitPoints: 80, MaxHitPoints: 80, ConnectingForce: 50000, Weight: 20}
	default:
		block = Block{Type: BlockSolid, HitPoints: 40, MaxHitPoints: 40, ConnectingForce: 160, Weight: 10}
	}
	ApplyAppearance(&block, material)
	return block
}
