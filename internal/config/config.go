package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a JSON and YAML friendly wrapper around time.Duration that
// accepts human readable strings such as "50ms" in configuration files while
// still allowing numeric representations when necessary.
type Duration time.Duration

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalJSON encodes the duration using the canonical string representation.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON decodes a duration from either a string (e.g. "250ms") or a
// numeric value representing nanoseconds. Empty strings and null values decode
// to zero.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("duration: empty value")
	}
	if string(b) == "null" {
		*d = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("duration: decode string: %w", err)
		}
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*d = Duration(time.Duration(n))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*d = Duration(time.Duration(f))
		return nil
	}
	return fmt.Errorf("duration: invalid value %s", string(b))
}

// MarshalYAML encodes the duration as its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML mirrors UnmarshalJSON for YAML scalars.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration: expected scalar at line %d", node.Line)
	}
	if node.Tag == "!!int" {
		var n int64
		if err := node.Decode(&n); err != nil {
			return fmt.Errorf("duration: decode int: %w", err)
		}
		*d = Duration(time.Duration(n))
		return nil
	}
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration: parse %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config captures the tunable parameters needed to run a felling server.
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Chunk       ChunkConfig       `json:"chunk" yaml:"chunk"`
	Network     NetworkConfig     `json:"network" yaml:"network"`
	HTTP        HTTPConfig        `json:"http" yaml:"http"`
	Terrain     TerrainConfig     `json:"terrain" yaml:"terrain"`
	Felling     FellingConfig     `json:"felling" yaml:"felling"`
	Physics     PhysicsConfig     `json:"physics" yaml:"physics"`
	Replay      ReplayConfig      `json:"replay" yaml:"replay"`
	Environment EnvironmentConfig `json:"environment" yaml:"environment"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
}

type ServerConfig struct {
	ID          string   `json:"id" yaml:"id"`
	Description string   `json:"description" yaml:"description"`
	TickRate    Duration `json:"tickRate" yaml:"tickRate"`     // world tick, e.g. "50ms"
	StreamRate  Duration `json:"streamRate" yaml:"streamRate"` // how often block/entity deltas are flushed
	Workers     int      `json:"workers" yaml:"workers"`       // entity update workers
}

type ChunkConfig struct {
	Width         int        `json:"width" yaml:"width"`
	Depth         int        `json:"depth" yaml:"depth"`
	Height        int        `json:"height" yaml:"height"`
	ChunksPerAxis int        `json:"chunksPerAxis" yaml:"chunksPerAxis"`
	Origin        ChunkIndex `json:"origin" yaml:"origin"`
}

type NetworkConfig struct {
	ListenUDP            string   `json:"listenUdp" yaml:"listenUdp"`                       // ":19100"
	Subscribers          []string `json:"subscribers" yaml:"subscribers"`                   // UDP endpoints that receive deltas
	MaxDatagramSizeBytes int      `json:"maxDatagramSizeBytes" yaml:"maxDatagramSizeBytes"` // default to 64 KiB
	KeepAliveInterval    Duration `json:"keepAliveInterval" yaml:"keepAliveInterval"`
}

type HTTPConfig struct {
	Listen         string   `json:"listen" yaml:"listen"` // empty disables the admin/observer HTTP server
	AllowedOrigins []string `json:"allowedOrigins" yaml:"allowedOrigins"`
}

type TerrainConfig struct {
	Seed        int64    `json:"seed" yaml:"seed"`
	GroundLevel int      `json:"groundLevel" yaml:"groundLevel"`
	Amplitude   float64  `json:"amplitude" yaml:"amplitude"`
	Frequency   float64  `json:"frequency" yaml:"frequency"`
	TreeDensity float64  `json:"treeDensity" yaml:"treeDensity"` // chance per eligible column
	TreeSpacing int      `json:"treeSpacing" yaml:"treeSpacing"`
	Species     []string `json:"species" yaml:"species"`
}

// FellingConfig bounds the tree scanner and the scheduler.
type FellingConfig struct {
	DefaultEnabled  bool `json:"defaultEnabled" yaml:"defaultEnabled"`
	MaxActive       int  `json:"maxActive" yaml:"maxActive"`
	MaxTicks        int  `json:"maxTicks" yaml:"maxTicks"`
	MaxLogs         int  `json:"maxLogs" yaml:"maxLogs"`
	MaxLeaves       int  `json:"maxLeaves" yaml:"maxLeaves"`
	MaxVisited      int  `json:"maxVisited" yaml:"maxVisited"`
	MaxRadius       int  `json:"maxRadius" yaml:"maxRadius"`
	MaxDepth        int  `json:"maxDepth" yaml:"maxDepth"`
	MaxLeafDistance int  `json:"maxLeafDistance" yaml:"maxLeafDistance"`
	MinLeaves       int  `json:"minLeaves" yaml:"minLeaves"`
}

type PhysicsConfig struct {
	Gravity         float64 `json:"gravity" yaml:"gravity"`                 // blocks per second squared
	InitialTilt     float64 `json:"initialTilt" yaml:"initialTilt"`         // radians
	InitialSpin     float64 `json:"initialSpin" yaml:"initialSpin"`         // radians per second
	MaxFallAngle    float64 `json:"maxFallAngle" yaml:"maxFallAngle"`       // degrees
	SweepStep       float64 `json:"sweepStep" yaml:"sweepStep"`             // degrees
	PivotClearance  float64 `json:"pivotClearance" yaml:"pivotClearance"`   // blocks
	HeavinessWeight float64 `json:"heavinessWeight" yaml:"heavinessWeight"` // centre of mass term
	HintWeight      float64 `json:"hintWeight" yaml:"hintWeight"`           // chopper facing term
	WindWeight      float64 `json:"windWeight" yaml:"windWeight"`           // per unit of wind speed
}

type ReplayConfig struct {
	PlaceLogs     bool     `json:"placeLogs" yaml:"placeLogs"`
	SaplingChance float64  `json:"saplingChance" yaml:"saplingChance"`
	StickChance   float64  `json:"stickChance" yaml:"stickChance"`
	ItemLifetime  Duration `json:"itemLifetime" yaml:"itemLifetime"`
}

type EnvironmentConfig struct {
	WeatherMinDuration Duration `json:"weatherMinDuration" yaml:"weatherMinDuration"`
	WeatherMaxDuration Duration `json:"weatherMaxDuration" yaml:"weatherMaxDuration"`
	StormChance        float64  `json:"stormChance" yaml:"stormChance"`
	RainChance         float64  `json:"rainChance" yaml:"rainChance"`
	WindBase           float64  `json:"windBase" yaml:"windBase"`
	WindVariance       float64  `json:"windVariance" yaml:"windVariance"`
	Seed               int64    `json:"seed" yaml:"seed"`
}

type StorageConfig struct {
	DataDir      string `json:"dataDir" yaml:"dataDir"`
	ChunkBackend string `json:"chunkBackend" yaml:"chunkBackend"` // "memory" or "disk"
	IndexDB      string `json:"indexDb" yaml:"indexDb"`           // sqlite path, empty disables
	EventLog     bool   `json:"eventLog" yaml:"eventLog"`
}

type ChunkIndex struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Load reads configuration from a JSON or YAML file if provided. An empty path
// returns defaults. The format is chosen by file extension.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := Decode(data, formatFor(path), cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Format names a configuration encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func formatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Decode checks data against the embedded schema and merges it over cfg.
func Decode(data []byte, format Format, cfg *Config) error {
	if err := validateSchema(data, format); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	return nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ID:          "logically-0",
			Description: "local development felling server",
			TickRate:    Duration(50 * time.Millisecond),
			StreamRate:  Duration(100 * time.Millisecond),
			Workers:     2,
		},
		Chunk: ChunkConfig{
			Width:         32,
			Depth:         32,
			Height:        128,
			ChunksPerAxis: 8,
		},
		Network: NetworkConfig{
			ListenUDP:            ":19100",
			Subscribers:          []string{},
			MaxDatagramSizeBytes: 1 << 16,
			KeepAliveInterval:    Duration(5 * time.Second),
		},
		HTTP: HTTPConfig{
			Listen:         "127.0.0.1:19180",
			AllowedOrigins: []string{"http://localhost:5173"},
		},
		Terrain: TerrainConfig{
			Seed:        1337,
			GroundLevel: 40,
			Amplitude:   6,
			Frequency:   0.02,
			TreeDensity: 0.02,
			TreeSpacing: 6,
			Species:     []string{"oak", "birch", "spruce", "jungle"},
		},
		Felling: FellingConfig{
			DefaultEnabled:  true,
			MaxActive:       16,
			MaxTicks:        200,
			MaxLogs:         256,
			MaxLeaves:       2048,
			MaxVisited:      20000,
			MaxRadius:       10,
			MaxDepth:        2,
			MaxLeafDistance: 6,
			MinLeaves:       4,
		},
		Physics: PhysicsConfig{
			Gravity:         20,
			InitialTilt:     0.04,
			InitialSpin:     0.2,
			MaxFallAngle:    90,
			SweepStep:       1,
			PivotClearance:  1.5,
			HeavinessWeight: 1,
			HintWeight:      0.5,
			WindWeight:      0.05,
		},
		Replay: ReplayConfig{
			PlaceLogs:     false,
			SaplingChance: 0.05,
			StickChance:   0.02,
			ItemLifetime:  Duration(5 * time.Minute),
		},
		Environment: EnvironmentConfig{
			WeatherMinDuration: Duration(2 * time.Minute),
			WeatherMaxDuration: Duration(5 * time.Minute),
			StormChance:        0.1,
			RainChance:         0.3,
			WindBase:           1.0,
			WindVariance:       3.0,
			Seed:               1337,
		},
		Storage: StorageConfig{
			DataDir:      "data",
			ChunkBackend: "memory",
			IndexDB:      "",
			EventLog:     false,
		},
	}
}

func (c *Config) Validate() error {
	if c.Server.ID == "" {
		return errors.New("server.id must be set")
	}
	if c.Server.TickRate <= 0 {
		return errors.New("server.tickRate must be positive")
	}
	if c.Server.Workers < 0 {
		return errors.New("server.workers cannot be negative")
	}
	if c.Chunk.Width <= 0 || c.Chunk.Depth <= 0 || c.Chunk.Height <= 0 {
		return errors.New("chunk dimensions must be positive")
	}
	if c.Chunk.ChunksPerAxis <= 0 {
		return errors.New("chunk.chunksPerAxis must be positive")
	}
	if c.Network.ListenUDP == "" {
		return errors.New("network.listenUdp must be set")
	}
	if c.Terrain.GroundLevel <= 0 || c.Terrain.GroundLevel >= c.Chunk.Height {
		return errors.New("terrain.groundLevel must lie inside the chunk height")
	}
	if c.Felling.MaxActive <= 0 {
		return errors.New("felling.maxActive must be positive")
	}
	if c.Felling.MaxTicks <= 0 {
		return errors.New("felling.maxTicks must be positive")
	}
	if c.Felling.MaxLogs <= 0 || c.Felling.MaxLeaves < 0 {
		return errors.New("felling.maxLogs must be positive and felling.maxLeaves cannot be negative")
	}
	if c.Felling.MaxVisited < c.Felling.MaxLogs {
		return errors.New("felling.maxVisited must be >= felling.maxLogs")
	}
	if c.Felling.MinLeaves > c.Felling.MaxLeaves {
		return errors.New("felling.minLeaves must be <= felling.maxLeaves")
	}
	if c.Physics.Gravity <= 0 {
		return errors.New("physics.gravity must be positive")
	}
	if c.Physics.MaxFallAngle <= 0 || c.Physics.MaxFallAngle > 180 {
		return errors.New("physics.maxFallAngle must be within (0, 180]")
	}
	if c.Physics.SweepStep <= 0 {
		return errors.New("physics.sweepStep must be positive")
	}
	if c.Replay.SaplingChance < 0 || c.Replay.StickChance < 0 ||
		c.Replay.SaplingChance+c.Replay.StickChance > 1 {
		return errors.New("replay sapling+stick chance must be within [0, 1]")
	}
	if c.Environment.WeatherMaxDuration > 0 && c.Environment.WeatherMaxDuration < c.Environment.WeatherMinDuration {
		return errors.New("environment.weatherMaxDuration must be >= weatherMinDuration")
	}
	if c.Environment.StormChance < 0 || c.Environment.RainChance < 0 {
		return errors.New("environment storm/rain chances cannot be negative")
	}
	if c.Environment.StormChance+c.Environment.RainChance > 1.0 {
		return errors.New("environment storm+rain chance must be <= 1")
	}
	switch c.Storage.ChunkBackend {
	case "", "memory", "disk":
	default:
		return fmt.Errorf("storage.chunkBackend %q is not supported", c.Storage.ChunkBackend)
	}
	return nil
}
