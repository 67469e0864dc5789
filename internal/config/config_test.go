package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestValidateDefaultConfig(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateDetectsInvalidConfigurations(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing server id",
			mutate:  func(cfg *Config) { cfg.Server.ID = "" },
			wantErr: "server.id must be set",
		},
		{
			name:    "non positive tick rate",
			mutate:  func(cfg *Config) { cfg.Server.TickRate = 0 },
			wantErr: "server.tickRate must be positive",
		},
		{
			name:    "non positive chunk dimensions",
			mutate:  func(cfg *Config) { cfg.Chunk.Width = 0 },
			wantErr: "chunk dimensions must be positive",
		},
		{
			name:    "missing chunk per axis",
			mutate:  func(cfg *Config) { cfg.Chunk.ChunksPerAxis = 0 },
			wantErr: "chunk.chunksPerAxis must be positive",
		},
		{
			name:    "missing network listen address",
			mutate:  func(cfg *Config) { cfg.Network.ListenUDP = "" },
			wantErr: "network.listenUdp must be set",
		},
		{
			name:    "ground above chunk",
			mutate:  func(cfg *Config) { cfg.Terrain.GroundLevel = cfg.Chunk.Height },
			wantErr: "terrain.groundLevel must lie inside the chunk height",
		},
		{
			name:    "no active fellings",
			mutate:  func(cfg *Config) { cfg.Felling.MaxActive = 0 },
			wantErr: "felling.maxActive must be positive",
		},
		{
			name:    "visit budget below log budget",
			mutate:  func(cfg *Config) { cfg.Felling.MaxVisited = cfg.Felling.MaxLogs - 1 },
			wantErr: "felling.maxVisited must be >= felling.maxLogs",
		},
		{
			name:    "fall angle out of range",
			mutate:  func(cfg *Config) { cfg.Physics.MaxFallAngle = 181 },
			wantErr: "physics.maxFallAngle must be within (0, 180]",
		},
		{
			name: "drop chances above one",
			mutate: func(cfg *Config) {
				cfg.Replay.SaplingChance = 0.7
				cfg.Replay.StickChance = 0.4
			},
			wantErr: "replay sapling+stick chance must be within [0, 1]",
		},
		{
			name: "weather max less than min",
			mutate: func(cfg *Config) {
				cfg.Environment.WeatherMinDuration = Duration(2 * time.Minute)
				cfg.Environment.WeatherMaxDuration = Duration(time.Minute)
			},
			wantErr: "environment.weatherMaxDuration must be >= weatherMinDuration",
		},
		{
			name:    "unknown chunk backend",
			mutate:  func(cfg *Config) { cfg.Storage.ChunkBackend = "s3" },
			wantErr: `storage.chunkBackend "s3" is not supported`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			require.EqualError(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadJSONOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{
		"server": {"id": "json-server", "tickRate": "40ms"},
		"felling": {"maxLogs": 64, "maxVisited": 512}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "json-server", cfg.Server.ID)
	require.Equal(t, 40*time.Millisecond, cfg.Server.TickRate.Duration())
	require.Equal(t, 64, cfg.Felling.MaxLogs)
	require.Equal(t, Default().Felling.MaxLeaves, cfg.Felling.MaxLeaves)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
server:
  id: yaml-server
  streamRate: 250ms
replay:
  placeLogs: true
  itemLifetime: 30000000000
terrain:
  species: [oak, spruce]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "yaml-server", cfg.Server.ID)
	require.Equal(t, 250*time.Millisecond, cfg.Server.StreamRate.Duration())
	require.True(t, cfg.Replay.PlaceLogs)
	require.Equal(t, 30*time.Second, cfg.Replay.ItemLifetime.Duration())
	require.Equal(t, []string{"oak", "spruce"}, cfg.Terrain.Species)
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		file string
		doc  string
	}{
		{name: "unknown section", file: "config.json", doc: `{"entities": {}}`},
		{name: "wrong type", file: "config.json", doc: `{"felling": {"maxLogs": "many"}}`},
		{name: "bad duration", file: "config.yaml", doc: "server:\n  tickRate: soon\n"},
		{name: "unknown species", file: "config.yaml", doc: "terrain:\n  species: [baobab]\n"},
		{name: "chance above one", file: "config.json", doc: `{"replay": {"saplingChance": 1.5}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.doc), 0o600))
			_, err := Load(path)
			require.Error(t, err)
			require.Contains(t, err.Error(), "schema")
		})
	}
}

func TestValidateSchemaKeepsNumberKinds(t *testing.T) {
	valid := `{"terrain": {"seed": 9007199254740993}, "replay": {"saplingChance": 0.25}, "felling": {"maxLogs": 12}}`
	require.NoError(t, validateSchema([]byte(valid), FormatJSON))
	require.NoError(t, validateSchema([]byte("felling:\n  maxLogs: 12\nreplay:\n  stickChance: 0.5\n"), FormatYAML))

	err := validateSchema([]byte(`{"felling": {"maxLogs": 3.5}}`), FormatJSON)
	require.Error(t, err)
	err = validateSchema([]byte(`{"felling": `), FormatJSON)
	require.ErrorContains(t, err, "parse config")
}

func TestDurationRoundTripsThroughYAMLAndJSON(t *testing.T) {
	cfg := Default()
	cfg.Server.TickRate = Duration(75 * time.Millisecond)

	encoded, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	var fromYAML Config
	require.NoError(t, Decode(encoded, FormatYAML, &fromYAML))
	require.Equal(t, cfg.Server.TickRate, fromYAML.Server.TickRate)

	encoded, err = json.Marshal(cfg)
	require.NoError(t, err)
	var fromJSON Config
	require.NoError(t, Decode(encoded, FormatJSON, &fromJSON))
	require.Equal(t, cfg.Server.TickRate, fromJSON.Server.TickRate)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"id": "first"}}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var latest atomic.Value
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(cfg *Config) { latest.Store(cfg.Server.ID) }, nil)
	}()

	// Give the watcher time to register before the write lands.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"id": "second"}}`), 0o600))

	require.Eventually(t, func() bool {
		id, _ := latest.Load().(string)
		return id == "second"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
