package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/justadeni/logically/internal/config"
	"github.com/justadeni/logically/internal/entities"
	"github.com/justadeni/logically/internal/environment"
	"github.com/justadeni/logically/internal/felling"
	"github.com/justadeni/logically/internal/terrain"
	"github.com/justadeni/logically/internal/world"
)

type countingGenerator struct {
	base  world.Generator
	loads atomic.Int64
}

func newCountingGenerator(base world.Generator) *countingGenerator {
	return &countingGenerator{base: base}
}

func (g *countingGenerator) Generate(ctx context.Context, coord world.ChunkCoord, bounds world.Bounds, dim world.Dimensions) (*world.Chunk, error) {
	chunk, err := g.base.Generate(ctx, coord, bounds, dim)
	if err == nil {
		g.loads.Add(1)
	}
	return chunk, err
}

func (g *countingGenerator) LoadCount() int64 {
	return g.loads.Load()
}

// fellingStats collects the outcome of every chop and landing.
type fellingStats struct {
	mu       sync.Mutex
	started  int
	rejected map[string]int
	landed   int
	forced   int
	placed   int
	logs     int
	leaves   int
	ticks    int
	drops    map[string]int
	chunks   map[world.ChunkCoord]struct{}
	angles   float64
}

func (s *fellingStats) reject(err error) {
	reason := "other"
	switch {
	case errors.Is(err, felling.ErrNotLog):
		reason = "not a log"
	case errors.Is(err, felling.ErrNotTree):
		reason = "not a tree"
	case errors.Is(err, felling.ErrTreeTooLarge):
		reason = "too large"
	case errors.Is(err, felling.ErrBusy):
		reason = "busy"
	}
	s.mu.Lock()
	s.rejected[reason]++
	s.mu.Unlock()
}

func (s *fellingStats) record(res felling.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.landed++
	if res.Forced {
		s.forced++
	}
	s.placed += len(res.Placed)
	s.logs += res.Logs
	s.leaves += res.Leaves
	s.ticks += res.Ticks
	s.angles += res.LandingAngle
	for _, drop := range res.Drops {
		s.drops[drop.Item.Material] += drop.Item.Count
	}
	for _, chunk := range res.Changes.DirtyChunks() {
		s.chunks[chunk] = struct{}{}
	}
}

func main() {
	var (
		configPath    = flag.String("config", "", "optional configuration file supplying felling, physics and terrain settings")
		concurrency   = flag.Int("concurrency", runtime.NumCPU(), "number of concurrent choppers")
		chunksPerAxis = flag.Int("chunks", 3, "chunks per axis to include in the region")
		limit         = flag.Int("trees", 0, "maximum number of trees to chop (0 chops every tree found)")
		tick          = flag.Duration("tick", 50*time.Millisecond, "simulated tick length")
		placeLogs     = flag.Bool("place", false, "place landed logs instead of dropping them")
		verbose       = flag.Bool("v", false, "log every felling")
	)
	flag.Parse()

	if *concurrency <= 0 || *chunksPerAxis <= 0 || *tick <= 0 {
		fmt.Fprintln(os.Stderr, "concurrency, chunks and tick must be positive")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Chunk.ChunksPerAxis = *chunksPerAxis
	cfg.Replay.PlaceLogs = *placeLogs
	// Everything is chopped at once; only the tick bound limits a felling.
	cfg.Felling.MaxActive = 1 << 20

	logger := log.New(io.Discard, "", 0)
	if *verbose {
		logger = log.New(os.Stderr, "fellsim ", log.Lmicroseconds)
	}

	region := world.NewServerRegion(cfg)
	generator := newCountingGenerator(terrain.NewNoiseGenerator(cfg.Terrain, *concurrency, logger))
	manager := world.NewManager(region, generator)
	store := entities.NewManager(cfg.Server.ID)
	env := environment.New(cfg.Environment)
	service := felling.New(manager, store, env, nil, felling.OptionsFromConfig(cfg), logger)

	stats := &fellingStats{
		rejected: make(map[string]int),
		drops:    make(map[string]int),
		chunks:   make(map[world.ChunkCoord]struct{}),
	}
	service.OnComplete(stats.record)

	ctx := context.Background()
	startGen := time.Now()
	bases, err := collectTreeBases(ctx, manager, region)
	if err != nil {
		fmt.Fprintf(os.Stderr, "collect trees: %v\n", err)
		os.Exit(1)
	}
	genDuration := time.Since(startGen)
	if *limit > 0 && len(bases) > *limit {
		bases = bases[:*limit]
	}
	if len(bases) == 0 {
		fmt.Fprintln(os.Stderr, "no trees in the region; raise terrain.treeDensity")
		os.Exit(1)
	}

	jobs := make(chan world.BlockCoord)
	go func() {
		defer close(jobs)
		for _, base := range bases {
			jobs <- base
		}
	}()

	var (
		wg           sync.WaitGroup
		chopDuration atomic.Int64
	)
	worker := func(id int) {
		defer wg.Done()
		player := fmt.Sprintf("sim-%d", id)
		for base := range jobs {
			start := time.Now()
			_, err := service.Chop(ctx, felling.ChopRequest{
				Player: player,
				Block:  base,
				Facing: mgl64.Vec3{1, 0, 0},
			})
			chopDuration.Add(int64(time.Since(start)))
			if err != nil {
				stats.reject(err)
				continue
			}
			stats.mu.Lock()
			stats.started++
			stats.mu.Unlock()
		}
	}

	startChop := time.Now()
	wg.Add(*concurrency)
	for i := 0; i < *concurrency; i++ {
		go worker(i)
	}
	wg.Wait()
	chopWall := time.Since(startChop)

	startFall := time.Now()
	ticks := 0
	for len(service.Active()) > 0 {
		env.Step(*tick)
		service.Tick(ctx, *tick)
		store.Apply(func(*entities.Entity) {})
		ticks++
	}
	fallWall := time.Since(startFall)

	stats.mu.Lock()
	defer stats.mu.Unlock()
	fmt.Println("== Tree Felling Simulation ==")
	fmt.Printf("Chunks per axis: %d (%d generated in %s)\n", *chunksPerAxis, generator.LoadCount(), genDuration)
	fmt.Printf("Tree bases found: %d\n", len(bases))
	fmt.Printf("Concurrency: %d\n", *concurrency)
	fmt.Printf("Fellings started: %d, landed: %d, forced: %d\n", stats.started, stats.landed, stats.forced)
	for reason, n := range stats.rejected {
		fmt.Printf("Rejected (%s): %d\n", reason, n)
	}
	if stats.landed > 0 {
		n := float64(stats.landed)
		fmt.Printf("Average logs: %.2f, leaves: %.2f\n", float64(stats.logs)/n, float64(stats.leaves)/n)
		fmt.Printf("Average fall ticks: %.2f, landing angle: %.1f deg\n", float64(stats.ticks)/n, stats.angles/n)
	}
	if *placeLogs {
		fmt.Printf("Logs placed: %d in %d chunks\n", stats.placed, len(stats.chunks))
	}
	for material, count := range stats.drops {
		fmt.Printf("Dropped %s: %d\n", material, count)
	}
	if total := len(bases); total > 0 {
		fmt.Printf("Average chop duration: %s\n", time.Duration(chopDuration.Load()/int64(total)))
	}
	fmt.Printf("Chop wall clock: %s\n", chopWall)
	fmt.Printf("Simulated ticks: %d in %s\n", ticks, fallWall)
	fmt.Printf("Item entities: %d\n", store.Len())
}

// collectTreeBases returns every log that rests on a non-log block, which
// is where a player would strike the trunk.
func collectTreeBases(ctx context.Context, manager *world.Manager, region world.ServerRegion) ([]world.BlockCoord, error) {
	dims := region.ChunkDimension
	var bases []world.BlockCoord
	for x := 0; x < region.ChunksPerAxis; x++ {
		for y := 0; y < region.ChunksPerAxis; y++ {
			chunkCoord, err := region.LocalToGlobalChunk(world.LocalChunkIndex{X: x, Y: y})
			if err != nil {
				return nil, err
			}
			chunk, err := manager.Chunk(ctx, chunkCoord)
			if err != nil {
				return nil, err
			}
			bounds := chunk.Bounds
			for localX := 0; localX < dims.Width; localX++ {
				for localY := 0; localY < dims.Depth; localY++ {
					below := world.MaterialClass("")
					for z := 0; z < dims.Height; z++ {
						block, ok := chunk.LocalBlock(localX, localY, z)
						if !ok {
							break
						}
						class := world.ClassOf(block.Material)
						if class == world.ClassLog && below != world.ClassLog && z > 0 {
							bases = append(bases, world.BlockCoord{
								X: bounds.Min.X + localX,
								Y: bounds.Min.Y + localY,
								Z: bounds.Min.Z + z,
							})
						}
						below = class
					}
				}
			}
		}
	}
	return bases, nil
}
