package environment

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/justadeni/logically/internal/config"
)

type WeatherKind string

const (
	WeatherClear WeatherKind = "clear"
	WeatherRain  WeatherKind = "rain"
	WeatherStorm WeatherKind = "storm"
)

type WeatherState struct {
	Kind          WeatherKind `json:"kind"`
	Intensity     float64     `json:"intensity"`
	WindSpeed     float64     `json:"windSpeed"`
	WindDirection float64     `json:"windDirection"` // radians from +X toward +Y
	Precipitation float64     `json:"precipitation"`
}

// PhysicsModifiers scale the forces acting on falling bodies.
type PhysicsModifiers struct {
	GravityScale float64 `json:"gravityScale"`
}

type State struct {
	Weather WeatherState     `json:"weather"`
	Physics PhysicsModifiers `json:"physics"`
}

// Wind returns the horizontal wind vector in blocks per second.
func (s State) Wind() mgl64.Vec2 {
	return mgl64.Vec2{
		math.Cos(s.Weather.WindDirection) * s.Weather.WindSpeed,
		math.Sin(s.Weather.WindDirection) * s.Weather.WindSpeed,
	}
}

type Environment struct {
	mu           sync.Mutex
	cfg          config.EnvironmentConfig
	rng          *rand.Rand
	state        State
	weatherTimer time.Duration
}

func New(cfg config.EnvironmentConfig) *Environment {
	cfg = applyDefaults(cfg)
	env := &Environment{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
	env.state.Weather = WeatherState{Kind: WeatherClear, WindSpeed: cfg.WindBase}
	env.state.Physics = computePhysics(env.state.Weather)
	env.weatherTimer = env.randomWeatherDuration()
	return env
}

func applyDefaults(cfg config.EnvironmentConfig) config.EnvironmentConfig {
	if cfg.WeatherMinDuration <= 0 {
		cfg.WeatherMinDuration = config.Duration(90 * time.Second)
	}
	if cfg.WeatherMaxDuration < cfg.WeatherMinDuration {
		cfg.WeatherMaxDuration = cfg.WeatherMinDuration + config.Duration(2*time.Minute)
	}
	if cfg.StormChance < 0 {
		cfg.StormChance = 0
	}
	if cfg.RainChance < 0 {
		cfg.RainChance = 0
	}
	if cfg.StormChance+cfg.RainChance > 1 {
		total := cfg.StormChance + cfg.RainChance
		cfg.StormChance /= total
		cfg.RainChance /= total
	}
	if cfg.WindBase < 0 {
		cfg.WindBase = 0
	}
	if cfg.WindVariance < 0 {
		cfg.WindVariance = 0
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return cfg
}

// Step advances the weather clock and returns the resulting state.
func (e *Environment) Step(delta time.Duration) State {
	if delta <= 0 {
		delta = 16 * time.Millisecond
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.weatherTimer -= delta
	if e.weatherTimer <= 0 {
		e.state.Weather = e.rollWeather()
		e.state.Physics = computePhysics(e.state.Weather)
		e.weatherTimer = e.randomWeatherDuration()
	}
	return e.state
}

func (e *Environment) CurrentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetWeather overrides the current weather until the next roll.
func (e *Environment) SetWeather(weather WeatherState) {
	e.mu.Lock()
	weather.Intensity = clamp01(weather.Intensity)
	weather.Precipitation = clamp01(weather.Precipitation)
	e.state.Weather = weather
	e.state.Physics = computePhysics(weather)
	e.weatherTimer = e.randomWeatherDuration()
	e.mu.Unlock()
}

func (e *Environment) rollWeather() WeatherState {
	roll := e.rng.Float64()
	var kind WeatherKind
	switch {
	case roll < e.cfg.StormChance:
		kind = WeatherStorm
	case roll < e.cfg.StormChance+e.cfg.RainChance:
		kind = WeatherRain
	default:
		kind = WeatherClear
	}

	intensity := 0.0
	wind := e.cfg.WindBase + e.rng.Float64()*e.cfg.WindVariance
	switch kind {
	case WeatherRain:
		intensity = 0.35 + e.rng.Float64()*0.4
	case WeatherStorm:
		intensity = 0.65 + e.rng.Float64()*0.35
		wind += e.cfg.WindVariance * 0.7
	}
	return WeatherState{
		Kind:          kind,
		Intensity:     clamp01(intensity),
		WindSpeed:     wind,
		WindDirection: e.rng.Float64() * 2 * math.Pi,
		Precipitation: clamp01(intensity),
	}
}

func (e *Environment) randomWeatherDuration() time.Duration {
	min := e.cfg.WeatherMinDuration.Duration()
	max := e.cfg.WeatherMaxDuration.Duration()
	if max <= min {
		return min
	}
	return min + time.Duration(e.rng.Float64()*float64(max-min))
}

// Storms pull felled trees down slightly harder.
func computePhysics(weather WeatherState) PhysicsModifiers {
	return PhysicsModifiers{GravityScale: 1.0 + 0.06*weather.Intensity}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
