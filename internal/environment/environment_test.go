package environment

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/justadeni/logically/internal/config"
)

func TestStepRollsWeatherAfterTimer(t *testing.T) {
	cfg := config.EnvironmentConfig{
		WeatherMinDuration: config.Duration(time.Second),
		WeatherMaxDuration: config.Duration(time.Second),
		StormChance:        1,
		WindBase:           2,
		WindVariance:       1,
		Seed:               7,
	}
	env := New(cfg)
	require.Equal(t, WeatherClear, env.CurrentState().Weather.Kind)
	require.Equal(t, 1.0, env.CurrentState().Physics.GravityScale)

	state := env.Step(500 * time.Millisecond)
	require.Equal(t, WeatherClear, state.Weather.Kind)

	state = env.Step(600 * time.Millisecond)
	require.Equal(t, WeatherStorm, state.Weather.Kind)
	require.GreaterOrEqual(t, state.Weather.Intensity, 0.65)
	require.Greater(t, state.Physics.GravityScale, 1.0)
	require.GreaterOrEqual(t, state.Weather.WindSpeed, 2.0)
}

func TestWindVectorFollowsDirection(t *testing.T) {
	state := State{Weather: WeatherState{WindSpeed: 3, WindDirection: math.Pi / 2}}
	wind := state.Wind()
	require.InDelta(t, 0, wind.X(), 1e-9)
	require.InDelta(t, 3, wind.Y(), 1e-9)
}

func TestSetWeatherClampsIntensity(t *testing.T) {
	env := New(config.EnvironmentConfig{Seed: 1})
	env.SetWeather(WeatherState{Kind: WeatherStorm, Intensity: 4, WindSpeed: 5})
	state := env.CurrentState()
	require.Equal(t, 1.0, state.Weather.Intensity)
	require.InDelta(t, 1.06, state.Physics.GravityScale, 1e-9)
}
