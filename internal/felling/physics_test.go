package felling

import (
	"context"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/require"

	"github.com/justadeni/logically/internal/world"
)

func testPhysics() PhysicsParams {
	return PhysicsParams{
		Gravity:        20,
		InitialTilt:    0.04,
		InitialSpin:    0.2,
		MaxFallAngle:   mgl64.DegToRad(90),
		SweepStep:      mgl64.DegToRad(1),
		PivotClearance: 1.5,
		Weights:        AxisWeights{Heaviness: 1, Hint: 0.5, Wind: 0.05},
	}
}

func scanPole(t *testing.T, w *world.Manager) *Tree {
	t.Helper()
	plantPole(t, w, 10, 10, 6)
	tree, err := NewScanner(w, testLimits()).Scan(context.Background(), world.BlockCoord{X: 10, Y: 10, Z: 4})
	require.NoError(t, err)
	return tree
}

func TestPlanLandsFlatOnOpenGround(t *testing.T) {
	w := newTestWorld(t)
	tree := scanPole(t, w)

	plan, err := NewResolver(w, testPhysics()).Plan(context.Background(), tree, mgl64.Vec3{1, 0, 0}, 1)
	require.NoError(t, err)
	require.InDelta(t, 90, mgl64.RadToDeg(plan.LandingAngle), 1e-9)
	require.InDelta(t, 0, plan.Axis.X(), 1e-12)
	require.InDelta(t, 1, plan.Axis.Y(), 1e-12)
	require.True(t, plan.LiesFlat())
	require.Equal(t, world.AxisX, plan.HorizontalAxis())

	// The top log ends up lying on the ground along +X.
	top := plan.Offset(world.BlockCoord{X: 10, Y: 10, Z: 9})
	require.Equal(t, world.BlockCoord{X: 16, Y: 10, Z: 4}, plan.Resting(top))
	leaf := plan.Offset(world.BlockCoord{X: 10, Y: 10, Z: 10})
	require.Equal(t, world.BlockCoord{X: 17, Y: 10, Z: 4}, plan.Resting(leaf))
}

func TestPlanStopsAgainstObstacle(t *testing.T) {
	w := newTestWorld(t)
	tree := scanPole(t, w)
	put(t, w, world.BlockCoord{X: 13, Y: 10, Z: 4}, world.MaterialStone)

	plan, err := NewResolver(w, testPhysics()).Plan(context.Background(), tree, mgl64.Vec3{1, 0, 0}, 1)
	require.NoError(t, err)
	require.InDelta(t, 73, mgl64.RadToDeg(plan.LandingAngle), 1.01)
	require.True(t, plan.LiesFlat())
}

func TestPlanIgnoresFoliageAndFallsOtherWays(t *testing.T) {
	w := newTestWorld(t)
	tree := scanPole(t, w)
	put(t, w, world.BlockCoord{X: 13, Y: 10, Z: 4}, "birch_leaves")
	put(t, w, world.BlockCoord{X: 13, Y: 10, Z: 5}, world.MaterialStone)

	open, err := NewResolver(w, testPhysics()).Plan(context.Background(), tree, mgl64.Vec3{0, -1, 0}, 1)
	require.NoError(t, err)
	require.InDelta(t, 90, mgl64.RadToDeg(open.LandingAngle), 1e-9)
	require.Equal(t, world.AxisY, open.HorizontalAxis())

	blocked, err := NewResolver(w, testPhysics()).Plan(context.Background(), tree, mgl64.Vec3{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Less(t, blocked.LandingAngle, open.LandingAngle)
}

func TestPlanStepIntegratesToLanding(t *testing.T) {
	w := newTestWorld(t)
	tree := scanPole(t, w)
	plan, err := NewResolver(w, testPhysics()).Plan(context.Background(), tree, mgl64.Vec3{1, 0, 0}, 1)
	require.NoError(t, err)
	require.InDelta(t, 0.04, plan.Theta, 1e-12)
	require.Greater(t, plan.MomentArm, 0.5)
	require.GreaterOrEqual(t, plan.Gyration, plan.MomentArm*plan.MomentArm)

	require.False(t, plan.Step(0))
	previous := plan.Theta
	steps := 0
	for !plan.Step(0.05) {
		require.Greater(t, plan.Theta, previous)
		previous = plan.Theta
		steps++
		require.Less(t, steps, 200, "tree never landed")
	}
	require.True(t, plan.Landed())
	require.Equal(t, plan.LandingAngle, plan.Theta)
	require.Zero(t, plan.Omega)
	require.True(t, plan.Step(0.05))
}

func TestGravityScaleSpeedsTheFall(t *testing.T) {
	w := newTestWorld(t)
	tree := scanPole(t, w)
	resolver := NewResolver(w, testPhysics())

	count := func(scale float64) int {
		plan, err := resolver.Plan(context.Background(), tree, mgl64.Vec3{1, 0, 0}, scale)
		require.NoError(t, err)
		n := 0
		for !plan.Step(0.05) {
			n++
		}
		return n
	}
	require.Less(t, count(2), count(1))
}

func TestForceLandFreezesAngle(t *testing.T) {
	w := newTestWorld(t)
	tree := scanPole(t, w)
	plan, err := NewResolver(w, testPhysics()).Plan(context.Background(), tree, mgl64.Vec3{0, 1, 0}, 1)
	require.NoError(t, err)
	plan.Step(0.05)
	theta := plan.Theta
	plan.ForceLand()
	require.True(t, plan.Landed())
	require.Equal(t, theta, plan.LandingAngle)
	require.False(t, plan.LiesFlat())

	pos, q := plan.Transform(plan.Offset(world.BlockCoord{X: 10, Y: 10, Z: 9}))
	require.InDelta(t, 10.5, pos.X(), 1e-9)
	require.Greater(t, pos.Y(), 10.5)
	require.InDelta(t, 1, q.Len(), 1e-9)
}

func TestTransformRotatesAboutPivot(t *testing.T) {
	plan := &Plan{
		Pivot: mgl64.Vec3{0.5, 0.5, 4},
		Fall:  mgl64.Vec3{1, 0, 0},
		Axis:  mgl64.Vec3{0, 1, 0},
		Theta: math.Pi / 2,
	}
	pos, _ := plan.Transform(mgl64.Vec3{0, 0, 3})
	require.InDelta(t, 3.5, pos.X(), 1e-9)
	require.InDelta(t, 4, pos.Z(), 1e-9)
}

func TestFallAxis(t *testing.T) {
	w := newTestWorld(t)
	tree := scanPole(t, w)
	weights := AxisWeights{Heaviness: 1, Hint: 0.5, Wind: 0.05}

	// A straight pole has no lean, so the chopper's facing decides.
	axis := FallAxis(tree, weights, mgl64.Vec3{0, 2, -1}, mgl64.Vec2{})
	require.InDelta(t, 0, axis.X(), 1e-9)
	require.InDelta(t, 1, axis.Y(), 1e-9)
	require.Zero(t, axis.Z())

	// Strong wind overrides the facing.
	axis = FallAxis(tree, weights, mgl64.Vec3{0, 1, 0}, mgl64.Vec2{-40, 0})
	require.Less(t, axis.X(), -0.8)
	require.InDelta(t, 1, axis.Len(), 1e-9)

	// Nothing to go on falls back to +X.
	axis = FallAxis(tree, weights, mgl64.Vec3{0, 0, 1}, mgl64.Vec2{})
	require.Equal(t, mgl64.Vec3{1, 0, 0}, axis)
}

func TestFallAxisFollowsHeavySide(t *testing.T) {
	w := newTestWorld(t)
	plantPole(t, w, 10, 10, 5)
	for x := 11; x <= 14; x++ {
		put(t, w, world.BlockCoord{X: x, Y: 10, Z: 8}, "oak_log")
	}
	tree, err := NewScanner(w, testLimits()).Scan(context.Background(), world.BlockCoord{X: 10, Y: 10, Z: 4})
	require.NoError(t, err)

	axis := FallAxis(tree, AxisWeights{Heaviness: 1, Hint: 0.5}, mgl64.Vec3{0, 1, 0}, mgl64.Vec2{})
	require.Greater(t, axis.X(), axis.Y())
}

func TestFallAxisLongLeanBeatsFacing(t *testing.T) {
	w := newTestWorld(t)
	plantPole(t, w, 10, 10, 5)
	for y := 11; y <= 15; y++ {
		put(t, w, world.BlockCoord{X: 10, Y: y, Z: 8}, "oak_log")
	}
	tree, err := NewScanner(w, testLimits()).Scan(context.Background(), world.BlockCoord{X: 10, Y: 10, Z: 4})
	require.NoError(t, err)

	com, ok := centreOfMass(tree, tree.Body())
	require.True(t, ok)
	lean := flatten(com.Sub(tree.Root))
	require.Greater(t, lean.Len(), 1.0)

	weights := AxisWeights{Heaviness: 1, Hint: 1.5}
	axis := FallAxis(tree, weights, mgl64.Vec3{1, 0, 0}, mgl64.Vec2{})
	want := lean.Add(mgl64.Vec3{1.5, 0, 0}).Normalize()
	require.InDelta(t, want.X(), axis.X(), 1e-9)
	require.InDelta(t, want.Y(), axis.Y(), 1e-9)
	require.Greater(t, axis.Y(), axis.X())
}
