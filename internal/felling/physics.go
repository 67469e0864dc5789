package felling

import (
	"context"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/justadeni/logically/internal/config"
	"github.com/justadeni/logically/internal/world"
)

// PhysicsParams tune the toppling simulation. Angles are in radians.
type PhysicsParams struct {
	Gravity        float64
	InitialTilt    float64
	InitialSpin    float64
	MaxFallAngle   float64
	SweepStep      float64
	PivotClearance float64
	Weights        AxisWeights
}

func PhysicsFromConfig(cfg config.PhysicsConfig) PhysicsParams {
	return PhysicsParams{
		Gravity:        cfg.Gravity,
		InitialTilt:    cfg.InitialTilt,
		InitialSpin:    cfg.InitialSpin,
		MaxFallAngle:   mgl64.DegToRad(cfg.MaxFallAngle),
		SweepStep:      mgl64.DegToRad(cfg.SweepStep),
		PivotClearance: cfg.PivotClearance,
		Weights: AxisWeights{
			Heaviness: cfg.HeavinessWeight,
			Hint:      cfg.HintWeight,
			Wind:      cfg.WindWeight,
		},
	}
}

// Resolver plans how a severed tree topples.
type Resolver struct {
	src    BlockSource
	params PhysicsParams
}

func NewResolver(src BlockSource, params PhysicsParams) *Resolver {
	return &Resolver{src: src, params: params}
}

func (r *Resolver) Params() PhysicsParams {
	return r.params
}

// Plan is the rigid-body state of one falling tree. The tree rotates about
// Axis through Pivot; Theta is the angle from upright.
type Plan struct {
	Pivot mgl64.Vec3
	Fall  mgl64.Vec3
	Axis  mgl64.Vec3

	// MomentArm is the height of the centre of mass above the pivot.
	MomentArm float64
	// Gyration is the weighted mean squared distance from the axis.
	Gyration     float64
	Gravity      float64
	LandingAngle float64

	Theta float64
	Omega float64

	landed bool
}

// Plan builds the simulation for tree falling along fall. gravityScale
// comes from the weather.
func (r *Resolver) Plan(ctx context.Context, tree *Tree, fall mgl64.Vec3, gravityScale float64) (*Plan, error) {
	if gravityScale <= 0 {
		gravityScale = 1
	}
	fall = normaliseAxis(fall, mgl64.Vec3{})
	up := mgl64.Vec3{0, 0, 1}
	plan := &Plan{
		Pivot:   tree.Root,
		Fall:    fall,
		Axis:    up.Cross(fall).Normalize(),
		Gravity: r.params.Gravity * gravityScale,
	}

	body := tree.Body()
	plan.MomentArm, plan.Gyration = plan.inertia(tree, body)

	landing, err := r.landingAngle(ctx, tree, plan, body)
	if err != nil {
		return nil, err
	}
	plan.LandingAngle = landing
	plan.Theta = math.Min(math.Max(r.params.InitialTilt, 0), landing)
	plan.Omega = r.params.InitialSpin
	if plan.Theta >= landing {
		plan.land()
	}
	return plan, nil
}

func (p *Plan) inertia(tree *Tree, body []world.BlockCoord) (float64, float64) {
	var arm, gyration, total float64
	for _, coord := range body {
		block, ok := tree.Blocks[coord]
		if !ok {
			continue
		}
		w := blockWeight(block)
		offset := blockCentre(coord).Sub(p.Pivot)
		along := offset.Dot(p.Axis)
		arm += offset.Z() * w
		gyration += (offset.Dot(offset) - along*along) * w
		total += w
	}
	if total == 0 {
		return 0.5, 1
	}
	arm /= total
	gyration /= total
	if arm < 0.5 {
		arm = 0.5
	}
	if gyration < arm*arm {
		gyration = arm * arm
	}
	return arm, gyration
}

// landingAngle sweeps the body from upright and returns the last angle at
// which no block clear of the pivot overlaps a solid voxel outside the tree.
func (r *Resolver) landingAngle(ctx context.Context, tree *Tree, plan *Plan, body []world.BlockCoord) (float64, error) {
	maxAngle := r.params.MaxFallAngle
	step := r.params.SweepStep
	if maxAngle <= 0 {
		return 0, nil
	}
	if step <= 0 {
		step = mgl64.DegToRad(1)
	}

	offsets := make([]mgl64.Vec3, 0, len(body))
	for _, coord := range body {
		offset := blockCentre(coord).Sub(plan.Pivot)
		along := offset.Dot(plan.Axis)
		if math.Sqrt(math.Max(offset.Dot(offset)-along*along, 0)) <= r.params.PivotClearance {
			continue
		}
		offsets = append(offsets, offset)
	}

	obstructs := make(map[world.BlockCoord]bool)
	blocked := func(voxel world.BlockCoord) (bool, error) {
		if tree.Contains(voxel) {
			return false, nil
		}
		if hit, ok := obstructs[voxel]; ok {
			return hit, nil
		}
		hit := voxel.Z < 0
		if !hit {
			block, _, err := r.src.Block(ctx, voxel)
			if err != nil {
				return false, fmt.Errorf("sweep %v: %w", voxel, err)
			}
			hit = block.Obstructs()
		}
		obstructs[voxel] = hit
		return hit, nil
	}

	steps := int(math.Ceil(maxAngle/step - 1e-9))
	previous := 0.0
	for i := 1; i <= steps; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		theta := math.Min(float64(i)*step, maxAngle)
		q := mgl64.QuatRotate(theta, plan.Axis)
		for _, offset := range offsets {
			hit, err := blocked(plan.snap(plan.Pivot.Add(q.Rotate(offset))))
			if err != nil {
				return 0, err
			}
			if hit {
				return previous, nil
			}
		}
		previous = theta
	}
	return previous, nil
}

// Acceleration is the angular acceleration at theta.
func (p *Plan) Acceleration(theta float64) float64 {
	return p.Gravity * p.MomentArm / p.Gyration * math.Sin(theta)
}

// Step advances the simulation by dt seconds with semi-implicit Euler and
// reports whether the tree has landed.
func (p *Plan) Step(dt float64) bool {
	if p.landed {
		return true
	}
	if dt <= 0 {
		return false
	}
	p.Omega += p.Acceleration(p.Theta) * dt
	p.Theta += p.Omega * dt
	if p.Theta >= p.LandingAngle {
		p.land()
	}
	return p.landed
}

func (p *Plan) land() {
	p.Theta = p.LandingAngle
	p.Omega = 0
	p.landed = true
}

func (p *Plan) Landed() bool {
	return p.landed
}

// ForceLand stops the fall at the current angle.
func (p *Plan) ForceLand() {
	if p.landed {
		return
	}
	p.LandingAngle = math.Max(p.Theta, 0)
	p.land()
}

// Transform returns the world position of a block centre at offset from the
// pivot, and its orientation, at the current angle.
func (p *Plan) Transform(offset mgl64.Vec3) (mgl64.Vec3, mgl64.Quat) {
	q := mgl64.QuatRotate(p.Theta, p.Axis)
	return p.Pivot.Add(q.Rotate(offset)), q
}

// Resting returns the voxel a block at offset occupies at the landing angle.
func (p *Plan) Resting(offset mgl64.Vec3) world.BlockCoord {
	q := mgl64.QuatRotate(p.LandingAngle, p.Axis)
	return p.snap(p.Pivot.Add(q.Rotate(offset)))
}

// snap picks the voxel holding pos. Centres that land on a face go to the
// voxel further along the fall.
func (p *Plan) snap(pos mgl64.Vec3) world.BlockCoord {
	return voxelOf(pos.Add(p.Fall.Mul(1e-6)))
}

// Offset is the block centre of coord relative to the pivot.
func (p *Plan) Offset(coord world.BlockCoord) mgl64.Vec3 {
	return blockCentre(coord).Sub(p.Pivot)
}

// LiesFlat reports whether the landed tree is closer to horizontal than
// upright.
func (p *Plan) LiesFlat() bool {
	return p.LandingAngle > math.Pi/4
}

// HorizontalAxis is the log orientation matching the fall direction.
func (p *Plan) HorizontalAxis() world.Axis {
	if math.Abs(p.Fall.X()) >= math.Abs(p.Fall.Y()) {
		return world.AxisX
	}
	return world.AxisY
}
