package felling

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/justadeni/logically/internal/world"
)

// AxisWeights scale the three terms that pick the fall direction.
type AxisWeights struct {
	Heaviness float64
	Hint      float64
	Wind      float64
}

const axisEpsilon = 1e-9

// FallAxis returns the horizontal unit vector the tree falls toward. The
// centre of mass offset from the root pulls toward the heavy side in full,
// so a far lean outweighs the chopper's facing. Wind adds its own push. A degenerate sum falls back to
// the hint, then to +X.
func FallAxis(tree *Tree, weights AxisWeights, hint mgl64.Vec3, wind mgl64.Vec2) mgl64.Vec3 {
	var sum mgl64.Vec3

	if com, ok := centreOfMass(tree, tree.Body()); ok {
		sum = sum.Add(flatten(com.Sub(tree.Root)).Mul(weights.Heaviness))
	}
	facing := flatten(hint)
	if l := facing.Len(); l > axisEpsilon {
		sum = sum.Add(facing.Mul(weights.Hint / l))
	}
	sum = sum.Add(mgl64.Vec3{wind.X(), wind.Y(), 0}.Mul(weights.Wind))

	return normaliseAxis(sum, hint)
}

// normaliseAxis flattens and normalises axis, falling back to the hint and
// then to +X when it has no horizontal extent.
func normaliseAxis(axis, hint mgl64.Vec3) mgl64.Vec3 {
	for _, candidate := range []mgl64.Vec3{axis, hint} {
		flat := flatten(candidate)
		if l := flat.Len(); l > axisEpsilon {
			return flat.Mul(1 / l)
		}
	}
	return mgl64.Vec3{1, 0, 0}
}

func flatten(v mgl64.Vec3) mgl64.Vec3 {
	return mgl64.Vec3{v.X(), v.Y(), 0}
}

// centreOfMass weighs every listed tree block by its Weight.
func centreOfMass(tree *Tree, coords []world.BlockCoord) (mgl64.Vec3, bool) {
	var sum mgl64.Vec3
	var total float64
	for _, coord := range coords {
		block, ok := tree.Blocks[coord]
		if !ok {
			continue
		}
		w := blockWeight(block)
		sum = sum.Add(blockCentre(coord).Mul(w))
		total += w
	}
	if total == 0 {
		return mgl64.Vec3{}, false
	}
	return sum.Mul(1 / total), true
}
