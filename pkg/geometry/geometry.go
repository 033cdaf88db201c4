// Package geometry provides the pure vector, distance, and shape helpers
// exposed alongside the seeded RNG. Every function here is deterministic
// and side-effect free.
package geometry

import (
	"math"
	"sort"

	"github.com/mineflare/agent/pkg/result"
)

// Metric is a distance function over two positions.
type Metric func(a, b result.Position) float64

// Euclidean is the L2 distance metric.
func Euclidean(a, b result.Position) float64 { return a.DistanceTo(b) }

// Manhattan is the L1 distance metric.
func Manhattan(a, b result.Position) float64 {
	return math.Abs(a.X-b.X) + math.Abs(a.Y-b.Y) + math.Abs(a.Z-b.Z)
}

// Chebyshev is the L-infinity distance metric.
func Chebyshev(a, b result.Position) float64 {
	return math.Max(math.Abs(a.X-b.X), math.Max(math.Abs(a.Y-b.Y), math.Abs(a.Z-b.Z)))
}

// lexLess orders positions by (x,y,z) ascending, used to break distance
// ties deterministically in NearestFirst.
func lexLess(a, b result.Position) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.Z < b.Z
}

// NearestFirst stably sorts positions by distance to reference under metric,
// breaking ties by lexicographic (x,y,z) order so the result is a pure
// function of its inputs.
func NearestFirst(positions []result.Position, reference result.Position, metric Metric) []result.Position {
	out := make([]result.Position, len(positions))
	copy(out, positions)
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := metric(out[i], reference), metric(out[j], reference)
		if di != dj {
			return di < dj
		}
		return lexLess(out[i], out[j])
	})
	return out
}

// Add returns a+b component-wise.
func Add(a, b result.Position) result.Position {
	return result.Position{X: a.X + b.X, Y: a.Y + b.Y, Z: a.Z + b.Z}
}

// Sub returns a-b component-wise.
func Sub(a, b result.Position) result.Position {
	return result.Position{X: a.X - b.X, Y: a.Y - b.Y, Z: a.Z - b.Z}
}

// Scale returns v scaled by s.
func Scale(v result.Position, s float64) result.Position {
	return result.Position{X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

// Length returns the Euclidean norm of v.
func Length(v result.Position) float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Normalize returns v/|v|, or the zero vector if v has zero length.
func Normalize(v result.Position) result.Position {
	l := Length(v)
	if l == 0 {
		return result.Position{}
	}
	return Scale(v, 1/l)
}

// Dot returns the dot product of a and b.
func Dot(a, b result.Position) float64 {
	return a.X*b.X + a.Y*b.Y + a.Z*b.Z
}

// Cross returns the cross product a x b.
func Cross(a, b result.Position) result.Position {
	return result.Position{
		X: a.Y*b.Z - a.Z*b.Y,
		Y: a.Z*b.X - a.X*b.Z,
		Z: a.X*b.Y - a.Y*b.X,
	}
}

// Lerp linearly interpolates between a and b at t in [0,1].
func Lerp(a, b result.Position, t float64) result.Position {
	return Add(a, Scale(Sub(b, a), t))
}

// Project returns the projection of v onto onto.
func Project(v, onto result.Position) result.Position {
	denom := Dot(onto, onto)
	if denom == 0 {
		return result.Position{}
	}
	return Scale(onto, Dot(v, onto)/denom)
}

// Reflect returns v reflected about the plane with normal n (n need not be
// normalized beforehand; it is normalized internally).
func Reflect(v, n result.Position) result.Position {
	nn := Normalize(n)
	return Sub(v, Scale(nn, 2*Dot(v, nn)))
}

// RotateY rotates v about the Y axis by angle radians.
func RotateY(v result.Position, angle float64) result.Position {
	cos, sin := math.Cos(angle), math.Sin(angle)
	return result.Position{
		X: v.X*cos + v.Z*sin,
		Y: v.Y,
		Z: -v.X*sin + v.Z*cos,
	}
}

// Line returns points from a to b (both endpoints included) spaced step
// apart; step must be > 0.
func Line(a, b result.Position, step float64) []result.Position {
	if step <= 0 {
		step = 1
	}
	d := Sub(b, a)
	dist := Length(d)
	if dist == 0 {
		return []result.Position{a}
	}
	dir := Normalize(d)
	points := make([]result.Position, 0, int(dist/step)+2)
	for t := 0.0; t < dist; t += step {
		points = append(points, Add(a, Scale(dir, t)))
	}
	points = append(points, b)
	return points
}

// Circle returns n points evenly spaced on an XZ-plane ring of radius r
// centered at center.
func Circle(center result.Position, r float64, n int) []result.Position {
	if n <= 0 {
		return nil
	}
	points := make([]result.Position, n)
	for i := 0; i < n; i++ {
		theta := 2 * math.Pi * float64(i) / float64(n)
		points[i] = result.Position{
			X: center.X + r*math.Cos(theta),
			Y: center.Y,
			Z: center.Z + r*math.Sin(theta),
		}
	}
	return points
}

// Disc returns points filling an XZ-plane disc of radius r centered at
// center, on an integer grid spaced spacing apart.
func Disc(center result.Position, r, spacing float64) []result.Position {
	if spacing <= 0 {
		spacing = 1
	}
	var points []result.Position
	for dx := -r; dx <= r; dx += spacing {
		for dz := -r; dz <= r; dz += spacing {
			if dx*dx+dz*dz <= r*r {
				points = append(points, result.Position{X: center.X + dx, Y: center.Y, Z: center.Z + dz})
			}
		}
	}
	return points
}

// BoundingBox returns the min and max corners enclosing points.
func BoundingBox(points []result.Position) (min, max result.Position) {
	if len(points) == 0 {
		return result.Position{}, result.Position{}
	}
	min, max = points[0], points[0]
	for _, p := range points[1:] {
		min.X, max.X = math.Min(min.X, p.X), math.Max(max.X, p.X)
		min.Y, max.Y = math.Min(min.Y, p.Y), math.Max(max.Y, p.Y)
		min.Z, max.Z = math.Min(min.Z, p.Z), math.Max(max.Z, p.Z)
	}
	return min, max
}

// Round snaps v's components to the nearest integer.
func Round(v result.Position) result.Position {
	return result.Position{X: math.Round(v.X), Y: math.Round(v.Y), Z: math.Round(v.Z)}
}

// Floor snaps v's components down to the nearest integer.
func Floor(v result.Position) result.Position {
	return result.Position{X: math.Floor(v.X), Y: math.Floor(v.Y), Z: math.Floor(v.Z)}
}

// Clamp clamps each component of v to [min,max].
func Clamp(v result.Position, min, max float64) result.Position {
	clamp1 := func(x float64) float64 {
		if x < min {
			return min
		}
		if x > max {
			return max
		}
		return x
	}
	return result.Position{X: clamp1(v.X), Y: clamp1(v.Y), Z: clamp1(v.Z)}
}

// ClampScalar clamps a single scalar to [min,max].
func ClampScalar(x, min, max float64) float64 {
	if x < min {
		return min
	}
	if x > max {
		return max
	}
	return x
}
