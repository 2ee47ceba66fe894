package interest

import (
	"github.com/go-gl/mathgl/mgl64"

	"gridsim.ai/internal/sim/scene"
)

func distSq(a, b mgl64.Vec3) float64 {
	d := a.Sub(b)
	return d.Dot(d)
}

// isLargeBox reports whether any face diagonal of the half-extent box exceeds
// largeObjectSize.
func isLargeBox(half mgl64.Vec3) bool {
	limit := largeObjectSize * largeObjectSize
	x, y, z := half[0], half[1], half[2]
	return x*x+y*y > limit || y*y+z*z > limit || z*z+x*x > limit
}

// boxSamples are the offsets, in half-extent units, tested by approximateBoxVisible:
// the six face centres followed by the twelve edge midpoints.
var boxSamples = [18]mgl64.Vec3{
	{1, 0, 0}, {-1, 0, 0},
	{0, 1, 0}, {0, -1, 0},
	{0, 0, 1}, {0, 0, -1},

	{1, 1, 0}, {-1, -1, 0}, {1, -1, 0}, {-1, 1, 0},
	{0, 1, 1}, {0, -1, -1}, {0, 1, -1}, {0, -1, 1},
	{1, 0, 1}, {-1, 0, -1}, {-1, 0, 1}, {1, 0, -1},
}

// approximateBoxVisible approximates a box-vs-sphere test by sampling the box's face
// centres and edge midpoints against the viewer's draw sphere. It can miss a box
// that only grazes the sphere between samples.
func approximateBoxVisible(viewer, center, half mgl64.Vec3, ddSq float64) bool {
	for _, dir := range boxSamples {
		pt := center.Add(mgl64.Vec3{dir[0] * half[0], dir[1] * half[1], dir[2] * half[2]})
		if distSq(viewer, pt) <= ddSq {
			return true
		}
	}
	return false
}

// translateChildPosition moves a child agent's home-region position into the
// culling region's frame. Offsets pointing past a region edge mirror the position
// toward that edge; this matches what viewers expect for neighbour awareness but is
// not an exact cross-region transform.
func translateChildPosition(pos mgl64.Vec3, off scene.RegionOffset, sizeX, sizeY float64) mgl64.Vec3 {
	out := pos
	ox, oy := float64(off.X), float64(off.Y)
	if off.X < 0 {
		out[0] = sizeX - (sizeX + pos[0] + ox)
	}
	if off.Y < 0 {
		out[1] = sizeY - (sizeY + pos[1] + oy)
	}
	if ox > sizeX {
		out[0] = sizeX - (sizeX - (pos[0] + ox))
	}
	if oy > sizeY {
		out[1] = sizeY - (sizeY - (pos[1] + oy))
	}
	return out
}
