package cloud

import "math"

// Point is a single 3D return in metres.
type Point struct {
	X, Y, Z   float64
	Intensity uint8 // Laser return intensity, carried through transforms
}

// PointCloud is an ordered sequence of points. Callers own the backing
// array; functions in this package never mutate their inputs.
type PointCloud []Point

// Clone returns a copy of the cloud with its own backing array.
func (c PointCloud) Clone() PointCloud {
	if c == nil {
		return nil
	}
	out := make(PointCloud, len(c))
	copy(out, c)
	return out
}

// Centroid returns the mean position of the cloud. An empty cloud has
// its centroid at the origin.
func (c PointCloud) Centroid() (x, y, z float64) {
	if len(c) == 0 {
		return 0, 0, 0
	}
	for _, p := range c {
		x += p.X
		y += p.Y
		z += p.Z
	}
	n := float64(len(c))
	return x / n, y / n, z / n
}

// Bounds holds the axis-aligned extent of a cloud.
type Bounds struct {
	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

// Bounds returns the axis-aligned bounding box of the cloud. The second
// return is false for an empty cloud.
func (c PointCloud) Bounds() (Bounds, bool) {
	if len(c) == 0 {
		return Bounds{}, false
	}
	b := Bounds{
		MinX: math.MaxFloat64, MinY: math.MaxFloat64, MinZ: math.MaxFloat64,
		MaxX: -math.MaxFloat64, MaxY: -math.MaxFloat64, MaxZ: -math.MaxFloat64,
	}
	for _, p := range c {
		b.MinX = math.Min(b.MinX, p.X)
		b.MaxX = math.Max(b.MaxX, p.X)
		b.MinY = math.Min(b.MinY, p.Y)
		b.MaxY = math.Max(b.MaxY, p.Y)
		b.MinZ = math.Min(b.MinZ, p.Z)
		b.MaxZ = math.Max(b.MaxZ, p.Z)
	}
	return b, true
}

// SquaredDistance returns the squared Euclidean distance between a and b.
func SquaredDistance(a, b Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return dx*dx + dy*dy + dz*dz
}
