package cloud

import "math"

type voxelKey struct{ x, y, z int64 }

type voxelBucket struct {
	sumX, sumY, sumZ float64
	members          []int
}

// VoxelGrid downsamples c into keypoints: for each occupied voxel of edge
// leafSize metres it keeps the original point closest to the centroid of
// the voxel's members. Output order follows the first appearance of each
// voxel in c. A non-positive leaf size returns a copy of c.
func VoxelGrid(c PointCloud, leafSize float64) PointCloud {
	if len(c) == 0 {
		return nil
	}
	if leafSize <= 0 {
		return c.Clone()
	}

	buckets := make(map[voxelKey]*voxelBucket)
	order := make([]voxelKey, 0)
	for i, p := range c {
		k := voxelKey{
			x: int64(math.Floor(p.X / leafSize)),
			y: int64(math.Floor(p.Y / leafSize)),
			z: int64(math.Floor(p.Z / leafSize)),
		}
		b, ok := buckets[k]
		if !ok {
			b = &voxelBucket{}
			buckets[k] = b
			order = append(order, k)
		}
		b.sumX += p.X
		b.sumY += p.Y
		b.sumZ += p.Z
		b.members = append(b.members, i)
	}

	out := make(PointCloud, 0, len(order))
	for _, k := range order {
		b := buckets[k]
		n := float64(len(b.members))
		centroid := Point{X: b.sumX / n, Y: b.sumY / n, Z: b.sumZ / n}
		best := b.members[0]
		bestDist := SquaredDistance(c[best], centroid)
		for _, m := range b.members[1:] {
			if d := SquaredDistance(c[m], centroid); d < bestDist {
				best, bestDist = m, d
			}
		}
		out = append(out, c[best])
	}
	return out
}
