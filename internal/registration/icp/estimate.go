package icp

import (
	"math/rand"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/localise/internal/cloud"
)

// minCorrespondences is the smallest pair count that pins down a rigid
// transform in 3D.
const minCorrespondences = 3

func toVector(p cloud.Point) r3.Vector { return r3.Vector{X: p.X, Y: p.Y, Z: p.Z} }

// estimateRigid returns the least-squares rotation and translation taking
// src[i] onto dst[i] (Kabsch). A reflection in the SVD solution is
// corrected by flipping the weakest axis.
func estimateRigid(src, dst []r3.Vector) (cloud.Transform, bool) {
	n := len(src)
	if n < minCorrespondences || n != len(dst) {
		return cloud.Identity(), false
	}

	var cs, cd r3.Vector
	for i := range src {
		cs = cs.Add(src[i])
		cd = cd.Add(dst[i])
	}
	cs = cs.Mul(1 / float64(n))
	cd = cd.Mul(1 / float64(n))

	// Cross-covariance H = sum (src-cs)(dst-cd)^T
	h := mat.NewDense(3, 3, nil)
	for i := range src {
		a := src[i].Sub(cs)
		b := dst[i].Sub(cd)
		av := [3]float64{a.X, a.Y, a.Z}
		bv := [3]float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+av[r]*bv[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return cloud.Identity(), false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var rot mat.Dense
	rot.Mul(&v, u.T())
	if mat.Det(&rot) < 0 {
		for r := 0; r < 3; r++ {
			v.Set(r, 2, -v.At(r, 2))
		}
		rot.Mul(&v, u.T())
	}

	r := [9]float64{
		rot.At(0, 0), rot.At(0, 1), rot.At(0, 2),
		rot.At(1, 0), rot.At(1, 1), rot.At(1, 2),
		rot.At(2, 0), rot.At(2, 1), rot.At(2, 2),
	}
	rc := r3.Vector{
		X: r[0]*cs.X + r[1]*cs.Y + r[2]*cs.Z,
		Y: r[3]*cs.X + r[4]*cs.Y + r[5]*cs.Z,
		Z: r[6]*cs.X + r[7]*cs.Y + r[8]*cs.Z,
	}
	t := cd.Sub(rc)
	return cloud.FromRotationTranslation(r, t.X, t.Y, t.Z), true
}

// rejectBySampleConsensus keeps the largest set of pairs that agree with a
// rigid transform estimated from three random pairs, within threshold
// metres. With too few pairs, no iterations or no consensus of at least
// three pairs, the input is returned unchanged.
func rejectBySampleConsensus(src, dst []r3.Vector, pairs []Correspondence,
	iterations int, threshold float64, rng *rand.Rand) []Correspondence {
	n := len(pairs)
	if iterations <= 0 || threshold <= 0 || n <= minCorrespondences {
		return pairs
	}

	thresholdSq := threshold * threshold
	var best []int
	sampleSrc := make([]r3.Vector, minCorrespondences)
	sampleDst := make([]r3.Vector, minCorrespondences)
	inliers := make([]int, 0, n)

	for it := 0; it < iterations; it++ {
		a := rng.Intn(n)
		b := rng.Intn(n - 1)
		if b >= a {
			b++
		}
		c := rng.Intn(n - 2)
		lo, hi := a, b
		if lo > hi {
			lo, hi = hi, lo
		}
		if c >= lo {
			c++
		}
		if c >= hi {
			c++
		}

		for k, idx := range [3]int{a, b, c} {
			sampleSrc[k] = src[pairs[idx].SourceIndex]
			sampleDst[k] = dst[pairs[idx].TargetIndex]
		}
		model, ok := estimateRigid(sampleSrc, sampleDst)
		if !ok {
			continue
		}

		inliers = inliers[:0]
		for i, p := range pairs {
			s := src[p.SourceIndex]
			moved := model.Apply(cloud.Point{X: s.X, Y: s.Y, Z: s.Z})
			if toVector(moved).Sub(dst[p.TargetIndex]).Norm2() <= thresholdSq {
				inliers = append(inliers, i)
			}
		}
		if len(inliers) > len(best) {
			best = append(best[:0], inliers...)
			if len(best) == n {
				break
			}
		}
	}

	if len(best) < minCorrespondences {
		return pairs
	}
	out := make([]Correspondence, len(best))
	for i, idx := range best {
		out[i] = pairs[idx]
	}
	return out
}
