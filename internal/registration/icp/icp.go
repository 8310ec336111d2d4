// Package icp is a point-to-point Iterative Closest Point registration
// engine with sample-consensus correspondence rejection. It satisfies
// registration.Algorithm.
package icp

import (
	"math"
	"math/rand"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/localise/internal/cloud"
	"github.com/banshee-data/localise/internal/config"
	"github.com/banshee-data/localise/internal/registration"
)

// rotationConvergenceScale keeps the rotation term of the transformation
// delta comparable with squared metres of translation.
const rotationConvergenceScale = 1.0

// Correspondence pairs a source point with its nearest target point.
type Correspondence struct {
	SourceIndex int
	TargetIndex int
	Distance    float64
}

// Iteration is reported to an observer after every ICP step.
type Iteration struct {
	Number          int
	Source          cloud.PointCloud // source under the estimate before this step
	Target          cloud.PointCloud
	Correspondences []Correspondence // pairs that survived rejection
	Transform       cloud.Transform  // cumulative estimate after this step
	MeanSquaredErr  float64
}

// ICP aligns a source cloud to a target cloud.
type ICP struct {
	target *cloud.SearchIndex
	source *cloud.SearchIndex

	maxCorrespondenceDistance float64
	transformationEpsilon     float64
	fitnessEpsilon            float64
	maxIterations             int
	ransacIterations          int
	ransacThreshold           float64

	rng      *rand.Rand
	observer func(Iteration)

	fitness float64
}

// Option configures an ICP at construction.
type Option func(*ICP)

// WithSeed makes sample consensus deterministic.
func WithSeed(seed int64) Option {
	return func(e *ICP) { e.rng = rand.New(rand.NewSource(seed)) }
}

// WithObserver installs an iteration observer at construction.
func WithObserver(fn func(Iteration)) Option {
	return func(e *ICP) { e.observer = fn }
}

// New returns an engine with the default registration parameters.
func New(opts ...Option) *ICP {
	e := &ICP{
		maxCorrespondenceDistance: config.DefaultMaxCorrespondenceDistance,
		transformationEpsilon:     config.DefaultTransformationEpsilon,
		fitnessEpsilon:            config.DefaultFitnessEpsilon,
		maxIterations:             config.DefaultMaxIterations,
		ransacIterations:          config.DefaultMaxRANSACIterations,
		ransacThreshold:           config.DefaultRANSACOutlierRejectionThreshold,
		rng:                       rand.New(rand.NewSource(time.Now().UnixNano())),
		fitness:                   -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ registration.Algorithm = (*ICP)(nil)

func (e *ICP) SetInputTarget(idx *cloud.SearchIndex)        { e.target = idx }
func (e *ICP) SetInputSource(idx *cloud.SearchIndex)        { e.source = idx }
func (e *ICP) SetMaxCorrespondenceDistance(d float64)       { e.maxCorrespondenceDistance = d }
func (e *ICP) SetTransformationEpsilon(eps float64)         { e.transformationEpsilon = eps }
func (e *ICP) SetFitnessEpsilon(eps float64)                { e.fitnessEpsilon = eps }
func (e *ICP) SetMaxIterations(n int)                       { e.maxIterations = n }
func (e *ICP) SetRANSACIterations(n int)                    { e.ransacIterations = n }
func (e *ICP) SetRANSACOutlierRejectionThreshold(t float64) { e.ransacThreshold = t }

// SetObserver installs fn to receive every iteration; nil removes it.
func (e *ICP) SetObserver(fn func(Iteration)) { e.observer = fn }

// Align iterates until the transformation or fitness epsilon is met.
// Running out of iterations, a zero iteration budget, or fewer than three
// correspondences leaves the result unconverged.
func (e *ICP) Align() registration.Alignment {
	result := registration.Alignment{
		Transform: cloud.Identity(),
		Fitness:   -1,
	}
	e.fitness = -1
	src := e.source.Cloud()
	if e.target.Len() == 0 || len(src) == 0 {
		result.Cloud = src.Clone()
		return result
	}
	target := e.target.Cloud()

	targetVecs := make([]r3.Vector, len(target))
	for i, p := range target {
		targetVecs[i] = toVector(p)
	}

	current := cloud.Identity()
	prevMSE := math.Inf(1)

	for iter := 1; iter <= e.maxIterations; iter++ {
		result.Iterations = iter

		moved := cloud.TransformCloud(src, current)
		movedVecs := make([]r3.Vector, len(moved))
		for i, p := range moved {
			movedVecs[i] = toVector(p)
		}

		pairs := e.correspondences(moved)
		if len(pairs) < minCorrespondences {
			break
		}
		pairs = rejectBySampleConsensus(movedVecs, targetVecs, pairs,
			e.ransacIterations, e.ransacThreshold, e.rng)

		srcSet := make([]r3.Vector, len(pairs))
		dstSet := make([]r3.Vector, len(pairs))
		for i, p := range pairs {
			srcSet[i] = movedVecs[p.SourceIndex]
			dstSet[i] = targetVecs[p.TargetIndex]
		}
		increment, ok := estimateRigid(srcSet, dstSet)
		if !ok {
			break
		}
		current = increment.Mul(current)

		residuals := make([]float64, len(srcSet))
		for i := range srcSet {
			m := toVector(increment.Apply(cloud.Point{X: srcSet[i].X, Y: srcSet[i].Y, Z: srcSet[i].Z}))
			residuals[i] = m.Sub(dstSet[i]).Norm2()
		}
		mse := floats.Sum(residuals) / float64(len(residuals))

		if e.observer != nil {
			e.observer(Iteration{
				Number:          iter,
				Source:          moved,
				Target:          target,
				Correspondences: pairs,
				Transform:       current,
				MeanSquaredErr:  mse,
			})
		}

		if transformationDelta(increment) < e.transformationEpsilon ||
			math.Abs(prevMSE-mse) < e.fitnessEpsilon {
			result.Converged = true
			break
		}
		prevMSE = mse
	}

	result.Transform = current
	result.Cloud = cloud.TransformCloud(src, current)
	e.fitness = e.fitnessScore(result.Cloud)
	result.Fitness = e.fitness
	return result
}

// FitnessScore returns the fitness of the most recent Align, or -1 before
// the first one or when it could not be computed.
func (e *ICP) FitnessScore() float64 { return e.fitness }

// correspondences pairs every source point with its nearest target point
// within the maximum correspondence distance.
func (e *ICP) correspondences(moved cloud.PointCloud) []Correspondence {
	pairs := make([]Correspondence, 0, len(moved))
	for i, p := range moved {
		j, d, ok := e.target.Nearest(p)
		if !ok || d > e.maxCorrespondenceDistance {
			continue
		}
		pairs = append(pairs, Correspondence{SourceIndex: i, TargetIndex: j, Distance: d})
	}
	return pairs
}

// fitnessScore is the mean squared distance from aligned source points to
// their nearest target points, ignoring pairs beyond the maximum
// correspondence distance. It is -1 when nothing is in range.
func (e *ICP) fitnessScore(aligned cloud.PointCloud) float64 {
	sq := make([]float64, 0, len(aligned))
	for _, p := range aligned {
		_, d, ok := e.target.Nearest(p)
		if !ok || d > e.maxCorrespondenceDistance {
			continue
		}
		sq = append(sq, d*d)
	}
	if len(sq) == 0 {
		return -1
	}
	return floats.Sum(sq) / float64(len(sq))
}

// transformationDelta measures how far an incremental transform is from
// identity: squared translation plus a rotation term (1 - cos θ).
func transformationDelta(t cloud.Transform) float64 {
	x, y, z := t.Translation()
	cos := (t[0] + t[5] + t[10] - 1) / 2
	return x*x + y*y + z*z + rotationConvergenceScale*(1-cos)
}
