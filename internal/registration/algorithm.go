package registration

import "github.com/banshee-data/localise/internal/cloud"

// Alignment is the outcome of one Align call.
type Alignment struct {
	Cloud      cloud.PointCloud // source cloud moved by Transform
	Converged  bool
	Transform  cloud.Transform // maps the source frame onto the target frame
	Fitness    float64         // mean squared correspondence distance, -1 if not computed
	Iterations int
}

// Algorithm is a registration engine. Implementations keep the target and
// source between calls and are mutated by every registration, so they are
// not safe for concurrent use.
type Algorithm interface {
	// SetInputTarget sets the reference cloud via its search index.
	SetInputTarget(idx *cloud.SearchIndex)
	// SetInputSource sets the cloud to align via its search index.
	SetInputSource(idx *cloud.SearchIndex)
	// Align runs registration to completion.
	Align() Alignment

	SetMaxCorrespondenceDistance(d float64)
	SetTransformationEpsilon(eps float64)
	SetFitnessEpsilon(eps float64)
	SetMaxIterations(n int)
	SetRANSACIterations(n int)
	SetRANSACOutlierRejectionThreshold(threshold float64)
}

// KeypointProcessor is implemented by engines that derive features from the
// keypoints of each scan before aligning, such as descriptor matchers.
// ProcessKeypoints runs once per registration, after the source is set and
// before Align.
type KeypointProcessor interface {
	ProcessKeypoints(keypoints cloud.PointCloud, ambient *cloud.SearchIndex)
}

// Publisher receives every cloud emitted by a successful registration.
// Publish must not block the caller.
type Publisher interface {
	Publish(c cloud.PointCloud)
}

// Visualizer observes an engine while it aligns, for diagnostics only.
type Visualizer interface {
	Bind(alg Algorithm)
	SetMaxDisplayed(n int)
	Start() error
}

// VisualizerFactory constructs a Visualizer on first use.
type VisualizerFactory func() Visualizer
