package registration

import (
	"github.com/banshee-data/localise/internal/cloud"
	"github.com/banshee-data/localise/internal/config"
)

// Matcher aligns live scans against a reference cloud and folds each
// correction into a running pose. A Matcher without an Algorithm is inert:
// SetReference does nothing and RegisterCloud always fails.
//
// A Matcher is not safe for concurrent use; every call swaps the engine's
// inputs.
type Matcher struct {
	alg Algorithm
	cfg *config.RegistrationConfig // retained so a later SetAlgorithm can be tuned

	matchOnlyKeypoints          bool
	displayAlignment            bool
	maxDisplayedCorrespondences int

	publisher     Publisher
	newVisualizer VisualizerFactory
	visualizer    Visualizer

	last    Alignment
	hasLast bool
}

// NewMatcher returns a Matcher driving alg, which may be nil. Engine
// parameters are left untouched until Configure is called.
func NewMatcher(alg Algorithm) *Matcher {
	return &Matcher{
		alg:                         alg,
		matchOnlyKeypoints:          config.DefaultMatchOnlyKeypoints,
		displayAlignment:            config.DefaultDisplayAlignment,
		maxDisplayedCorrespondences: config.DefaultMaxDisplayedCorrespondences,
	}
}

// Configure applies cfg; a nil cfg means all defaults. The six engine
// parameters are forwarded only when an Algorithm is owned. They are also
// retained and forwarded again by SetAlgorithm.
func (m *Matcher) Configure(cfg *config.RegistrationConfig) {
	if cfg == nil {
		cfg = config.EmptyRegistrationConfig()
	}
	m.cfg = cfg
	m.matchOnlyKeypoints = cfg.GetMatchOnlyKeypoints()
	m.displayAlignment = cfg.GetDisplayAlignment()
	m.maxDisplayedCorrespondences = cfg.GetMaxDisplayedCorrespondences()

	if m.alg == nil {
		Diagf("configure: no algorithm yet, engine parameters retained")
		return
	}
	m.applyEngineParams()
}

func (m *Matcher) applyEngineParams() {
	c := m.cfg
	m.alg.SetMaxCorrespondenceDistance(c.GetMaxCorrespondenceDistance())
	m.alg.SetTransformationEpsilon(c.GetTransformationEpsilon())
	m.alg.SetFitnessEpsilon(c.GetFitnessEpsilon())
	m.alg.SetMaxIterations(c.GetMaxIterations())
	m.alg.SetRANSACIterations(c.GetMaxRANSACIterations())
	m.alg.SetRANSACOutlierRejectionThreshold(c.GetRANSACOutlierRejectionThreshold())
	Diagf("configure: max_corr=%g trans_eps=%g fit_eps=%g iters=%d ransac_iters=%d ransac_thresh=%g",
		c.GetMaxCorrespondenceDistance(), c.GetTransformationEpsilon(), c.GetFitnessEpsilon(),
		c.GetMaxIterations(), c.GetMaxRANSACIterations(), c.GetRANSACOutlierRejectionThreshold())
}

// SetAlgorithm replaces the engine. If Configure has already run, its
// engine parameters are applied to alg. A visualizer bound to the
// previous engine stays bound to it.
func (m *Matcher) SetAlgorithm(alg Algorithm) {
	m.alg = alg
	if alg != nil && m.cfg != nil {
		m.applyEngineParams()
	}
}

// Algorithm returns the owned engine, or nil.
func (m *Matcher) Algorithm() Algorithm { return m.alg }

// MatchOnlyKeypoints reports whether keypoints, not the ambient cloud,
// feed the engine.
func (m *Matcher) MatchOnlyKeypoints() bool { return m.matchOnlyKeypoints }

// SetDisplayAlignment toggles lazy visualizer construction.
func (m *Matcher) SetDisplayAlignment(display bool) { m.displayAlignment = display }

// SetPublisher attaches a publisher for emitted clouds; nil detaches.
func (m *Matcher) SetPublisher(p Publisher) { m.publisher = p }

// SetVisualizerFactory sets how the visualizer is built when
// display_alignment is enabled. Without a factory no visualizer is built.
func (m *Matcher) SetVisualizerFactory(f VisualizerFactory) { m.newVisualizer = f }

// Visualizer returns the constructed visualizer, or nil.
func (m *Matcher) Visualizer() Visualizer { return m.visualizer }

// SetReference installs the reference cloud carried by idx as the engine
// target. The caller must rebuild idx whenever the reference changes.
func (m *Matcher) SetReference(idx *cloud.SearchIndex) {
	if m.alg == nil {
		return
	}
	m.alg.SetInputTarget(idx)
	Diagf("reference set: %d points", idx.Len())
}

// RegisterCloud aligns a live scan against the reference. On convergence
// the engine's correction is pre-multiplied into *pose and the emitted
// cloud is returned with true. On failure it returns nil, false and leaves
// *pose untouched.
//
// The emitted cloud depends on the source mode:
//   - ambient source, returnAlignedKeypoints: keypoints moved by the correction
//   - keypoint source, !returnAlignedKeypoints: ambient moved by the correction
//   - otherwise: the engine's own aligned source
func (m *Matcher) RegisterCloud(ambient cloud.PointCloud, ambientIndex *cloud.SearchIndex,
	keypoints cloud.PointCloud, pose *cloud.Transform, returnAlignedKeypoints bool) (cloud.PointCloud, bool) {
	if m.alg == nil {
		return nil, false
	}

	keypointsIndex := cloud.NewSearchIndex(keypoints)
	if m.matchOnlyKeypoints {
		m.alg.SetInputSource(keypointsIndex)
	} else {
		m.alg.SetInputSource(ambientIndex)
	}
	if kp, ok := m.alg.(KeypointProcessor); ok {
		kp.ProcessKeypoints(keypoints, ambientIndex)
	}

	m.updateVisualizer()
	result := m.alg.Align()
	m.last, m.hasLast = result, true

	if !result.Converged {
		Tracef("registration did not converge after %d iterations", result.Iterations)
		return nil, false
	}

	if pose != nil {
		*pose = result.Transform.Mul(*pose)
	}

	out := result.Cloud
	switch {
	case returnAlignedKeypoints && !m.matchOnlyKeypoints:
		out = cloud.TransformCloud(keypoints, result.Transform)
	case !returnAlignedKeypoints && m.matchOnlyKeypoints:
		out = cloud.TransformCloud(ambient, result.Transform)
	}

	if m.publisher != nil {
		m.publisher.Publish(out)
	}

	Tracef("registration converged: iterations=%d fitness=%g points_out=%d",
		result.Iterations, result.Fitness, len(out))
	return out, true
}

// LastAlignment returns the engine result of the most recent
// RegisterCloud call that reached the engine.
func (m *Matcher) LastAlignment() (Alignment, bool) {
	return m.last, m.hasLast
}

// updateVisualizer builds, binds and starts the visualizer once, the first
// time a registration runs with display_alignment enabled.
func (m *Matcher) updateVisualizer() {
	if m.alg == nil || m.visualizer != nil || !m.displayAlignment || m.newVisualizer == nil {
		return
	}
	v := m.newVisualizer()
	if v == nil {
		return
	}
	m.visualizer = v
	v.SetMaxDisplayed(m.maxDisplayedCorrespondences)
	v.Bind(m.alg)
	if err := v.Start(); err != nil {
		Opsf("visualizer failed to start: %v", err)
		return
	}
	Diagf("visualizer activated with %d max displayed correspondences", m.maxDisplayedCorrespondences)
}

// Close stops the visualizer if it supports stopping.
func (m *Matcher) Close() {
	if s, ok := m.visualizer.(interface{ Stop() }); ok {
		s.Stop()
	}
}
