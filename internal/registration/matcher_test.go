package registration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/localise/internal/cloud"
	"github.com/banshee-data/localise/internal/config"
)

// fakeAlgorithm is a scripted engine: Align moves the current source by
// correction and reports converged.
type fakeAlgorithm struct {
	converged  bool
	correction cloud.Transform

	target *cloud.SearchIndex
	source *cloud.SearchIndex

	alignCalls int

	maxCorrDist   float64
	transEps      float64
	fitEps        float64
	maxIters      int
	ransacIters   int
	ransacThresh  float64
	paramSetCalls int
}

func newFakeAlgorithm(converged bool, correction cloud.Transform) *fakeAlgorithm {
	return &fakeAlgorithm{converged: converged, correction: correction}
}

func (f *fakeAlgorithm) SetInputTarget(idx *cloud.SearchIndex) { f.target = idx }
func (f *fakeAlgorithm) SetInputSource(idx *cloud.SearchIndex) { f.source = idx }

func (f *fakeAlgorithm) Align() Alignment {
	f.alignCalls++
	return Alignment{
		Cloud:      cloud.TransformCloud(f.source.Cloud(), f.correction),
		Converged:  f.converged,
		Transform:  f.correction,
		Fitness:    0,
		Iterations: 1,
	}
}

func (f *fakeAlgorithm) SetMaxCorrespondenceDistance(d float64) { f.maxCorrDist = d; f.paramSetCalls++ }
func (f *fakeAlgorithm) SetTransformationEpsilon(eps float64) { f.transEps = eps; f.paramSetCalls++ }
func (f *fakeAlgorithm) SetFitnessEpsilon(eps float64) { f.fitEps = eps; f.paramSetCalls++ }
func (f *fakeAlgorithm) SetMaxIterations(n int) { f.maxIters = n; f.paramSetCalls++ }
func (f *fakeAlgorithm) SetRANSACIterations(n int) { f.ransacIters = n; f.paramSetCalls++ }
func (f *fakeAlgorithm) SetRANSACOutlierRejectionThreshold(t float64) {
	f.ransacThresh = t
	f.paramSetCalls++
}

type recordingPublisher struct {
	published []cloud.PointCloud
}

func (p *recordingPublisher) Publish(c cloud.PointCloud) { p.published = append(p.published, c) }

type fakeVisualizer struct {
	bound      Algorithm
	maxShown   int
	startCalls int
	stopCalls  int
	startErr   error
}

func (v *fakeVisualizer) Bind(alg Algorithm) { v.bound = alg }
func (v *fakeVisualizer) SetMaxDisplayed(n int) { v.maxShown = n }
func (v *fakeVisualizer) Start() error { v.startCalls++; return v.startErr }
func (v *fakeVisualizer) Stop() { v.stopCalls++ }

func unitCube() cloud.PointCloud {
	var c cloud.PointCloud
	for _, x := range []float64{0, 1} {
		for _, y := range []float64{0, 1} {
			for _, z := range []float64{0, 1} {
				c = append(c, cloud.Point{X: x, Y: y, Z: z})
			}
		}
	}
	return c
}

func TestRegisterCloud_NoAlgorithm(t *testing.T) {
	t.Parallel()

	for _, cfg := range []*config.RegistrationConfig{
		nil,
		{MatchOnlyKeypoints: config.Bool(true)},
		{DisplayAlignment: config.Bool(true)},
	} {
		m := NewMatcher(nil)
		m.Configure(cfg)
		pub := &recordingPublisher{}
		m.SetPublisher(pub)

		pose := cloud.NewRotationZ(0.4).Mul(cloud.NewTranslation(3, 2, 1))
		before := pose

		ambient := unitCube()
		out, ok := m.RegisterCloud(ambient, cloud.NewSearchIndex(ambient), ambient, &pose, true)
		assert.False(t, ok)
		assert.Nil(t, out)
		assert.Equal(t, before, pose, "pose must be bit-identical")
		assert.Empty(t, pub.published)
		_, hasLast := m.LastAlignment()
		assert.False(t, hasLast)
	}
}

func TestSetReference_NoAlgorithmIsNoop(t *testing.T) {
	t.Parallel()
	m := NewMatcher(nil)
	assert.NotPanics(t, func() { m.SetReference(cloud.NewSearchIndex(unitCube())) })
}

func TestConfigure_ForwardsEngineParams(t *testing.T) {
	t.Parallel()

	alg := newFakeAlgorithm(true, cloud.Identity())
	m := NewMatcher(alg)
	m.Configure(&config.RegistrationConfig{
		MaxIterations:  config.Int(42),
		FitnessEpsilon: config.Float64(1e-3),
	})

	assert.Equal(t, 6, alg.paramSetCalls)
	assert.Equal(t, 42, alg.maxIters)
	assert.Equal(t, 1e-3, alg.fitEps)
	// Absent parameters take their defaults.
	assert.Equal(t, 1.0, alg.maxCorrDist)
	assert.Equal(t, 1e-8, alg.transEps)
	assert.Equal(t, 500, alg.ransacIters)
	assert.Equal(t, 0.05, alg.ransacThresh)
}

func TestConfigure_BeforeAlgorithmIsAppliedBySetAlgorithm(t *testing.T) {
	t.Parallel()

	m := NewMatcher(nil)
	m.Configure(&config.RegistrationConfig{MaxIterations: config.Int(7)})

	alg := newFakeAlgorithm(true, cloud.Identity())
	m.SetAlgorithm(alg)
	assert.Equal(t, 7, alg.maxIters)
	assert.Same(t, alg, m.Algorithm())
}

func TestSetAlgorithm_WithoutConfigureLeavesEngineUntouched(t *testing.T) {
	t.Parallel()

	alg := newFakeAlgorithm(true, cloud.Identity())
	m := NewMatcher(nil)
	m.SetAlgorithm(alg)
	assert.Equal(t, 0, alg.paramSetCalls)
}

func TestRegisterCloud_ComposesCorrectionOnTheLeft(t *testing.T) {
	t.Parallel()

	correction := cloud.NewRotationZ(0.25).Mul(cloud.NewTranslation(-1, 0.5, 0))
	alg := newFakeAlgorithm(true, correction)
	m := NewMatcher(alg)
	m.Configure(nil)

	pose := cloud.NewTranslation(10, 0, 0).Mul(cloud.NewRotationZ(1.0))
	before := pose

	ambient := unitCube()
	_, ok := m.RegisterCloud(ambient, cloud.NewSearchIndex(ambient), ambient, &pose, false)
	require.True(t, ok)

	assert.Equal(t, correction.Mul(before), pose)
	assert.False(t, before.Mul(correction).ApproxEqual(pose, 1e-9),
		"right composition would give a different pose for this input")
}

func TestRegisterCloud_NonConvergenceIsIdempotent(t *testing.T) {
	t.Parallel()

	alg := newFakeAlgorithm(false, cloud.NewTranslation(5, 5, 5))
	m := NewMatcher(alg)
	m.Configure(nil)
	pub := &recordingPublisher{}
	m.SetPublisher(pub)

	pose := cloud.NewTranslation(1, 2, 3)
	before := pose
	ambient := unitCube()
	idx := cloud.NewSearchIndex(ambient)

	for i := 0; i < 5; i++ {
		out, ok := m.RegisterCloud(ambient, idx, ambient, &pose, i%2 == 0)
		assert.False(t, ok)
		assert.Nil(t, out)
		assert.Equal(t, before, pose)
	}
	assert.Equal(t, 5, alg.alignCalls)
	assert.Empty(t, pub.published)

	last, hasLast := m.LastAlignment()
	require.True(t, hasLast)
	assert.False(t, last.Converged)
}

func TestRegisterCloud_SourceSelection(t *testing.T) {
	t.Parallel()

	ambient := unitCube()
	ambientIdx := cloud.NewSearchIndex(ambient)
	keypoints := ambient[:3]

	t.Run("ambient source uses caller index", func(t *testing.T) {
		t.Parallel()
		alg := newFakeAlgorithm(true, cloud.Identity())
		m := NewMatcher(alg)
		m.Configure(nil)
		pose := cloud.Identity()
		_, ok := m.RegisterCloud(ambient, ambientIdx, keypoints, &pose, false)
		require.True(t, ok)
		assert.Same(t, ambientIdx, alg.source)
	})

	t.Run("keypoint source uses fresh index", func(t *testing.T) {
		t.Parallel()
		alg := newFakeAlgorithm(true, cloud.Identity())
		m := NewMatcher(alg)
		m.Configure(&config.RegistrationConfig{MatchOnlyKeypoints: config.Bool(true)})
		pose := cloud.Identity()
		_, ok := m.RegisterCloud(ambient, ambientIdx, keypoints, &pose, true)
		require.True(t, ok)
		require.NotNil(t, alg.source)
		assert.NotSame(t, ambientIdx, alg.source)
		assert.Equal(t, keypoints, alg.source.Cloud())
	})
}

func TestRegisterCloud_OutputSelectionMatrix(t *testing.T) {
	t.Parallel()

	correction := cloud.NewTranslation(-0.5, 0.25, 0)
	ambient := unitCube()
	keypoints := cloud.PointCloud{{X: 0.5, Y: 0.5, Z: 0.5}, {X: 2, Y: 0, Z: 0}}

	tests := []struct {
		name                   string
		matchOnlyKeypoints     bool
		returnAlignedKeypoints bool
		want                   cloud.PointCloud
	}{
		{
			name:                   "ambient source, aligned keypoints requested",
			matchOnlyKeypoints:     false,
			returnAlignedKeypoints: true,
			want:                   cloud.TransformCloud(keypoints, correction),
		},
		{
			name:                   "keypoint source, aligned ambient requested",
			matchOnlyKeypoints:     true,
			returnAlignedKeypoints: false,
			want:                   cloud.TransformCloud(ambient, correction),
		},
		{
			name:                   "ambient source, engine output",
			matchOnlyKeypoints:     false,
			returnAlignedKeypoints: false,
			want:                   cloud.TransformCloud(ambient, correction),
		},
		{
			name:                   "keypoint source, engine output",
			matchOnlyKeypoints:     true,
			returnAlignedKeypoints: true,
			want:                   cloud.TransformCloud(keypoints, correction),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			alg := &taggedAlgorithm{fakeAlgorithm: newFakeAlgorithm(true, correction)}
			m := NewMatcher(alg)
			m.Configure(&config.RegistrationConfig{MatchOnlyKeypoints: config.Bool(tt.matchOnlyKeypoints)})
			pub := &recordingPublisher{}
			m.SetPublisher(pub)

			pose := cloud.Identity()
			out, ok := m.RegisterCloud(ambient, cloud.NewSearchIndex(ambient), keypoints, &pose, tt.returnAlignedKeypoints)
			require.True(t, ok)
			assert.Equal(t, positions(tt.want), positions(out))

			engineOwn := tt.matchOnlyKeypoints == tt.returnAlignedKeypoints
			assert.Equal(t, engineOwn, isTagged(out), "engine output must be emitted only when the modes agree")

			require.Len(t, pub.published, 1)
			assert.Equal(t, out, pub.published[0])
		})
	}
}

// taggedAlgorithm marks its own output with intensity 255 so tests can tell
// it apart from a re-transformed copy.
type taggedAlgorithm struct {
	*fakeAlgorithm
}

func (a *taggedAlgorithm) Align() Alignment {
	res := a.fakeAlgorithm.Align()
	for i := range res.Cloud {
		res.Cloud[i].Intensity = 255
	}
	return res
}

func isTagged(c cloud.PointCloud) bool {
	if len(c) == 0 {
		return false
	}
	for _, p := range c {
		if p.Intensity != 255 {
			return false
		}
	}
	return true
}

func positions(c cloud.PointCloud) [][3]float64 {
	out := make([][3]float64, len(c))
	for i, p := range c {
		out[i] = [3]float64{p.X, p.Y, p.Z}
	}
	return out
}

func TestRegisterCloud_EngineOutputDoesNotAliasCaller(t *testing.T) {
	t.Parallel()

	alg := &taggedAlgorithm{fakeAlgorithm: newFakeAlgorithm(true, cloud.Identity())}
	m := NewMatcher(alg)
	m.Configure(nil)
	ambient := unitCube()
	pose := cloud.Identity()
	out, ok := m.RegisterCloud(ambient, cloud.NewSearchIndex(ambient), ambient[:2], &pose, false)
	require.True(t, ok)
	assert.True(t, isTagged(out))
	assert.False(t, isTagged(ambient), "caller cloud must not be mutated")
}

func TestRegisterCloud_UnitCubeScenario(t *testing.T) {
	t.Parallel()

	reference := unitCube()
	ambient := cloud.TransformCloud(reference, cloud.NewTranslation(1, 0, 0))
	keypoints := reference

	// The engine reports the correction that moves the ambient scan back
	// onto the reference.
	correction := cloud.NewTranslation(-1, 0, 0)
	alg := newFakeAlgorithm(true, correction)
	m := NewMatcher(alg)
	m.Configure(&config.RegistrationConfig{MatchOnlyKeypoints: config.Bool(false)})
	m.SetReference(cloud.NewSearchIndex(reference))
	require.NotNil(t, alg.target)
	assert.Equal(t, reference, alg.target.Cloud())

	pose := cloud.NewTranslation(1, 0, 0)
	out, ok := m.RegisterCloud(ambient, cloud.NewSearchIndex(ambient), keypoints, &pose, false)
	require.True(t, ok)

	assert.Equal(t, reference, out, "engine's aligned ambient cloud is emitted")
	assert.True(t, pose.ApproxEqual(cloud.Identity(), 1e-12))
}

func TestRegisterCloud_UnitCubeScenarioNonConverged(t *testing.T) {
	t.Parallel()

	reference := unitCube()
	ambient := cloud.TransformCloud(reference, cloud.NewTranslation(1, 0, 0))
	alg := newFakeAlgorithm(false, cloud.NewTranslation(-1, 0, 0))
	m := NewMatcher(alg)
	m.Configure(&config.RegistrationConfig{MaxIterations: config.Int(0)})
	m.SetReference(cloud.NewSearchIndex(reference))
	assert.Equal(t, 0, alg.maxIters)

	pose := cloud.NewTranslation(1, 0, 0)
	before := pose
	out, ok := m.RegisterCloud(ambient, cloud.NewSearchIndex(ambient), reference, &pose, false)
	assert.False(t, ok)
	assert.Nil(t, out)
	assert.Equal(t, before, pose)
}

func TestRegisterCloud_NilPoseIsTolerated(t *testing.T) {
	t.Parallel()
	m := NewMatcher(newFakeAlgorithm(true, cloud.Identity()))
	ambient := unitCube()
	out, ok := m.RegisterCloud(ambient, cloud.NewSearchIndex(ambient), ambient, nil, false)
	assert.True(t, ok)
	assert.Len(t, out, len(ambient))
}

func TestUpdateVisualizer_ConstructedOnceWhenEnabled(t *testing.T) {
	t.Parallel()

	alg := newFakeAlgorithm(true, cloud.Identity())
	m := NewMatcher(alg)
	m.Configure(&config.RegistrationConfig{
		DisplayAlignment:            config.Bool(true),
		MaxDisplayedCorrespondences: config.Int(12),
	})

	built := 0
	vis := &fakeVisualizer{}
	m.SetVisualizerFactory(func() Visualizer {
		built++
		return vis
	})

	ambient := unitCube()
	idx := cloud.NewSearchIndex(ambient)
	for i := 0; i < 4; i++ {
		pose := cloud.Identity()
		m.RegisterCloud(ambient, idx, ambient, &pose, false)
	}

	assert.Equal(t, 1, built)
	assert.Equal(t, 1, vis.startCalls)
	assert.Equal(t, 12, vis.maxShown)
	assert.Same(t, alg, vis.bound)
	assert.Same(t, vis, m.Visualizer())

	m.Close()
	assert.Equal(t, 1, vis.stopCalls)
}

func TestUpdateVisualizer_NeverConstructedWhenDisabled(t *testing.T) {
	t.Parallel()

	m := NewMatcher(newFakeAlgorithm(true, cloud.Identity()))
	m.Configure(&config.RegistrationConfig{DisplayAlignment: config.Bool(false)})
	built := 0
	m.SetVisualizerFactory(func() Visualizer {
		built++
		return &fakeVisualizer{}
	})

	ambient := unitCube()
	for i := 0; i < 3; i++ {
		pose := cloud.Identity()
		m.RegisterCloud(ambient, cloud.NewSearchIndex(ambient), ambient, &pose, false)
	}
	assert.Equal(t, 0, built)
	assert.Nil(t, m.Visualizer())
}

func TestUpdateVisualizer_NoAlgorithmNoVisualizer(t *testing.T) {
	t.Parallel()

	m := NewMatcher(nil)
	m.SetDisplayAlignment(true)
	built := 0
	m.SetVisualizerFactory(func() Visualizer {
		built++
		return &fakeVisualizer{}
	})
	ambient := unitCube()
	pose := cloud.Identity()
	m.RegisterCloud(ambient, cloud.NewSearchIndex(ambient), ambient, &pose, false)
	assert.Equal(t, 0, built)
}

func TestUpdateVisualizer_StartFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	m := NewMatcher(newFakeAlgorithm(true, cloud.Identity()))
	m.SetDisplayAlignment(true)
	vis := &fakeVisualizer{startErr: errors.New("no display")}
	built := 0
	m.SetVisualizerFactory(func() Visualizer {
		built++
		return vis
	})

	ambient := unitCube()
	for i := 0; i < 2; i++ {
		pose := cloud.Identity()
		_, ok := m.RegisterCloud(ambient, cloud.NewSearchIndex(ambient), ambient, &pose, false)
		assert.True(t, ok, "visualizer failure must not fail registration")
	}
	assert.Equal(t, 1, built)
	assert.Equal(t, 1, vis.startCalls)
}

// featureAlgorithm records the order in which the matcher drives it.
type featureAlgorithm struct {
	*fakeAlgorithm
	events    []string
	keypoints cloud.PointCloud
	ambient   *cloud.SearchIndex
}

func (f *featureAlgorithm) SetInputSource(idx *cloud.SearchIndex) {
	f.events = append(f.events, "source")
	f.fakeAlgorithm.SetInputSource(idx)
}

func (f *featureAlgorithm) ProcessKeypoints(keypoints cloud.PointCloud, ambient *cloud.SearchIndex) {
	f.events = append(f.events, "keypoints")
	f.keypoints, f.ambient = keypoints, ambient
}

func (f *featureAlgorithm) Align() Alignment {
	f.events = append(f.events, "align")
	return f.fakeAlgorithm.Align()
}

func TestRegisterCloud_ProcessesKeypointsBeforeAlign(t *testing.T) {
	t.Parallel()

	for _, matchOnlyKeypoints := range []bool{false, true} {
		alg := &featureAlgorithm{fakeAlgorithm: newFakeAlgorithm(true, cloud.Identity())}
		m := NewMatcher(alg)
		m.Configure(&config.RegistrationConfig{MatchOnlyKeypoints: &matchOnlyKeypoints})

		vis := &fakeVisualizer{}
		m.SetDisplayAlignment(true)
		m.SetVisualizerFactory(func() Visualizer {
			alg.events = append(alg.events, "visualizer")
			return vis
		})

		ambient := unitCube()
		ambientIndex := cloud.NewSearchIndex(ambient)
		keypoints := ambient[:4]
		pose := cloud.Identity()
		_, ok := m.RegisterCloud(ambient, ambientIndex, keypoints, &pose, false)
		require.True(t, ok)

		assert.Equal(t, []string{"source", "keypoints", "visualizer", "align"}, alg.events,
			"match_only_keypoints=%v", matchOnlyKeypoints)
		assert.Equal(t, keypoints, alg.keypoints)
		assert.Same(t, ambientIndex, alg.ambient)
	}
}
