// Package localise tracks a sensor pose against a fixed reference map by
// registering each live scan and journalling the outcome.
package localise

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/localise/internal/cloud"
	"github.com/banshee-data/localise/internal/config"
	"github.com/banshee-data/localise/internal/registration"
	"github.com/banshee-data/localise/internal/storage/sqlite"
)

var (
	// ErrNoReference is returned by Process before a reference cloud is set.
	ErrNoReference = errors.New("no reference cloud set")
	// ErrEmptyReference is returned when the reference cloud has no points.
	ErrEmptyReference = errors.New("reference cloud is empty")
)

// Journal persists registration outcomes.
type Journal interface {
	InsertPose(rec *sqlite.PoseRecord) error
}

// Result describes one processed scan.
type Result struct {
	Converged  bool
	Cloud      cloud.PointCloud // emitted cloud, nil when not converged
	Pose       cloud.Transform  // running pose after this scan
	Fitness    float64
	Iterations int
	Quality    cloud.FitQuality
	Keypoints  int
	PoseID     string // journal id, empty without a journal
}

// Stats counts processed scans.
type Stats struct {
	Processed uint64
	Converged uint64
	Failed    uint64
}

// Session owns a Matcher, the reference it matches against and the
// running pose. Process is safe for concurrent use; scans are registered
// one at a time.
type Session struct {
	mu sync.Mutex

	id        string
	cfg       *config.RegistrationConfig
	matcher   *registration.Matcher
	reference cloud.PointCloud
	pose      cloud.Transform
	journal   Journal
	stats     Stats
}

// Option configures a Session.
type Option func(*Session)

// WithSessionID sets the id journal records are filed under.
func WithSessionID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithJournal records every processed scan in j.
func WithJournal(j Journal) Option {
	return func(s *Session) { s.journal = j }
}

// WithInitialPose seeds the running pose.
func WithInitialPose(t cloud.Transform) Option {
	return func(s *Session) { s.pose = t }
}

// WithPublisher forwards every emitted cloud to p.
func WithPublisher(p registration.Publisher) Option {
	return func(s *Session) { s.matcher.SetPublisher(p) }
}

// WithVisualizerFactory sets how the alignment visualizer is built when
// display_alignment is enabled.
func WithVisualizerFactory(f registration.VisualizerFactory) Option {
	return func(s *Session) { s.matcher.SetVisualizerFactory(f) }
}

// NewSession builds a session around alg configured by cfg (nil means
// defaults). The running pose starts at identity.
func NewSession(cfg *config.RegistrationConfig, alg registration.Algorithm, opts ...Option) *Session {
	if cfg == nil {
		cfg = config.EmptyRegistrationConfig()
	}
	s := &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		matcher: registration.NewMatcher(alg),
		pose:    cloud.Identity(),
	}
	s.matcher.Configure(cfg)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Matcher returns the underlying matcher.
func (s *Session) Matcher() *registration.Matcher { return s.matcher }

// SetReferenceCloud installs c as the map every scan is registered against.
func (s *Session) SetReferenceCloud(c cloud.PointCloud) error {
	if len(c) == 0 {
		return ErrEmptyReference
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reference = c
	s.matcher.SetReference(cloud.NewSearchIndex(c))
	diagf("session %s: reference set, %d points", s.id, len(c))
	return nil
}

// Pose returns the running pose.
func (s *Session) Pose() cloud.Transform {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pose
}

// SetPose overrides the running pose, e.g. after an external relocalisation.
func (s *Session) SetPose(t cloud.Transform) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pose = t
	x, y, z := t.Translation()
	diagf("session %s: pose set to t=(%.3f, %.3f, %.3f) yaw=%.4f", s.id, x, y, z, t.Yaw())
}

// Stats returns scan counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Process registers one ambient scan. Keypoints are the voxel-grid
// downsample of the scan. A scan that fails to register is reported with
// Converged false and no error; the error return is reserved for journal
// failures and a missing reference.
func (s *Session) Process(ambient cloud.PointCloud) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reference == nil {
		return Result{}, ErrNoReference
	}

	keypoints := cloud.VoxelGrid(ambient, s.cfg.GetKeypointLeafSize())
	out, ok := s.matcher.RegisterCloud(ambient, cloud.NewSearchIndex(ambient), keypoints,
		&s.pose, s.cfg.GetReturnAlignedKeypoints())

	res := Result{
		Converged: ok,
		Cloud:     out,
		Pose:      s.pose,
		Fitness:   -1,
		Quality:   cloud.FitQualityUnknown,
		Keypoints: len(keypoints),
	}
	if last, has := s.matcher.LastAlignment(); has {
		res.Fitness = last.Fitness
		res.Iterations = last.Iterations
	}
	if ok {
		res.Quality = cloud.AssessFit(res.Fitness)
	}

	s.stats.Processed++
	if ok {
		s.stats.Converged++
	} else {
		s.stats.Failed++
	}

	if s.journal != nil {
		rec := &sqlite.PoseRecord{
			SessionID:  s.id,
			Transform:  s.pose,
			Converged:  ok,
			Fitness:    res.Fitness,
			Iterations: res.Iterations,
			Quality:    string(res.Quality),
			PointCount: len(ambient),
		}
		if err := s.journal.InsertPose(rec); err != nil {
			return res, fmt.Errorf("journal pose: %w", err)
		}
		res.PoseID = rec.PoseID
	}

	if ok && !res.Quality.UsableForTracking() {
		opsf("session %s: converged with %s fit (mse=%.4f)", s.id, res.Quality, res.Fitness)
	}
	return res, nil
}

// Close releases the matcher's visualizer.
func (s *Session) Close() {
	s.matcher.Close()
}
