package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical registration defaults file.
const DefaultConfigPath = "config/registration.defaults.json"

// Registration defaults. Absent fields always resolve to these values.
const (
	DefaultMatchOnlyKeypoints              = false
	DefaultDisplayAlignment                = false
	DefaultMaxDisplayedCorrespondences     = 30
	DefaultMaxCorrespondenceDistance       = 1.0
	DefaultTransformationEpsilon           = 1e-8
	DefaultFitnessEpsilon                  = 1e-6
	DefaultMaxIterations                   = 500
	DefaultMaxRANSACIterations             = 500
	DefaultRANSACOutlierRejectionThreshold = 0.05
	DefaultKeypointLeafSize                = 0.1
	DefaultReturnAlignedKeypoints          = false
	DefaultPlotDir                         = "plots/registration"
)

// RegistrationConfig holds the tuning parameters for cloud registration.
// Every field is optional; the Get* methods return the default for any
// field that was not supplied, so a partial or empty config is never an
// error.
type RegistrationConfig struct {
	// Source selection and diagnostics
	MatchOnlyKeypoints          *bool `json:"match_only_keypoints,omitempty"`
	DisplayAlignment            *bool `json:"display_alignment,omitempty"`
	MaxDisplayedCorrespondences *int  `json:"max_displayed_correspondences,omitempty"`

	// Engine params, forwarded to the registration algorithm
	MaxCorrespondenceDistance       *float64 `json:"max_correspondence_distance,omitempty"`
	TransformationEpsilon           *float64 `json:"transformation_epsilon,omitempty"`
	FitnessEpsilon                  *float64 `json:"fitness_epsilon,omitempty"`
	MaxIterations                   *int     `json:"max_iterations,omitempty"`
	MaxRANSACIterations             *int     `json:"max_ransac_iterations,omitempty"`
	RANSACOutlierRejectionThreshold *float64 `json:"ransac_outlier_rejection_threshold,omitempty"`

	// Session params
	KeypointLeafSize       *float64 `json:"keypoint_leaf_size,omitempty"`
	ReturnAlignedKeypoints *bool    `json:"return_aligned_keypoints,omitempty"`
	PlotDir                *string  `json:"plot_dir,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Float64 returns a pointer to v, for building configs in code.
func Float64(v float64) *float64 { return ptrFloat64(v) }

// Bool returns a pointer to v, for building configs in code.
func Bool(v bool) *bool { return ptrBool(v) }

// Int returns a pointer to v, for building configs in code.
func Int(v int) *int { return ptrInt(v) }

// EmptyRegistrationConfig returns a RegistrationConfig with all fields nil.
func EmptyRegistrationConfig() *RegistrationConfig {
	return &RegistrationConfig{}
}

// DefaultRegistrationConfig returns a config with every field set to its default.
func DefaultRegistrationConfig() *RegistrationConfig {
	return &RegistrationConfig{
		MatchOnlyKeypoints:              ptrBool(DefaultMatchOnlyKeypoints),
		DisplayAlignment:                ptrBool(DefaultDisplayAlignment),
		MaxDisplayedCorrespondences:     ptrInt(DefaultMaxDisplayedCorrespondences),
		MaxCorrespondenceDistance:       ptrFloat64(DefaultMaxCorrespondenceDistance),
		TransformationEpsilon:           ptrFloat64(DefaultTransformationEpsilon),
		FitnessEpsilon:                  ptrFloat64(DefaultFitnessEpsilon),
		MaxIterations:                   ptrInt(DefaultMaxIterations),
		MaxRANSACIterations:             ptrInt(DefaultMaxRANSACIterations),
		RANSACOutlierRejectionThreshold: ptrFloat64(DefaultRANSACOutlierRejectionThreshold),
		KeypointLeafSize:                ptrFloat64(DefaultKeypointLeafSize),
		ReturnAlignedKeypoints:          ptrBool(DefaultReturnAlignedKeypoints),
		PlotDir:                         ptrString(DefaultPlotDir),
	}
}

// LoadRegistrationConfig loads a RegistrationConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
// Fields omitted from the file keep their defaults.
func LoadRegistrationConfig(path string) (*RegistrationConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRegistrationConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file
// cannot be loaded; intended for test setup.
func MustLoadDefaultConfig() *RegistrationConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/registration/icp/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadRegistrationConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *RegistrationConfig) Validate() error {
	if c.MaxDisplayedCorrespondences != nil && *c.MaxDisplayedCorrespondences < 0 {
		return fmt.Errorf("max_displayed_correspondences must be non-negative, got %d", *c.MaxDisplayedCorrespondences)
	}
	if c.MaxCorrespondenceDistance != nil && *c.MaxCorrespondenceDistance <= 0 {
		return fmt.Errorf("max_correspondence_distance must be positive, got %g", *c.MaxCorrespondenceDistance)
	}
	if c.TransformationEpsilon != nil && *c.TransformationEpsilon < 0 {
		return fmt.Errorf("transformation_epsilon must be non-negative, got %g", *c.TransformationEpsilon)
	}
	if c.FitnessEpsilon != nil && *c.FitnessEpsilon < 0 {
		return fmt.Errorf("fitness_epsilon must be non-negative, got %g", *c.FitnessEpsilon)
	}
	if c.MaxIterations != nil && *c.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must be non-negative, got %d", *c.MaxIterations)
	}
	if c.MaxRANSACIterations != nil && *c.MaxRANSACIterations < 0 {
		return fmt.Errorf("max_ransac_iterations must be non-negative, got %d", *c.MaxRANSACIterations)
	}
	if c.RANSACOutlierRejectionThreshold != nil && *c.RANSACOutlierRejectionThreshold < 0 {
		return fmt.Errorf("ransac_outlier_rejection_threshold must be non-negative, got %g", *c.RANSACOutlierRejectionThreshold)
	}
	if c.KeypointLeafSize != nil && *c.KeypointLeafSize < 0 {
		return fmt.Errorf("keypoint_leaf_size must be non-negative, got %g", *c.KeypointLeafSize)
	}
	return nil
}

// GetMatchOnlyKeypoints returns the match_only_keypoints value or the default.
func (c *RegistrationConfig) GetMatchOnlyKeypoints() bool {
	if c == nil || c.MatchOnlyKeypoints == nil {
		return DefaultMatchOnlyKeypoints
	}
	return *c.MatchOnlyKeypoints
}

// GetDisplayAlignment returns the display_alignment value or the default.
func (c *RegistrationConfig) GetDisplayAlignment() bool {
	if c == nil || c.DisplayAlignment == nil {
		return DefaultDisplayAlignment
	}
	return *c.DisplayAlignment
}

// GetMaxDisplayedCorrespondences returns the max_displayed_correspondences value or the default.
func (c *RegistrationConfig) GetMaxDisplayedCorrespondences() int {
	if c == nil || c.MaxDisplayedCorrespondences == nil {
		return DefaultMaxDisplayedCorrespondences
	}
	return *c.MaxDisplayedCorrespondences
}

// GetMaxCorrespondenceDistance returns the max_correspondence_distance value or the default.
func (c *RegistrationConfig) GetMaxCorrespondenceDistance() float64 {
	if c == nil || c.MaxCorrespondenceDistance == nil {
		return DefaultMaxCorrespondenceDistance
	}
	return *c.MaxCorrespondenceDistance
}

// GetTransformationEpsilon returns the transformation_epsilon value or the default.
func (c *RegistrationConfig) GetTransformationEpsilon() float64 {
	if c == nil || c.TransformationEpsilon == nil {
		return DefaultTransformationEpsilon
	}
	return *c.TransformationEpsilon
}

// GetFitnessEpsilon returns the fitness_epsilon value or the default.
func (c *RegistrationConfig) GetFitnessEpsilon() float64 {
	if c == nil || c.FitnessEpsilon == nil {
		return DefaultFitnessEpsilon
	}
	return *c.FitnessEpsilon
}

// GetMaxIterations returns the max_iterations value or the default.
func (c *RegistrationConfig) GetMaxIterations() int {
	if c == nil || c.MaxIterations == nil {
		return DefaultMaxIterations
	}
	return *c.MaxIterations
}

// GetMaxRANSACIterations returns the max_ransac_iterations value or the default.
func (c *RegistrationConfig) GetMaxRANSACIterations() int {
	if c == nil || c.MaxRANSACIterations == nil {
		return DefaultMaxRANSACIterations
	}
	return *c.MaxRANSACIterations
}

// GetRANSACOutlierRejectionThreshold returns the ransac_outlier_rejection_threshold value or the default.
func (c *RegistrationConfig) GetRANSACOutlierRejectionThreshold() float64 {
	if c == nil || c.RANSACOutlierRejectionThreshold == nil {
		return DefaultRANSACOutlierRejectionThreshold
	}
	return *c.RANSACOutlierRejectionThreshold
}

// GetKeypointLeafSize returns the keypoint_leaf_size value or the default.
func (c *RegistrationConfig) GetKeypointLeafSize() float64 {
	if c == nil || c.KeypointLeafSize == nil {
		return DefaultKeypointLeafSize
	}
	return *c.KeypointLeafSize
}

// GetReturnAlignedKeypoints returns the return_aligned_keypoints value or the default.
func (c *RegistrationConfig) GetReturnAlignedKeypoints() bool {
	if c == nil || c.ReturnAlignedKeypoints == nil {
		return DefaultReturnAlignedKeypoints
	}
	return *c.ReturnAlignedKeypoints
}

// GetPlotDir returns the plot_dir value or the default.
func (c *RegistrationConfig) GetPlotDir() string {
	if c == nil || c.PlotDir == nil || *c.PlotDir == "" {
		return DefaultPlotDir
	}
	return *c.PlotDir
}
