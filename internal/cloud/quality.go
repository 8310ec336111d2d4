package cloud

import "math"

// FitQuality grades how well a registered cloud sits on its reference.
type FitQuality string

const (
	// FitQualityExcellent indicates RMSE < 0.05m
	FitQualityExcellent FitQuality = "excellent"
	// FitQualityGood indicates RMSE 0.05-0.15m, good enough to keep tracking
	FitQualityGood FitQuality = "good"
	// FitQualityFair indicates RMSE 0.15-0.30m, usable but drifting
	FitQualityFair FitQuality = "fair"
	// FitQualityPoor indicates RMSE > 0.30m
	FitQualityPoor FitQuality = "poor"
	// FitQualityUnknown indicates no fitness was computed
	FitQualityUnknown FitQuality = "unknown"
)

// Fit quality RMSE thresholds (meters)
const (
	RMSEThresholdExcellent = 0.05
	RMSEThresholdGood      = 0.15
	RMSEThresholdFair      = 0.30
)

// AssessFit grades a registration from its fitness score, the mean squared
// correspondence distance reported by the engine. Negative or NaN scores
// are treated as not computed.
func AssessFit(fitness float64) FitQuality {
	if fitness < 0 || math.IsNaN(fitness) || math.IsInf(fitness, 0) {
		return FitQualityUnknown
	}
	rmse := math.Sqrt(fitness)
	switch {
	case rmse < RMSEThresholdExcellent:
		return FitQualityExcellent
	case rmse < RMSEThresholdGood:
		return FitQualityGood
	case rmse < RMSEThresholdFair:
		return FitQualityFair
	default:
		return FitQualityPoor
	}
}

// String returns a human-readable description of the fit quality.
func (q FitQuality) String() string {
	switch q {
	case FitQualityExcellent:
		return "excellent (RMSE < 0.05m)"
	case FitQualityGood:
		return "good (RMSE 0.05-0.15m)"
	case FitQualityFair:
		return "fair (RMSE 0.15-0.30m)"
	case FitQualityPoor:
		return "poor (RMSE > 0.30m)"
	case FitQualityUnknown:
		return "unknown (fitness not computed)"
	default:
		return string(q)
	}
}

// UsableForTracking reports whether a pose corrected with this fit should
// keep feeding the running estimate. Unknown is allowed with caution.
func (q FitQuality) UsableForTracking() bool {
	return q == FitQualityExcellent || q == FitQualityGood ||
		q == FitQualityFair || q == FitQualityUnknown
}
