package quality

import "fmt"

// Severity orders how bad a regression is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// RegressionType names which rule fired.
type RegressionType string

const (
	RegressionLint     RegressionType = "lint_regression"
	RegressionTypes    RegressionType = "type_regression"
	RegressionTests    RegressionType = "test_regression"
	RegressionCoverage RegressionType = "coverage_regression"
	RegressionBuild    RegressionType = "build_failure"
)

// Regression is one detected delta between baseline and current metrics.
type Regression struct {
	Type        RegressionType `json:"type"`
	Severity    Severity       `json:"severity"`
	Baseline    float64        `json:"baseline"`
	Current     float64        `json:"current"`
	Delta       float64        `json:"delta"`
	Description string         `json:"description"`
	Resolved    bool           `json:"resolved"`
}

// Thresholds tune how large a delta must be before a rule fires.
// Zero-valued count thresholds mean any increase counts.
type Thresholds struct {
	LintErrors   int
	TypeErrors   int
	TestsFailing int
	CoverageDrop float64
}

// DefaultThresholds fire on any new lint/type/test failure and on coverage
// drops past five points.
func DefaultThresholds() Thresholds {
	return Thresholds{CoverageDrop: 5.0}
}

// DetectRegressions compares current metrics against the baseline and emits
// one regression per triggered rule, using the default thresholds.
func DetectRegressions(baseline, current *Snapshot) []Regression {
	return DetectRegressionsWith(baseline, current, DefaultThresholds())
}

// DetectRegressionsWith is DetectRegressions with explicit thresholds.
func DetectRegressionsWith(baseline, current *Snapshot, th Thresholds) []Regression {
	if baseline == nil || current == nil {
		return nil
	}
	var out []Regression

	if delta := current.LintErrors - baseline.LintErrors; delta > th.LintErrors {
		severity := SeverityLow
		switch {
		case delta >= 10:
			severity = SeverityHigh
		case delta >= 5:
			severity = SeverityMedium
		}
		out = append(out, Regression{
			Type:     RegressionLint,
			Severity: severity,
			Baseline: float64(baseline.LintErrors),
			Current:  float64(current.LintErrors),
			Delta:    float64(delta),
			Description: fmt.Sprintf("lint errors rose from %d to %d",
				baseline.LintErrors, current.LintErrors),
		})
	}

	if delta := current.TypeErrors - baseline.TypeErrors; delta > th.TypeErrors {
		severity := SeverityMedium
		if delta >= 5 {
			severity = SeverityHigh
		}
		out = append(out, Regression{
			Type:     RegressionTypes,
			Severity: severity,
			Baseline: float64(baseline.TypeErrors),
			Current:  float64(current.TypeErrors),
			Delta:    float64(delta),
			Description: fmt.Sprintf("type errors rose from %d to %d",
				baseline.TypeErrors, current.TypeErrors),
		})
	}

	if delta := current.TestsFailing - baseline.TestsFailing; delta > th.TestsFailing {
		out = append(out, Regression{
			Type:     RegressionTests,
			Severity: SeverityCritical,
			Baseline: float64(baseline.TestsFailing),
			Current:  float64(current.TestsFailing),
			Delta:    float64(delta),
			Description: fmt.Sprintf("failing tests rose from %d to %d",
				baseline.TestsFailing, current.TestsFailing),
		})
	}

	if drop := baseline.TestCoverage - current.TestCoverage; drop > th.CoverageDrop {
		severity := SeverityLow
		switch {
		case drop >= 20:
			severity = SeverityHigh
		case drop >= 10:
			severity = SeverityMedium
		}
		out = append(out, Regression{
			Type:     RegressionCoverage,
			Severity: severity,
			Baseline: baseline.TestCoverage,
			Current:  current.TestCoverage,
			Delta:    -drop,
			Description: fmt.Sprintf("test coverage dropped from %.1f%% to %.1f%%",
				baseline.TestCoverage, current.TestCoverage),
		})
	}

	if baseline.BuildSuccess && !current.BuildSuccess {
		out = append(out, Regression{
			Type:        RegressionBuild,
			Severity:    SeverityCritical,
			Baseline:    1,
			Current:     0,
			Delta:       -1,
			Description: "build broke against a previously building baseline",
		})
	}

	return out
}

// HasCriticalRegressions reports whether any regression is critical.
func HasCriticalRegressions(regressions []Regression) bool {
	for _, r := range regressions {
		if r.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// HasBlockingRegressions reports whether any regression is critical or high.
func HasBlockingRegressions(regressions []Regression) bool {
	for _, r := range regressions {
		if r.Severity == SeverityCritical || r.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// Summary aggregates a regression list for reporting.
type Summary struct {
	Total        int                    `json:"total"`
	BySeverity   map[Severity]int       `json:"by_severity"`
	ByType       map[RegressionType]int `json:"by_type"`
	Blocking     bool                   `json:"blocking"`
	Descriptions []string               `json:"descriptions"`
}

// SummarizeRegressions counts regressions by severity and type and collects
// their descriptions.
func SummarizeRegressions(regressions []Regression) Summary {
	s := Summary{
		Total:      len(regressions),
		BySeverity: make(map[Severity]int),
		ByType:     make(map[RegressionType]int),
		Blocking:   HasBlockingRegressions(regressions),
	}
	for _, r := range regressions {
		s.BySeverity[r.Severity]++
		s.ByType[r.Type]++
		s.Descriptions = append(s.Descriptions, r.Description)
	}
	return s
}
