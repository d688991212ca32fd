package quality

import "fmt"

// Operator compares a measured metric against a gate threshold.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
)

// Metric names gates can reference.
const (
	MetricBuildSuccess = "build_success"
	MetricTypeErrors   = "type_errors"
	MetricLintErrors   = "lint_errors"
	MetricLintWarnings = "lint_warnings"
	MetricTestsFailing = "tests_failing"
	MetricTestPassRate = "test_pass_rate"
	MetricTestCoverage = "test_coverage"
)

// Gate is one declarative quality rule.
type Gate struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Metric    string   `json:"metric"`
	Operator  Operator `json:"operator"`
	Threshold float64  `json:"threshold"`
	Blocking  bool     `json:"blocking"`
	Enabled   bool     `json:"enabled"`
}

// GateResult is the evaluation of one gate against a metric set.
type GateResult struct {
	Gate   Gate    `json:"gate"`
	Value  float64 `json:"value"`
	Passed bool    `json:"passed"`
}

// DefaultGates is the stock gate set: a clean build, no type or lint
// errors, and a fully passing test suite are blocking; the coverage floor
// is advisory and starts disabled.
func DefaultGates() []Gate {
	return []Gate{
		{ID: "build", Name: "Build succeeds", Metric: MetricBuildSuccess,
			Operator: OpEq, Threshold: 1, Blocking: true, Enabled: true},
		{ID: "types", Name: "No type errors", Metric: MetricTypeErrors,
			Operator: OpEq, Threshold: 0, Blocking: true, Enabled: true},
		{ID: "lint", Name: "No lint errors", Metric: MetricLintErrors,
			Operator: OpEq, Threshold: 0, Blocking: true, Enabled: true},
		{ID: "tests", Name: "All tests pass", Metric: MetricTestPassRate,
			Operator: OpGte, Threshold: 100, Blocking: true, Enabled: true},
		{ID: "coverage", Name: "Coverage floor", Metric: MetricTestCoverage,
			Operator: OpGte, Threshold: 60, Blocking: false, Enabled: false},
	}
}

// CheckQualityGates evaluates every enabled gate against the metrics.
// Disabled gates are skipped entirely; gates naming an unknown metric fail.
func CheckQualityGates(m Metrics, gates []Gate) []GateResult {
	var results []GateResult
	for _, g := range gates {
		if !g.Enabled {
			continue
		}
		value, known := metricValue(m, g.Metric)
		results = append(results, GateResult{
			Gate:   g,
			Value:  value,
			Passed: known && g.Operator.holds(value, g.Threshold),
		})
	}
	return results
}

// AllBlockingGatesPass reports whether no enabled blocking gate fails.
func AllBlockingGatesPass(m Metrics, gates []Gate) bool {
	for _, r := range CheckQualityGates(m, gates) {
		if r.Gate.Blocking && !r.Passed {
			return false
		}
	}
	return true
}

func (op Operator) holds(value, threshold float64) bool {
	switch op {
	case OpEq:
		return value == threshold
	case OpNeq:
		return value != threshold
	case OpGt:
		return value > threshold
	case OpGte:
		return value >= threshold
	case OpLt:
		return value < threshold
	case OpLte:
		return value <= threshold
	}
	return false
}

func metricValue(m Metrics, name string) (float64, bool) {
	switch name {
	case MetricBuildSuccess:
		if m.BuildSuccess {
			return 1, true
		}
		return 0, true
	case MetricTypeErrors:
		return float64(m.TypeErrors), true
	case MetricLintErrors:
		return float64(m.LintErrors), true
	case MetricLintWarnings:
		return float64(m.LintWarnings), true
	case MetricTestsFailing:
		return float64(m.TestsFailing), true
	case MetricTestPassRate:
		return m.TestPassRate(), true
	case MetricTestCoverage:
		return m.TestCoverage, true
	}
	return 0, false
}

// String renders a gate as "metric op threshold" for summaries.
func (g Gate) String() string {
	return fmt.Sprintf("%s %s %g", g.Metric, g.Operator, g.Threshold)
}
