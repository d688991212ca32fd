package quality

import "testing"

func snapshot(m Metrics) *Snapshot {
	return &Snapshot{Metrics: m}
}

func healthyBaseline() *Snapshot {
	return snapshot(Metrics{
		TestsPassing: 50,
		TestCoverage: 85,
		BuildSuccess: true,
	})
}

func TestPassRateHandlesEmptySuite(t *testing.T) {
	if rate := (Metrics{}).TestPassRate(); rate != 100 {
		t.Fatalf("empty suite pass rate = %g, want 100", rate)
	}
	if rate := (Metrics{TestsPassing: 3, TestsFailing: 1}).TestPassRate(); rate != 75 {
		t.Fatalf("pass rate = %g, want 75", rate)
	}
}

func TestDefaultGatesOnCleanMetrics(t *testing.T) {
	clean := Metrics{TestsPassing: 10, TestCoverage: 90, BuildSuccess: true}

	results := CheckQualityGates(clean, DefaultGates())
	// The coverage gate ships disabled, so four results come back.
	if len(results) != 4 {
		t.Fatalf("results = %d, want 4", len(results))
	}
	for _, r := range results {
		if !r.Passed {
			t.Fatalf("gate %s failed on clean metrics (value %g)", r.Gate.ID, r.Value)
		}
	}
	if !AllBlockingGatesPass(clean, DefaultGates()) {
		t.Fatal("blocking gates failed on clean metrics")
	}
}

func TestBlockingGateFailures(t *testing.T) {
	cases := []struct {
		name    string
		metrics Metrics
	}{
		{"broken build", Metrics{TestsPassing: 10, BuildSuccess: false}},
		{"type errors", Metrics{TypeErrors: 1, BuildSuccess: true}},
		{"lint errors", Metrics{LintErrors: 2, BuildSuccess: true}},
		{"failing tests", Metrics{TestsPassing: 9, TestsFailing: 1, BuildSuccess: true}},
	}
	for _, tc := range cases {
		if AllBlockingGatesPass(tc.metrics, DefaultGates()) {
			t.Errorf("%s: blocking gates passed", tc.name)
		}
	}
}

func TestNonBlockingGateDoesNotBlock(t *testing.T) {
	gates := []Gate{{
		ID: "coverage", Metric: MetricTestCoverage,
		Operator: OpGte, Threshold: 60, Blocking: false, Enabled: true,
	}}
	low := Metrics{TestCoverage: 10, BuildSuccess: true}

	results := CheckQualityGates(low, gates)
	if len(results) != 1 || results[0].Passed {
		t.Fatalf("advisory gate results = %+v", results)
	}
	if !AllBlockingGatesPass(low, gates) {
		t.Fatal("advisory gate blocked")
	}
}

func TestGateUnknownMetricFails(t *testing.T) {
	gates := []Gate{{ID: "x", Metric: "entropy", Operator: OpLt, Threshold: 1, Enabled: true}}
	if results := CheckQualityGates(Metrics{}, gates); results[0].Passed {
		t.Fatal("unknown metric gate passed")
	}
}

// One snapshot per rule, each crossing its threshold by exactly one, each
// emitting exactly one regression with the expected severity.
func TestRegressionRuleMatrix(t *testing.T) {
	base := healthyBaseline()
	cases := []struct {
		name     string
		mutate   func(m *Metrics)
		wantType RegressionType
		wantSev  Severity
	}{
		{"lint low", func(m *Metrics) { m.LintErrors = 1 }, RegressionLint, SeverityLow},
		{"lint medium", func(m *Metrics) { m.LintErrors = 5 }, RegressionLint, SeverityMedium},
		{"lint high", func(m *Metrics) { m.LintErrors = 10 }, RegressionLint, SeverityHigh},
		{"type medium", func(m *Metrics) { m.TypeErrors = 1 }, RegressionTypes, SeverityMedium},
		{"type high", func(m *Metrics) { m.TypeErrors = 5 }, RegressionTypes, SeverityHigh},
		{"test critical", func(m *Metrics) { m.TestsFailing = 1 }, RegressionTests, SeverityCritical},
		{"coverage low", func(m *Metrics) { m.TestCoverage = 79 }, RegressionCoverage, SeverityLow},
		{"coverage medium", func(m *Metrics) { m.TestCoverage = 75 }, RegressionCoverage, SeverityMedium},
		{"coverage high", func(m *Metrics) { m.TestCoverage = 65 }, RegressionCoverage, SeverityHigh},
		{"build critical", func(m *Metrics) { m.BuildSuccess = false }, RegressionBuild, SeverityCritical},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			current := healthyBaseline()
			tc.mutate(&current.Metrics)

			regs := DetectRegressions(base, current)
			if len(regs) != 1 {
				t.Fatalf("regressions = %d, want 1 (%+v)", len(regs), regs)
			}
			if regs[0].Type != tc.wantType || regs[0].Severity != tc.wantSev {
				t.Fatalf("got %s/%s, want %s/%s",
					regs[0].Type, regs[0].Severity, tc.wantType, tc.wantSev)
			}
		})
	}
}

func TestRegressionBelowThresholdIsSilent(t *testing.T) {
	base := healthyBaseline()
	current := healthyBaseline()
	// A five-point coverage drop sits exactly on the default threshold.
	current.TestCoverage = 80

	if regs := DetectRegressions(base, current); len(regs) != 0 {
		t.Fatalf("unexpected regressions: %+v", regs)
	}
	if regs := DetectRegressions(base, base); len(regs) != 0 {
		t.Fatalf("identical snapshots regressed: %+v", regs)
	}
}

func TestImprovementIsNotARegression(t *testing.T) {
	base := healthyBaseline()
	base.LintErrors = 8
	base.TestCoverage = 60

	current := healthyBaseline()
	current.TestCoverage = 90

	if regs := DetectRegressions(base, current); len(regs) != 0 {
		t.Fatalf("improvement flagged: %+v", regs)
	}
}

func TestRegressionSummary(t *testing.T) {
	base := snapshot(Metrics{TestCoverage: 85, BuildSuccess: true, TestsPassing: 40})
	current := snapshot(Metrics{
		LintErrors:   3,
		TypeErrors:   6,
		TestsPassing: 39,
		TestsFailing: 1,
		TestCoverage: 60,
		BuildSuccess: false,
	})

	regs := DetectRegressions(base, current)
	if len(regs) != 5 {
		t.Fatalf("regressions = %d, want 5", len(regs))
	}

	summary := SummarizeRegressions(regs)
	if summary.BySeverity[SeverityCritical] != 2 {
		t.Fatalf("critical = %d, want 2", summary.BySeverity[SeverityCritical])
	}
	if summary.ByType[RegressionLint] != 1 {
		t.Fatalf("lint regressions = %d, want 1", summary.ByType[RegressionLint])
	}
	if !summary.Blocking {
		t.Fatal("summary not blocking")
	}
	if len(summary.Descriptions) != 5 {
		t.Fatalf("descriptions = %d", len(summary.Descriptions))
	}

	if !HasCriticalRegressions(regs) || !HasBlockingRegressions(regs) {
		t.Fatal("criticality helpers disagree with summary")
	}
}

func TestBlockingOnHighWithoutCritical(t *testing.T) {
	regs := []Regression{{Type: RegressionLint, Severity: SeverityHigh}}
	if HasCriticalRegressions(regs) {
		t.Fatal("high counted as critical")
	}
	if !HasBlockingRegressions(regs) {
		t.Fatal("high not blocking")
	}

	regs = []Regression{{Type: RegressionLint, Severity: SeverityMedium}}
	if HasBlockingRegressions(regs) {
		t.Fatal("medium blocked")
	}
}
