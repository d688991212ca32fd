package quality

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	qualitydomain "hive/internal/domain/quality"
	"hive/internal/errkind"
	"hive/internal/storage"
)

func openTestEngine(t *testing.T) (*SQLiteEngine, *clocktesting.FakePassiveClock) {
	t.Helper()
	engine, err := storage.Open(filepath.Join(t.TempDir(), "hive.db"), storage.Options{})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	clk := clocktesting.NewFakePassiveClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewEngine(engine, clk, nil), clk
}

func record(t *testing.T, e *SQLiteEngine, s *qualitydomain.Snapshot) *qualitydomain.Snapshot {
	t.Helper()
	stored, err := e.RecordSnapshot(context.Background(), s)
	if err != nil {
		t.Fatalf("record snapshot: %v", err)
	}
	return stored
}

func TestRecordAndGetSnapshot(t *testing.T) {
	e, clk := openTestEngine(t)
	ctx := context.Background()

	stored := record(t, e, &qualitydomain.Snapshot{
		TaskID: "bd-1a2b3c4d",
		Metrics: qualitydomain.Metrics{
			LintErrors:   2,
			TestsPassing: 40,
			TestsFailing: 1,
			TestCoverage: 81.5,
			BuildSuccess: true,
			BuildTimeMS:  4200,
		},
		Tags: []string{"ci", "nightly"},
	})
	if stored.ID == "" || !stored.CreatedAt.Equal(clk.Now()) {
		t.Fatalf("stored = %+v", stored)
	}

	got, err := e.GetSnapshot(ctx, stored.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TaskID != "bd-1a2b3c4d" || got.TestCoverage != 81.5 || !got.BuildSuccess {
		t.Fatalf("round trip lost fields: %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[1] != "nightly" {
		t.Fatalf("tags = %v", got.Tags)
	}

	if _, err := e.GetSnapshot(ctx, "missing"); !errkind.IsNotFound(err) {
		t.Fatalf("missing snapshot: %v", err)
	}
}

func TestGetLatestSnapshot(t *testing.T) {
	e, clk := openTestEngine(t)
	ctx := context.Background()

	if latest, err := e.GetLatestSnapshot(ctx); err != nil || latest != nil {
		t.Fatalf("empty store latest = %+v, %v", latest, err)
	}

	record(t, e, &qualitydomain.Snapshot{Metrics: qualitydomain.Metrics{LintErrors: 5}})
	clk.SetTime(clk.Now().Add(time.Minute))
	second := record(t, e, &qualitydomain.Snapshot{Metrics: qualitydomain.Metrics{LintErrors: 3}})

	latest, err := e.GetLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != second.ID {
		t.Fatalf("latest = %s, want %s", latest.ID, second.ID)
	}
}

func TestGetTaskSnapshotsNewestFirst(t *testing.T) {
	e, clk := openTestEngine(t)
	ctx := context.Background()

	first := record(t, e, &qualitydomain.Snapshot{TaskID: "bd-aaaa0001"})
	clk.SetTime(clk.Now().Add(time.Minute))
	second := record(t, e, &qualitydomain.Snapshot{TaskID: "bd-aaaa0001"})
	record(t, e, &qualitydomain.Snapshot{TaskID: "bd-bbbb0002"})

	snapshots, err := e.GetTaskSnapshots(ctx, "bd-aaaa0001")
	if err != nil {
		t.Fatalf("task snapshots: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snapshots))
	}
	if snapshots[0].ID != second.ID || snapshots[1].ID != first.ID {
		t.Fatalf("order wrong: %s, %s", snapshots[0].ID, snapshots[1].ID)
	}
}

func TestBaselineIsSingleton(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	if base, err := e.GetBaseline(ctx); err != nil || base != nil {
		t.Fatalf("baseline before set = %+v, %v", base, err)
	}

	first := record(t, e, &qualitydomain.Snapshot{Metrics: qualitydomain.Metrics{TestCoverage: 80}})
	second := record(t, e, &qualitydomain.Snapshot{Metrics: qualitydomain.Metrics{TestCoverage: 85}})

	promoted, err := e.SetBaseline(ctx, first.ID)
	if err != nil || !promoted.IsBaseline {
		t.Fatalf("set baseline: %+v, %v", promoted, err)
	}

	// Promoting another snapshot moves the flag, never duplicates it.
	if _, err := e.SetBaseline(ctx, second.ID); err != nil {
		t.Fatalf("move baseline: %v", err)
	}
	base, err := e.GetBaseline(ctx)
	if err != nil {
		t.Fatalf("get baseline: %v", err)
	}
	if base.ID != second.ID {
		t.Fatalf("baseline = %s, want %s", base.ID, second.ID)
	}
	demoted, err := e.GetSnapshot(ctx, first.ID)
	if err != nil || demoted.IsBaseline {
		t.Fatalf("old baseline still flagged: %+v, %v", demoted, err)
	}
}

func TestSetBaselineUnknownID(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	existing := record(t, e, &qualitydomain.Snapshot{})
	if _, err := e.SetBaseline(ctx, existing.ID); err != nil {
		t.Fatalf("set baseline: %v", err)
	}

	if _, err := e.SetBaseline(ctx, "missing"); !errkind.IsNotFound(err) {
		t.Fatalf("unknown id: %v", err)
	}
	// A failed promotion must not clear the current baseline.
	base, err := e.GetBaseline(ctx)
	if err != nil || base == nil || base.ID != existing.ID {
		t.Fatalf("baseline lost after failed set: %+v, %v", base, err)
	}
}

func TestRecordedSnapshotNeverBaseline(t *testing.T) {
	e, _ := openTestEngine(t)

	sneaky := record(t, e, &qualitydomain.Snapshot{IsBaseline: true})
	if sneaky.IsBaseline {
		t.Fatal("record honored caller baseline flag")
	}
	base, err := e.GetBaseline(context.Background())
	if err != nil || base != nil {
		t.Fatalf("baseline = %+v, %v", base, err)
	}
}

// Recording, baselining, then comparing a worse run end to end.
func TestRegressionFlowAgainstStoredBaseline(t *testing.T) {
	e, clk := openTestEngine(t)
	ctx := context.Background()

	good := record(t, e, &qualitydomain.Snapshot{Metrics: qualitydomain.Metrics{
		TestsPassing: 50, TestCoverage: 85, BuildSuccess: true,
	}})
	if _, err := e.SetBaseline(ctx, good.ID); err != nil {
		t.Fatalf("set baseline: %v", err)
	}

	clk.SetTime(clk.Now().Add(time.Hour))
	bad := record(t, e, &qualitydomain.Snapshot{Metrics: qualitydomain.Metrics{
		LintErrors: 12, TestsPassing: 48, TestsFailing: 2,
		TestCoverage: 85, BuildSuccess: true,
	}})

	baseline, err := e.GetBaseline(ctx)
	if err != nil {
		t.Fatalf("get baseline: %v", err)
	}
	regs := qualitydomain.DetectRegressions(baseline, bad)
	if len(regs) != 2 {
		t.Fatalf("regressions = %d, want 2 (%+v)", len(regs), regs)
	}
	if !qualitydomain.HasCriticalRegressions(regs) {
		t.Fatal("test regression not critical")
	}
}
