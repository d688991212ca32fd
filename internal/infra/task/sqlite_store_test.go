package task

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	taskdomain "hive/internal/domain/task"
	"hive/internal/errkind"
	"hive/internal/storage"
)

func openTestStore(t *testing.T) (*SQLiteStore, *clocktesting.FakePassiveClock) {
	t.Helper()
	engine, err := storage.Open(filepath.Join(t.TempDir(), "hive.db"), storage.Options{})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	clk := clocktesting.NewFakePassiveClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewStore(engine, clk, nil), clk
}

func mustCreate(t *testing.T, s *SQLiteStore, task *taskdomain.Task) *taskdomain.Task {
	t.Helper()
	created, err := s.Create(context.Background(), task)
	if err != nil {
		t.Fatalf("create %q: %v", task.Title, err)
	}
	return created
}

func mustSweep(t *testing.T, s *SQLiteStore) int {
	t.Helper()
	n, err := s.UpdateBlockedToReady(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	return n
}

func mustClaim(t *testing.T, s *SQLiteStore, req taskdomain.ClaimRequest) *taskdomain.Task {
	t.Helper()
	claimed, err := s.Claim(context.Background(), req)
	if err != nil {
		t.Fatalf("claim for %s: %v", req.AgentID, err)
	}
	if claimed == nil {
		t.Fatalf("claim for %s returned nothing", req.AgentID)
	}
	return claimed
}

func TestCreateAssignsDefaults(t *testing.T) {
	s, _ := openTestStore(t)

	created := mustCreate(t, s, taskdomain.New("build the parser"))
	if created.ID == "" {
		t.Fatal("id not assigned")
	}
	if created.Status != taskdomain.StatusPending {
		t.Fatalf("status = %s, want pending", created.Status)
	}
	if created.MaxRetries != taskdomain.DefaultMaxRetries {
		t.Fatalf("max_retries = %d, want %d", created.MaxRetries, taskdomain.DefaultMaxRetries)
	}

	got, err := s.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "build the parser" || got.Priority != taskdomain.PriorityMedium {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	s, _ := openTestStore(t)

	first := taskdomain.New("one")
	first.ID = "bd-deadbeef"
	mustCreate(t, s, first)

	dup := taskdomain.New("two")
	dup.ID = "bd-deadbeef"
	if _, err := s.Create(context.Background(), dup); !errkind.IsConflict(err) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestCreateRejectsUnknownDependencies(t *testing.T) {
	s, _ := openTestStore(t)

	orphan := taskdomain.New("needs a ghost")
	orphan.Dependencies = []string{"bd-00000000"}
	if _, err := s.Create(context.Background(), orphan); !errkind.IsValidation(err) {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
}

func TestUpdateRejectsDependencyCycle(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, taskdomain.New("a"))
	b := taskdomain.New("b")
	b.Dependencies = []string{a.ID}
	created := mustCreate(t, s, b)

	deps := []string{created.ID}
	_, err := s.Update(ctx, a.ID, taskdomain.Update{Dependencies: &deps})
	if !errkind.IsValidation(err) {
		t.Fatalf("expected VALIDATION on cycle, got %v", err)
	}
}

// Dependency gate: R -> M -> L. Only the head is ever ready, and each
// completion plus one sweep promotes exactly the next link.
func TestDependencyChainPromotesOneLinkPerCompletion(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	r := mustCreate(t, s, taskdomain.New("R"))
	m := taskdomain.New("M")
	m.Dependencies = []string{r.ID}
	mTask := mustCreate(t, s, m)
	l := taskdomain.New("L")
	l.Dependencies = []string{mTask.ID}
	lTask := mustCreate(t, s, l)

	if mTask.Status != taskdomain.StatusBlocked || lTask.Status != taskdomain.StatusBlocked {
		t.Fatalf("dependent tasks should start blocked: %s, %s", mTask.Status, lTask.Status)
	}

	mustSweep(t, s)
	ready, err := s.List(ctx, taskdomain.Filter{Statuses: []taskdomain.Status{taskdomain.StatusReady}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != r.ID {
		t.Fatalf("only R should be ready, got %d", len(ready))
	}

	claimed := mustClaim(t, s, taskdomain.ClaimRequest{AgentID: "ag-1"})
	if claimed.ID != r.ID {
		t.Fatalf("claimed %s, want %s", claimed.ID, r.ID)
	}
	if _, err := s.Complete(ctx, r.ID, nil); err != nil {
		t.Fatalf("complete R: %v", err)
	}
	if n := mustSweep(t, s); n != 1 {
		t.Fatalf("sweep promoted %d, want 1", n)
	}

	got, err := s.Get(ctx, mTask.ID)
	if err != nil {
		t.Fatalf("get M: %v", err)
	}
	if got.Status != taskdomain.StatusReady {
		t.Fatalf("M = %s, want ready", got.Status)
	}
	got, err = s.Get(ctx, lTask.ID)
	if err != nil {
		t.Fatalf("get L: %v", err)
	}
	if got.Status != taskdomain.StatusBlocked {
		t.Fatalf("L = %s, want blocked", got.Status)
	}

	// Idempotent: a second sweep promotes nothing new.
	if n := mustSweep(t, s); n != 0 {
		t.Fatalf("second sweep promoted %d, want 0", n)
	}
}

// Atomic claim: N concurrent claimers over M ready tasks assign exactly
// min(N, M) tasks with no task owned twice.
func TestConcurrentClaimAssignsEachTaskOnce(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	const tasks = 6
	const agents = 10
	for i := 0; i < tasks; i++ {
		mustCreate(t, s, taskdomain.New("work"))
	}
	mustSweep(t, s)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won = map[string]string{}
	)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agentID := "ag-" + string(rune('a'+n))
			claimed, err := s.Claim(ctx, taskdomain.ClaimRequest{AgentID: agentID})
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if claimed == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := won[claimed.ID]; dup {
				t.Errorf("task %s claimed by both %s and %s", claimed.ID, prev, agentID)
			}
			won[claimed.ID] = agentID
		}(i)
	}
	wg.Wait()

	if len(won) != tasks {
		t.Fatalf("claimed %d tasks, want %d", len(won), tasks)
	}
}

// Two-agent race: A knows go and rust, B only go. B can never take the
// rust task, so both tasks always end up claimed, one per agent.
func TestClaimSkillRace(t *testing.T) {
	ctx := context.Background()

	for run := 0; run < 25; run++ {
		s, _ := openTestStore(t)

		goTask := taskdomain.New("T1")
		goTask.Priority = taskdomain.PriorityHigh
		goTask.RequiredSkills = []string{"go"}
		mustCreate(t, s, goTask)

		rustTask := taskdomain.New("T2")
		rustTask.Priority = taskdomain.PriorityHigh
		rustTask.RequiredSkills = []string{"rust"}
		rust := mustCreate(t, s, rustTask)

		mustSweep(t, s)

		results := make(map[string]*taskdomain.Task, 2)
		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		for _, agent := range []struct {
			id     string
			skills []string
		}{
			{"A", []string{"go", "rust"}},
			{"B", []string{"go"}},
		} {
			wg.Add(1)
			go func(id string, skills []string) {
				defer wg.Done()
				claimed, err := s.Claim(ctx, taskdomain.ClaimRequest{AgentID: id, Skills: skills})
				if err != nil {
					t.Errorf("claim %s: %v", id, err)
					return
				}
				mu.Lock()
				results[id] = claimed
				mu.Unlock()
			}(agent.id, agent.skills)
		}
		wg.Wait()

		a, b := results["A"], results["B"]
		if b != nil && b.ID == rust.ID {
			t.Fatalf("run %d: B claimed the rust task", run)
		}
		if a == nil {
			t.Fatalf("run %d: A claimed nothing", run)
		}
		// When B arrives first it takes the go task and A is left the rust
		// one; when A arrives first B may find only the rust task, which it
		// cannot work. Either way no task is double-owned.
		if b != nil && a.ID == b.ID {
			t.Fatalf("run %d: both agents own %s", run, a.ID)
		}
	}
}

func TestClaimOrdersByPriorityThenAge(t *testing.T) {
	s, clk := openTestStore(t)

	older := taskdomain.New("older medium")
	mustCreate(t, s, older)
	clk.SetTime(clk.Now().Add(time.Second))
	mustCreate(t, s, taskdomain.New("newer medium"))
	clk.SetTime(clk.Now().Add(time.Second))
	urgent := taskdomain.New("late but critical")
	urgent.Priority = taskdomain.PriorityCritical
	created := mustCreate(t, s, urgent)
	mustSweep(t, s)

	first := mustClaim(t, s, taskdomain.ClaimRequest{AgentID: "ag-1"})
	if first.ID != created.ID {
		t.Fatalf("first claim = %q, want the critical task", first.Title)
	}
	second := mustClaim(t, s, taskdomain.ClaimRequest{AgentID: "ag-1"})
	if second.Title != "older medium" {
		t.Fatalf("second claim = %q, want the older medium task", second.Title)
	}
}

func TestClaimWithoutSkillsOnlyTakesUnrestrictedTasks(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	restricted := taskdomain.New("needs go")
	restricted.RequiredSkills = []string{"go"}
	mustCreate(t, s, restricted)
	mustSweep(t, s)

	claimed, err := s.Claim(ctx, taskdomain.ClaimRequest{AgentID: "ag-bare"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("skill-less agent claimed %q", claimed.Title)
	}
}

func TestReleaseReturnsTaskToReady(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	created := mustCreate(t, s, taskdomain.New("interruptible"))
	mustSweep(t, s)
	mustClaim(t, s, taskdomain.ClaimRequest{AgentID: "ag-1"})

	ok, err := s.Release(ctx, created.ID, "shutting down")
	if err != nil || !ok {
		t.Fatalf("release = %v, %v", ok, err)
	}

	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != taskdomain.StatusReady || got.AssignedAgent != "" {
		t.Fatalf("after release: status=%s agent=%q", got.Status, got.AssignedAgent)
	}
	if got.LastError != "shutting down" {
		t.Fatalf("last_error = %q", got.LastError)
	}
	if len(got.PreviousAgents) != 1 || got.PreviousAgents[0] != "ag-1" {
		t.Fatalf("previous_agents = %v", got.PreviousAgents)
	}
}

func TestProgressPromotesClaimedToInProgress(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	created := mustCreate(t, s, taskdomain.New("long haul"))
	mustSweep(t, s)
	mustClaim(t, s, taskdomain.ClaimRequest{AgentID: "ag-1"})

	ok, err := s.UpdateProgress(ctx, created.ID, 10, "analysis")
	if err != nil || !ok {
		t.Fatalf("progress = %v, %v", ok, err)
	}
	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != taskdomain.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", got.Status)
	}

	if _, err := s.UpdateProgress(ctx, created.ID, 120, "overflow"); !errkind.IsValidation(err) {
		t.Fatalf("expected VALIDATION for percent 120, got %v", err)
	}
}

func TestCompleteRequiresActiveTask(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	created := mustCreate(t, s, taskdomain.New("not started"))
	if _, err := s.Complete(ctx, created.ID, nil); !errkind.IsPrecondition(err) {
		t.Fatalf("expected PRECONDITION, got %v", err)
	}

	mustSweep(t, s)
	mustClaim(t, s, taskdomain.ClaimRequest{AgentID: "ag-1"})
	result := json.RawMessage(`{"files_changed":3}`)
	done, err := s.Complete(ctx, created.ID, result)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != taskdomain.StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("completion not stamped: %+v", done)
	}
	if string(done.Result) != string(result) {
		t.Fatalf("result = %s", done.Result)
	}
}

// Retry schedule: max_retries = 2 with recoverable failures at t=0, t=30s,
// t=90s ends failed after the third failure; next_retry_at follows the
// 30 s x 2^k schedule.
func TestRetryScheduleEndsFailedAfterBudget(t *testing.T) {
	s, clk := openTestStore(t)
	ctx := context.Background()
	start := clk.Now()

	created := mustCreate(t, s, taskdomain.New("flaky"))
	mustSweep(t, s)

	failure := taskdomain.Failure{Type: "test_failure", Message: "flaked", Recoverable: true}
	wantDelays := []time.Duration{30 * time.Second, 60 * time.Second}

	for attempt := 0; attempt < 2; attempt++ {
		mustClaim(t, s, taskdomain.ClaimRequest{AgentID: "ag-1"})
		failed, err := s.Fail(ctx, created.ID, failure)
		if err != nil {
			t.Fatalf("fail %d: %v", attempt, err)
		}
		if failed.Status != taskdomain.StatusPendingRetry {
			t.Fatalf("fail %d: status = %s, want pending_retry", attempt, failed.Status)
		}
		want := clk.Now().Add(wantDelays[attempt]).UTC()
		if failed.NextRetryAt == nil || !failed.NextRetryAt.Equal(want) {
			t.Fatalf("fail %d: next_retry_at = %v, want %v", attempt, failed.NextRetryAt, want)
		}

		// Invisible to claim until the backoff elapses and it is reset.
		if premature, _ := s.Claim(ctx, taskdomain.ClaimRequest{AgentID: "ag-1"}); premature != nil {
			t.Fatalf("pending_retry task visible to claim")
		}
		eligible, err := s.FindRetryEligible(ctx)
		if err != nil {
			t.Fatalf("eligible: %v", err)
		}
		if len(eligible) != 0 {
			t.Fatalf("eligible before backoff = %d", len(eligible))
		}

		clk.SetTime(clk.Now().Add(wantDelays[attempt]))
		eligible, err = s.FindRetryEligible(ctx)
		if err != nil {
			t.Fatalf("eligible: %v", err)
		}
		if len(eligible) != 1 || eligible[0].ID != created.ID {
			t.Fatalf("eligible after backoff = %d", len(eligible))
		}
		if ok, err := s.ResetForRetry(ctx, created.ID); err != nil || !ok {
			t.Fatalf("reset = %v, %v", ok, err)
		}
	}

	mustClaim(t, s, taskdomain.ClaimRequest{AgentID: "ag-1"})
	final, err := s.Fail(ctx, created.ID, failure)
	if err != nil {
		t.Fatalf("final fail: %v", err)
	}
	if final.Status != taskdomain.StatusFailed {
		t.Fatalf("final status = %s, want failed", final.Status)
	}
	if final.RetryCount != 3 {
		t.Fatalf("retry_count = %d, want 3", final.RetryCount)
	}
	if clk.Now().Sub(start) != 90*time.Second {
		t.Fatalf("schedule drifted: elapsed %v", clk.Now().Sub(start))
	}
}

func TestUnrecoverableFailureSkipsRetry(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	created := mustCreate(t, s, taskdomain.New("doomed"))
	mustSweep(t, s)
	mustClaim(t, s, taskdomain.ClaimRequest{AgentID: "ag-1"})

	failed, err := s.Fail(ctx, created.ID, taskdomain.Failure{Message: "segfault", Recoverable: false})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != taskdomain.StatusFailed || failed.RetryCount != 1 {
		t.Fatalf("status=%s retry_count=%d", failed.Status, failed.RetryCount)
	}
}

func TestReopenIsTheOnlyExitFromFailed(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	created := mustCreate(t, s, taskdomain.New("second chance"))
	mustSweep(t, s)
	mustClaim(t, s, taskdomain.ClaimRequest{AgentID: "ag-1"})
	if _, err := s.Fail(ctx, created.ID, taskdomain.Failure{Message: "nope"}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if n := mustSweep(t, s); n != 0 {
		t.Fatalf("sweep resurrected a failed task")
	}
	if ok, err := s.ResetForRetry(ctx, created.ID); err != nil || ok {
		t.Fatalf("reset of failed task = %v, %v", ok, err)
	}

	ok, err := s.Reopen(ctx, created.ID)
	if err != nil || !ok {
		t.Fatalf("reopen = %v, %v", ok, err)
	}
	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != taskdomain.StatusReady || got.RetryCount != 0 || got.LastError != "" {
		t.Fatalf("after reopen: %+v", got)
	}
}

func TestListFilters(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	goTask := taskdomain.New("go work")
	goTask.RequiredSkills = []string{"go"}
	goTask.Type = "code"
	mustCreate(t, s, goTask)

	docTask := taskdomain.New("doc work")
	docTask.Type = "doc"
	docTask.Priority = taskdomain.PriorityLow
	mustCreate(t, s, docTask)

	bySkill, err := s.List(ctx, taskdomain.Filter{Skills: []string{"go", "rust"}})
	if err != nil {
		t.Fatalf("list by skill: %v", err)
	}
	if len(bySkill) != 1 || bySkill[0].Title != "go work" {
		t.Fatalf("skill filter returned %d", len(bySkill))
	}

	byType, err := s.List(ctx, taskdomain.Filter{Type: "doc"})
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if len(byType) != 1 || byType[0].Title != "doc work" {
		t.Fatalf("type filter returned %d", len(byType))
	}

	n, err := s.Count(ctx, taskdomain.Filter{Priorities: []taskdomain.Priority{taskdomain.PriorityLow}})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestDeleteRefusesWhileDependedUpon(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	base := mustCreate(t, s, taskdomain.New("base"))
	child := taskdomain.New("child")
	child.Dependencies = []string{base.ID}
	mustCreate(t, s, child)

	if err := s.Delete(ctx, base.ID); !errkind.IsValidation(err) {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
	if err := s.Delete(ctx, "bd-missing0"); !errkind.IsNotFound(err) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}
