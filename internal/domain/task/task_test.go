package task

import (
	"testing"
	"time"

	"hive/internal/errkind"
)

func TestStatusClassification(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.IsActive() {
			t.Errorf("%s should not be active", s)
		}
	}

	active := []Status{StatusClaimed, StatusInProgress}
	for _, s := range active {
		if !s.IsActive() {
			t.Errorf("%s should be active", s)
		}
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}

	if Status("cancelled").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestPriorityRankOrdering(t *testing.T) {
	order := []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Fatalf("%s should rank before %s", order[i-1], order[i])
		}
	}
	if Priority("urgent").Valid() {
		t.Error("unknown priority reported valid")
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
	}
	for k, expect := range want {
		if got := RetryDelay(k); got != expect {
			t.Errorf("RetryDelay(%d) = %v, want %v", k, got, expect)
		}
	}
	if RetryDelay(-1) != 30*time.Second {
		t.Error("negative retry count should clamp to base")
	}
	if RetryDelay(100) != RetryDelay(20) {
		t.Error("huge retry count should clamp instead of overflowing")
	}
}

func TestNewDefaults(t *testing.T) {
	task := New("  fix the flaky integration test  ")
	if task.Title != "fix the flaky integration test" {
		t.Errorf("title not trimmed: %q", task.Title)
	}
	if task.Priority != PriorityMedium {
		t.Errorf("default priority = %s, want medium", task.Priority)
	}
	if task.MaxRetries != DefaultMaxRetries {
		t.Errorf("default max retries = %d, want %d", task.MaxRetries, DefaultMaxRetries)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Task)
		wantErr bool
	}{
		{"valid", func(t *Task) {}, false},
		{"empty title", func(t *Task) { t.Title = "   " }, true},
		{"bad priority", func(t *Task) { t.Priority = "urgent" }, true},
		{"blank priority allowed", func(t *Task) { t.Priority = "" }, false},
		{"negative retries", func(t *Task) { t.MaxRetries = -1 }, true},
		{"negative estimate", func(t *Task) { t.EstimatedMinutes = -5 }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tk := New("do the thing")
			tc.mutate(tk)
			err := tk.Validate()
			if tc.wantErr {
				if !errkind.IsValidation(err) {
					t.Fatalf("expected VALIDATION, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
