package errkind

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	err := New(KindNotFound, "task.get", "task %s", "bd-deadbeef")
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected NOT_FOUND, got %q", KindOf(err))
	}
	if !IsNotFound(err) {
		t.Fatalf("IsNotFound should match")
	}

	wrapped := fmt.Errorf("outer context: %w", err)
	if KindOf(wrapped) != KindNotFound {
		t.Fatalf("kind should survive wrapping, got %q", KindOf(wrapped))
	}

	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors must report empty kind")
	}
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("disk gone")
	err := Wrapf(KindConnection, "storage.open", cause, "opening %s", "/tmp/hive.db")
	msg := err.Error()
	if msg != "storage.open: opening /tmp/hive.db: disk gone" {
		t.Fatalf("unexpected message: %q", msg)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause must be reachable via errors.Is")
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	fatal := New(KindValidation, "task.create", "empty title")
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, "task.create",
		func(err error) bool { return !IsValidation(err) },
		func(context.Context) error {
			calls++
			return fatal
		})
	if calls != 1 {
		t.Fatalf("expected single attempt, got %d", calls)
	}
	if !IsValidation(err) {
		t.Fatalf("original error should surface, got %v", err)
	}
}

func TestRetryExhaustionWrapsTransaction(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, "storage.tx",
		func(error) bool { return true },
		func(context.Context) error {
			calls++
			return errors.New("database is locked")
		})
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if !IsTransaction(err) {
		t.Fatalf("exhaustion must be TRANSACTION_ERROR, got %v", err)
	}
}

func TestRetrySucceedsAfterConflict(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, "storage.tx",
		func(error) bool { return true },
		func(context.Context) error {
			calls++
			if calls < 2 {
				return errors.New("database is locked")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}
