package runner

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	taskdomain "hive/internal/domain/task"
	"hive/internal/swarm"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests drive /bin/sh")
	}
}

func shellRunner(script string, timeout time.Duration) *Runner {
	return New(Options{
		Command: "/bin/sh",
		Args:    []string{"-c", script},
		Timeout: timeout,
	}, nil)
}

func testTask() *taskdomain.Task {
	return &taskdomain.Task{ID: "bd-deadbeef", Title: "exercise the tool"}
}

func TestExecuteParsesProgressAndResult(t *testing.T) {
	skipWithoutShell(t)

	script := `
echo "::progress 25 compiling"
echo "some tool chatter"
echo "::progress 90 packaging"
echo '{"artifacts": 3}'
`
	var reports []swarm.Progress
	result, err := shellRunner(script, time.Minute).Execute(context.Background(), testTask(),
		func(p swarm.Progress) { reports = append(reports, p) })
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(reports) != 2 || reports[0].Percent != 25 || reports[1].Phase != "packaging" {
		t.Fatalf("reports = %+v", reports)
	}
	if string(result) != `{"artifacts": 3}` {
		t.Fatalf("result = %s", result)
	}
}

func TestExecuteRepairsSloppyResult(t *testing.T) {
	skipWithoutShell(t)

	// Trailing comma and single quotes, the classic model output.
	script := `echo "{'status': 'done',}"`
	result, err := shellRunner(script, time.Minute).Execute(context.Background(), testTask(), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(result) == 0 {
		t.Fatal("sloppy result not repaired")
	}
}

func TestExecuteNoResultIsNil(t *testing.T) {
	skipWithoutShell(t)

	result, err := shellRunner(`echo "done, nothing structured"`, time.Minute).
		Execute(context.Background(), testTask(), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result != nil {
		t.Fatalf("result = %s", result)
	}
}

func TestExitCodeMapsToRecoverable(t *testing.T) {
	skipWithoutShell(t)

	_, err := shellRunner(`echo "disk full" >&2; exit 1`, time.Minute).
		Execute(context.Background(), testTask(), nil)
	var execErr *swarm.ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("error type: %v", err)
	}
	if !execErr.Failure.Recoverable || execErr.Failure.Message != "disk full" {
		t.Fatalf("failure = %+v", execErr.Failure)
	}

	_, err = shellRunner(`exit 2`, time.Minute).Execute(context.Background(), testTask(), nil)
	if !errors.As(err, &execErr) {
		t.Fatalf("error type: %v", err)
	}
	if execErr.Failure.Recoverable {
		t.Fatalf("exit 2 should be unrecoverable: %+v", execErr.Failure)
	}
}

func TestTimeoutIsRecoverable(t *testing.T) {
	skipWithoutShell(t)

	_, err := shellRunner(`sleep 10`, 50*time.Millisecond).
		Execute(context.Background(), testTask(), nil)
	var execErr *swarm.ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("error type: %v", err)
	}
	if execErr.Failure.Type != "timeout" || !execErr.Failure.Recoverable {
		t.Fatalf("failure = %+v", execErr.Failure)
	}
}

func TestShutdownSurfacesCancellation(t *testing.T) {
	skipWithoutShell(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := shellRunner(`sleep 10`, time.Minute).Execute(ctx, testTask(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestMissingCommandIsUnrecoverable(t *testing.T) {
	_, err := New(Options{}, nil).Execute(context.Background(), testTask(), nil)
	var execErr *swarm.ExecError
	if !errors.As(err, &execErr) || execErr.Failure.Recoverable {
		t.Fatalf("error = %v", err)
	}
}

func TestParseProgress(t *testing.T) {
	cases := []struct {
		line string
		want swarm.Progress
		ok   bool
	}{
		{"::progress 45 running tests", swarm.Progress{Percent: 45, Phase: "running tests"}, true},
		{"  ::progress 100", swarm.Progress{Percent: 100}, true},
		{"::progress 80%", swarm.Progress{Percent: 80}, true},
		{"::progress abc phase", swarm.Progress{}, false},
		{"::progress 150 over", swarm.Progress{}, false},
		{"plain output", swarm.Progress{}, false},
	}
	for _, tc := range cases {
		got, ok := parseProgress(tc.line)
		if ok != tc.ok || got != tc.want {
			t.Errorf("parseProgress(%q) = %+v, %t", tc.line, got, ok)
		}
	}
}
