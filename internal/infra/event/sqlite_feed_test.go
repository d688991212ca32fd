package event

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	eventdomain "hive/internal/domain/event"
	"hive/internal/storage"
)

func openTestFeed(t *testing.T) (*SQLiteFeed, *clocktesting.FakePassiveClock) {
	t.Helper()
	engine, err := storage.Open(filepath.Join(t.TempDir(), "hive.db"), storage.Options{})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	clk := clocktesting.NewFakePassiveClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewFeed(engine, clk), clk
}

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	feed, _ := openTestFeed(t)
	ctx := context.Background()

	first, err := feed.Append(ctx, eventdomain.Event{
		Type:   eventdomain.TypeTaskCreated,
		TaskID: "bd-00000001",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := feed.Append(ctx, eventdomain.Event{
		Type:    eventdomain.TypeTaskClaimed,
		TaskID:  "bd-00000001",
		AgentID: "ag-worker-0001",
		Payload: json.RawMessage(`{"note":"claimed"}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second <= first {
		t.Fatalf("seq not increasing: %d then %d", first, second)
	}

	latest, err := feed.LatestSeq(ctx)
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	if latest != second {
		t.Fatalf("LatestSeq = %d, want %d", latest, second)
	}
}

func TestAppendRequiresType(t *testing.T) {
	feed, _ := openTestFeed(t)

	if _, err := feed.Append(context.Background(), eventdomain.Event{}); err == nil {
		t.Fatal("append without type succeeded")
	}
}

func TestListSinceReturnsOldestFirst(t *testing.T) {
	feed, _ := openTestFeed(t)
	ctx := context.Background()

	types := []eventdomain.Type{
		eventdomain.TypeTaskCreated,
		eventdomain.TypeTaskClaimed,
		eventdomain.TypeTaskCompleted,
	}
	for _, evType := range types {
		if _, err := feed.Append(ctx, eventdomain.Event{Type: evType, TaskID: "bd-00000001"}); err != nil {
			t.Fatalf("append %s: %v", evType, err)
		}
	}

	events, err := feed.ListSince(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Type != types[i] {
			t.Errorf("event %d type = %s, want %s", i, ev.Type, types[i])
		}
		if i > 0 && ev.Seq <= events[i-1].Seq {
			t.Errorf("seq not ascending at %d", i)
		}
	}

	// Resuming after the second event yields only the third.
	tail, err := feed.ListSince(ctx, events[1].Seq, 10)
	if err != nil {
		t.Fatalf("list since tail: %v", err)
	}
	if len(tail) != 1 || tail[0].Type != eventdomain.TypeTaskCompleted {
		t.Fatalf("tail = %+v", tail)
	}
}

func TestPruneDropsOldEvents(t *testing.T) {
	feed, clk := openTestFeed(t)
	ctx := context.Background()

	if _, err := feed.Append(ctx, eventdomain.Event{Type: eventdomain.TypeTaskCreated}); err != nil {
		t.Fatalf("append: %v", err)
	}
	clk.SetTime(clk.Now().Add(48 * time.Hour))
	if _, err := feed.Append(ctx, eventdomain.Event{Type: eventdomain.TypeTaskCompleted}); err != nil {
		t.Fatalf("append: %v", err)
	}

	removed, err := feed.Prune(ctx, clk.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("pruned %d events, want 1", removed)
	}

	events, err := feed.ListSince(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(events) != 1 || events[0].Type != eventdomain.TypeTaskCompleted {
		t.Fatalf("surviving events = %+v", events)
	}
}
