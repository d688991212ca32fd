// Package event persists the change feed in SQLite.
package event

import (
	"context"
	"database/sql"
	"time"

	"k8s.io/utils/clock"

	eventdomain "hive/internal/domain/event"
	"hive/internal/errkind"
	"hive/internal/ids"
	"hive/internal/storage"
)

// SQLiteFeed implements eventdomain.Feed.
type SQLiteFeed struct {
	engine *storage.Engine
	clock  clock.PassiveClock
}

var _ eventdomain.Feed = (*SQLiteFeed)(nil)

// NewFeed creates a feed over the shared engine.
func NewFeed(engine *storage.Engine, clk clock.PassiveClock) *SQLiteFeed {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &SQLiteFeed{engine: engine, clock: clk}
}

// InsertTx appends an event inside a caller-owned transaction. Stores use
// this so the event commits or rolls back with the state change itself.
func InsertTx(ctx context.Context, tx *sql.Tx, now time.Time, ev eventdomain.Event) error {
	if ev.ID == "" {
		ev.ID = ids.NewEventID()
	}
	var payload any
	if len(ev.Payload) > 0 {
		payload = string(ev.Payload)
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO events (id, event_type, task_id, agent_id, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), storage.NullString(ev.TaskID), storage.NullString(ev.AgentID),
		payload, storage.Millis(now),
	)
	return err
}

// Append writes one event and returns its sequence number.
func (f *SQLiteFeed) Append(ctx context.Context, ev eventdomain.Event) (int64, error) {
	const op = "event.append"

	if ev.Type == "" {
		return 0, errkind.New(errkind.KindValidation, op, "event type is required")
	}
	return storage.InTx(ctx, f.engine, func(tx *sql.Tx) (int64, error) {
		if err := InsertTx(ctx, tx, f.clock.Now(), ev); err != nil {
			return 0, err
		}
		var seq int64
		if err := tx.QueryRowContext(ctx, `SELECT last_insert_rowid()`).Scan(&seq); err != nil {
			return 0, err
		}
		return seq, nil
	})
}

// ListSince returns events with Seq > after, oldest first.
func (f *SQLiteFeed) ListSince(ctx context.Context, after int64, limit int) ([]eventdomain.Event, error) {
	const op = "event.list_since"

	if limit <= 0 {
		limit = 100
	}
	rows, err := f.engine.Query(ctx, `
SELECT seq, id, event_type, task_id, agent_id, payload, created_at
FROM events
WHERE seq > ?
ORDER BY seq ASC
LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []eventdomain.Event
	for rows.Next() {
		var (
			ev        eventdomain.Event
			evType    string
			taskID    sql.NullString
			agentID   sql.NullString
			payload   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &evType, &taskID, &agentID, &payload, &createdAt); err != nil {
			return nil, errkind.Wrap(errkind.KindTransaction, op, err)
		}
		ev.Type = eventdomain.Type(evType)
		ev.TaskID = storage.StringOr(taskID)
		ev.AgentID = storage.StringOr(agentID)
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		ev.CreatedAt = storage.TimeAt(createdAt)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	return out, nil
}

// LatestSeq returns the newest sequence number, 0 when the feed is empty.
func (f *SQLiteFeed) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := f.engine.QueryRow(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, errkind.Wrap(errkind.KindTransaction, "event.latest_seq", err)
	}
	return seq.Int64, nil
}

// Prune deletes events created before the cutoff.
func (f *SQLiteFeed) Prune(ctx context.Context, before time.Time) (int, error) {
	affected, _, err := f.engine.Execute(ctx,
		`DELETE FROM events WHERE created_at < ?`, storage.Millis(before))
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
