// Package bus persists the message bus in SQLite.
package bus

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"k8s.io/utils/clock"

	busdomain "hive/internal/domain/bus"
	"hive/internal/errkind"
	"hive/internal/ids"
	"hive/internal/logging"
	"hive/internal/storage"
)

// SQLiteBus implements busdomain.Bus.
type SQLiteBus struct {
	engine *storage.Engine
	clock  clock.PassiveClock
	logger logging.Logger
	// defaultTTL bounds message lifetime when the sender sets none.
	// Zero means messages live until explicitly deleted.
	defaultTTL time.Duration
}

var _ busdomain.Bus = (*SQLiteBus)(nil)

// NewBus creates a message bus over the shared engine.
func NewBus(engine *storage.Engine, clk clock.PassiveClock, defaultTTL time.Duration, logger logging.Logger) *SQLiteBus {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &SQLiteBus{
		engine:     engine,
		clock:      clk,
		logger:     logging.OrNop(logger),
		defaultTTL: defaultTTL,
	}
}

const messageColumns = `id, message_type, from_agent, to_agent, payload, ack_required,
delivered_at, acknowledged_at, acknowledged_by, expires_at, created_at`

// Send publishes a message. Message ids are time-ordered, so id order and
// created_at order agree for per-recipient delivery.
func (b *SQLiteBus) Send(ctx context.Context, msg *busdomain.Message) (*busdomain.Message, error) {
	const op = "bus.send"

	if msg == nil {
		return nil, errkind.New(errkind.KindValidation, op, "message is required")
	}
	if msg.FromAgent == "" {
		return nil, errkind.New(errkind.KindValidation, op, "from_agent is required")
	}

	stored := *msg
	if stored.ID == "" {
		stored.ID = ids.NewMessageID()
	}
	now := b.clock.Now()
	stored.CreatedAt = now.UTC()
	if stored.ExpiresAt == nil && b.defaultTTL > 0 {
		at := now.Add(b.defaultTTL).UTC()
		stored.ExpiresAt = &at
	}

	var payload any
	if len(stored.Payload) > 0 {
		payload = string(stored.Payload)
	}
	_, _, err := b.engine.Execute(ctx, `
INSERT INTO messages (id, message_type, from_agent, to_agent, payload, ack_required, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.Type, stored.FromAgent, storage.NullString(stored.ToAgent),
		payload, stored.AckRequired,
		storage.NullMillis(stored.ExpiresAt), storage.Millis(stored.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, errkind.New(errkind.KindConflict, op, "message %s already exists", stored.ID)
		}
		return nil, err
	}
	return &stored, nil
}

// Broadcast publishes msg to every agent.
func (b *SQLiteBus) Broadcast(ctx context.Context, msg *busdomain.Message) (*busdomain.Message, error) {
	if msg == nil {
		return nil, errkind.New(errkind.KindValidation, "bus.broadcast", "message is required")
	}
	wide := *msg
	wide.ToAgent = ""
	return b.Send(ctx, &wide)
}

// Get retrieves one message by id.
func (b *SQLiteBus) Get(ctx context.Context, id string) (*busdomain.Message, error) {
	const op = "bus.get"

	row := b.engine.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.KindNotFound, op, "message %s not found", id)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	return msg, nil
}

// Receive returns visible messages for the agent in send order. Expired
// messages are hidden; the janitor deletes them later.
func (b *SQLiteBus) Receive(ctx context.Context, agentID string, f busdomain.ReceiveFilter) ([]*busdomain.Message, error) {
	const op = "bus.receive"

	if agentID == "" {
		return nil, errkind.New(errkind.KindValidation, op, "agent id is required")
	}

	query := `SELECT ` + messageColumns + ` FROM messages
WHERE (to_agent = ? OR to_agent IS NULL)
AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{agentID, storage.Millis(b.clock.Now())}

	if f.Type != "" {
		query += ` AND message_type = ?`
		args = append(args, f.Type)
	}
	if f.UnreadOnly {
		query += ` AND delivered_at IS NULL`
	}
	if f.UnackedOnly {
		query += ` AND acknowledged_at IS NULL`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	return b.queryMessages(ctx, query, args...)
}

// MarkDelivered stamps delivery on the ids in one statement. The recipient
// guard keeps an agent from stamping another agent's directed mail, and the
// delivered_at guard keeps the first stamp.
func (b *SQLiteBus) MarkDelivered(ctx context.Context, agentID string, msgIDs ...string) (int, error) {
	const op = "bus.mark_delivered"

	if agentID == "" {
		return 0, errkind.New(errkind.KindValidation, op, "agent id is required")
	}
	if len(msgIDs) == 0 {
		return 0, nil
	}

	ph := strings.TrimSuffix(strings.Repeat("?,", len(msgIDs)), ",")
	args := []any{storage.Millis(b.clock.Now())}
	for _, id := range msgIDs {
		args = append(args, id)
	}
	args = append(args, agentID)

	affected, _, err := b.engine.Execute(ctx, `
UPDATE messages SET delivered_at = ?
WHERE id IN (`+ph+`)
AND (to_agent = ? OR to_agent IS NULL)
AND delivered_at IS NULL`, args...)
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// Acknowledge records the ack. The acknowledged_at IS NULL guard makes the
// first broadcast ack win; later acks observe affected = 0.
func (b *SQLiteBus) Acknowledge(ctx context.Context, id, agentID string) (bool, error) {
	const op = "bus.acknowledge"

	if agentID == "" {
		return false, errkind.New(errkind.KindValidation, op, "agent id is required")
	}

	msg, err := b.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !msg.Broadcast() && msg.ToAgent != agentID {
		return false, errkind.New(errkind.KindPrecondition, op,
			"message %s is addressed to %s, not %s", id, msg.ToAgent, agentID)
	}

	now := storage.Millis(b.clock.Now())
	affected, _, err := b.engine.Execute(ctx, `
UPDATE messages SET acknowledged_at = ?, acknowledged_by = ?,
    delivered_at = COALESCE(delivered_at, ?)
WHERE id = ? AND acknowledged_at IS NULL`,
		now, agentID, now, id)
	if err != nil {
		return false, err
	}
	if affected == 0 {
		b.logger.Debug("message %s already acknowledged", id)
	}
	return affected > 0, nil
}

// GetUnacknowledged lists ack-required messages still waiting, oldest first.
func (b *SQLiteBus) GetUnacknowledged(ctx context.Context, olderThan *time.Time) ([]*busdomain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
WHERE ack_required = 1 AND acknowledged_at IS NULL
AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{storage.Millis(b.clock.Now())}
	if olderThan != nil {
		query += ` AND created_at < ?`
		args = append(args, storage.Millis(*olderThan))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return b.queryMessages(ctx, query, args...)
}

// DeleteExpired removes messages past their expiry.
func (b *SQLiteBus) DeleteExpired(ctx context.Context) (int, error) {
	affected, _, err := b.engine.Execute(ctx,
		`DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		storage.Millis(b.clock.Now()))
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (b *SQLiteBus) queryMessages(ctx context.Context, query string, args ...any) ([]*busdomain.Message, error) {
	const op = "bus.query"

	rows, err := b.engine.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*busdomain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errkind.Wrap(errkind.KindTransaction, op, err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*busdomain.Message, error) {
	var (
		msg       busdomain.Message
		toAgent   sql.NullString
		payload   sql.NullString
		delivered sql.NullInt64
		acked     sql.NullInt64
		ackedBy   sql.NullString
		expires   sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&msg.ID, &msg.Type, &msg.FromAgent, &toAgent, &payload,
		&msg.AckRequired, &delivered, &acked, &ackedBy, &expires, &createdAt); err != nil {
		return nil, err
	}
	msg.ToAgent = storage.StringOr(toAgent)
	if payload.Valid {
		msg.Payload = []byte(payload.String)
	}
	msg.DeliveredAt = storage.TimePtr(delivered)
	msg.AcknowledgedAt = storage.TimePtr(acked)
	msg.AcknowledgedBy = storage.StringOr(ackedBy)
	msg.ExpiresAt = storage.TimePtr(expires)
	msg.CreatedAt = storage.TimeAt(createdAt)
	return &msg, nil
}
