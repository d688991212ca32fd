// Package memory persists the knowledge store in SQLite.
//
// Embeddings live in a BLOB column as little-endian float32 buffers; the
// store pins the vector dimension in store_meta on the first embedded write
// and rejects mismatches from then on. Similarity search never loads the
// whole corpus: it scans in keyset-paginated batches holding only a top-K
// window.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/utils/clock"

	memdomain "hive/internal/domain/memory"
	"hive/internal/embedding"
	"hive/internal/errkind"
	"hive/internal/ids"
	"hive/internal/logging"
	"hive/internal/storage"
)

const embeddingDimKey = "embedding_dim"

// Options tunes the store. Zero values select defaults.
type Options struct {
	// MaxEntries is the hard capacity; adaptive compaction keeps the count
	// at or under 80% of it. Defaults to 10000.
	MaxEntries int
	// SearchBatchSize is the scan batch for semantic search. Defaults to 100.
	SearchBatchSize int
	// QueryCacheSize bounds the query-embedding LRU. Defaults to 512.
	QueryCacheSize int
	// Provider embeds query text and backfills; nil degrades to text search.
	Provider embedding.Provider
	Logger   logging.Logger
}

// SQLiteStore implements memdomain.Store.
type SQLiteStore struct {
	engine     *storage.Engine
	clock      clock.PassiveClock
	logger     logging.Logger
	provider   embedding.Provider
	queryCache *lru.Cache[string, []float32]

	maxEntries int
	batchSize  int
}

var _ memdomain.Store = (*SQLiteStore)(nil)

// NewStore creates a memory store over the shared engine.
func NewStore(engine *storage.Engine, clk clock.PassiveClock, opts Options) *SQLiteStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.SearchBatchSize <= 0 {
		opts.SearchBatchSize = 100
	}
	if opts.QueryCacheSize <= 0 {
		opts.QueryCacheSize = 512
	}
	queryCache, _ := lru.New[string, []float32](opts.QueryCacheSize)
	return &SQLiteStore{
		engine:     engine,
		clock:      clk,
		logger:     logging.OrNop(opts.Logger),
		provider:   opts.Provider,
		queryCache: queryCache,
		maxEntries: opts.MaxEntries,
		batchSize:  opts.SearchBatchSize,
	}
}

const memoryColumns = `id, memory_type, content, embedding, metadata, importance,
created_at, last_accessed, access_count, expires_at,
agent_id, task_id, workspace_id, tags`

// Store persists a memory. Crossing the soft capacity triggers adaptive
// compaction after the write.
func (s *SQLiteStore) Store(ctx context.Context, m *memdomain.Memory) (*memdomain.Memory, error) {
	const op = "memory.store"

	if m == nil {
		return nil, errkind.New(errkind.KindValidation, op, "memory is required")
	}
	stored := *m
	if stored.Type == "" {
		stored.Type = memdomain.TypeGeneral
	}
	if err := stored.Validate(); err != nil {
		return nil, err
	}
	if stored.ID == "" {
		stored.ID = ids.NewMemoryID()
	}
	now := s.clock.Now()
	stored.CreatedAt = now.UTC()
	stored.LastAccessed = now.UTC()

	err := s.engine.Transaction(ctx, func(tx *sql.Tx) error {
		if err := s.checkDimensionTx(ctx, tx, op, stored.Embedding); err != nil {
			return err
		}

		var metadata any
		if len(stored.Metadata) > 0 {
			metadata = string(stored.Metadata)
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO memories (id, memory_type, content, embedding, metadata, importance,
    created_at, last_accessed, access_count, expires_at,
    agent_id, task_id, workspace_id, tags)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
			stored.ID, string(stored.Type), stored.Content,
			EncodeVector(stored.Embedding), metadata, stored.Importance,
			storage.Millis(stored.CreatedAt), storage.Millis(stored.LastAccessed),
			storage.NullMillis(stored.ExpiresAt),
			storage.NullString(stored.AgentID), storage.NullString(stored.TaskID),
			storage.NullString(stored.WorkspaceID), storage.MarshalStrings(stored.Tags),
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return errkind.New(errkind.KindConflict, op, "memory %s already exists", stored.ID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if removed, err := s.AdaptiveCompact(ctx); err != nil {
		s.logger.Warn("adaptive compaction after store failed: %v", err)
	} else if removed > 0 {
		s.logger.Info("adaptive compaction evicted %d memories", removed)
	}
	return &stored, nil
}

// Get retrieves a memory by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*memdomain.Memory, error) {
	const op = "memory.get"

	row := s.engine.QueryRow(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.KindNotFound, op, "memory %s not found", id)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	return m, nil
}

// Update rewrites the mutable fields of a memory.
func (s *SQLiteStore) Update(ctx context.Context, m *memdomain.Memory) (*memdomain.Memory, error) {
	const op = "memory.update"

	if m == nil || m.ID == "" {
		return nil, errkind.New(errkind.KindValidation, op, "memory id is required")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	err := s.engine.Transaction(ctx, func(tx *sql.Tx) error {
		if err := s.checkDimensionTx(ctx, tx, op, m.Embedding); err != nil {
			return err
		}
		var metadata any
		if len(m.Metadata) > 0 {
			metadata = string(m.Metadata)
		}
		res, err := tx.ExecContext(ctx, `
UPDATE memories SET memory_type = ?, content = ?, embedding = ?, metadata = ?,
    importance = ?, expires_at = ?, agent_id = ?, task_id = ?, workspace_id = ?, tags = ?
WHERE id = ?`,
			string(m.Type), m.Content, EncodeVector(m.Embedding), metadata,
			m.Importance, storage.NullMillis(m.ExpiresAt),
			storage.NullString(m.AgentID), storage.NullString(m.TaskID),
			storage.NullString(m.WorkspaceID), storage.MarshalStrings(m.Tags),
			m.ID,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errkind.New(errkind.KindNotFound, op, "memory %s not found", m.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, m.ID)
}

// Delete removes a memory.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	const op = "memory.delete"

	affected, _, err := s.engine.Execute(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return errkind.New(errkind.KindNotFound, op, "memory %s not found", id)
	}
	return nil
}

// List returns memories matching the filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, f memdomain.Filter) ([]*memdomain.Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories`
	where, args := buildMemoryFilter(f)
	query += where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}
	return s.queryMemories(ctx, query, args...)
}

// RecordAccess bumps access_count and last_accessed.
func (s *SQLiteStore) RecordAccess(ctx context.Context, id string) error {
	const op = "memory.record_access"

	affected, _, err := s.engine.Execute(ctx, `
UPDATE memories SET access_count = access_count + 1, last_accessed = ?
WHERE id = ?`, storage.Millis(s.clock.Now()), id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return errkind.New(errkind.KindNotFound, op, "memory %s not found", id)
	}
	return nil
}

// Compact removes every unprotected memory with importance below threshold.
func (s *SQLiteStore) Compact(ctx context.Context, threshold float64) (int, error) {
	affected, _, err := s.engine.Execute(ctx, `
DELETE FROM memories WHERE importance < ? AND memory_type != ?`,
		threshold, string(memdomain.TypeCodebaseKnowledge))
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// AdaptiveCompact evicts the lowest-importance unprotected entries until
// the store is back at its soft capacity, 80% of max entries. Protected
// codebase_knowledge rows never leave, even when they alone exceed the cap.
func (s *SQLiteStore) AdaptiveCompact(ctx context.Context) (int, error) {
	softCap := s.maxEntries * 80 / 100

	return storage.InTx(ctx, s.engine, func(tx *sql.Tx) (int, error) {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&count); err != nil {
			return 0, err
		}
		excess := count - softCap
		if excess <= 0 {
			return 0, nil
		}

		res, err := tx.ExecContext(ctx, `
DELETE FROM memories WHERE id IN (
    SELECT id FROM memories
    WHERE memory_type != ?
    ORDER BY importance ASC, last_accessed ASC
    LIMIT ?
)`, string(memdomain.TypeCodebaseKnowledge), excess)
		if err != nil {
			return 0, err
		}
		removed, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		return int(removed), nil
	})
}

// DeleteExpired removes memories past their expiry.
func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int, error) {
	affected, _, err := s.engine.Execute(ctx, `
DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		storage.Millis(s.clock.Now()))
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// GetByType lists memories of one type, newest first.
func (s *SQLiteStore) GetByType(ctx context.Context, memType memdomain.Type, limit int) ([]*memdomain.Memory, error) {
	return s.List(ctx, memdomain.Filter{Type: memType, Limit: limit})
}

// GetStats summarizes the store.
func (s *SQLiteStore) GetStats(ctx context.Context) (*memdomain.Stats, error) {
	const op = "memory.get_stats"

	stats := &memdomain.Stats{ByType: map[memdomain.Type]int{}}

	rows, err := s.engine.Query(ctx, `
SELECT memory_type, COUNT(*) FROM memories GROUP BY memory_type`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var memType string
		var n int
		if err := rows.Scan(&memType, &n); err != nil {
			rows.Close()
			return nil, errkind.Wrap(errkind.KindTransaction, op, err)
		}
		stats.ByType[memdomain.Type(memType)] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	rows.Close()

	var avg sql.NullFloat64
	err = s.engine.QueryRow(ctx, `
SELECT COUNT(*) FILTER (WHERE embedding IS NOT NULL), AVG(importance) FROM memories`).
		Scan(&stats.WithEmbedding, &avg)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	stats.AvgImportance = avg.Float64

	dim, err := s.pinnedDimension(ctx)
	if err != nil {
		return nil, err
	}
	stats.EmbeddingDim = dim
	return stats, nil
}

// BackfillEmbeddings embeds up to batch entries that have none.
func (s *SQLiteStore) BackfillEmbeddings(ctx context.Context, batch int) (int, error) {
	const op = "memory.backfill_embeddings"

	if s.provider == nil || !s.provider.Available(ctx) {
		return 0, errkind.New(errkind.KindExternalUnavailable, op, "no embedding provider available")
	}
	if batch <= 0 {
		batch = 32
	}

	pending, err := s.queryMemories(ctx, `
SELECT `+memoryColumns+` FROM memories
WHERE embedding IS NULL
ORDER BY importance DESC, created_at ASC
LIMIT ?`, batch)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	texts := make([]string, len(pending))
	for i, m := range pending {
		texts[i] = m.Content
	}
	results, err := s.provider.GenerateBatch(ctx, texts)
	if err != nil {
		return 0, err
	}
	if len(results) != len(pending) {
		return 0, errkind.New(errkind.KindExternalUnavailable, op,
			"provider returned %d embeddings for %d inputs", len(results), len(pending))
	}

	embedded := 0
	err = s.engine.Transaction(ctx, func(tx *sql.Tx) error {
		for i, m := range pending {
			if err := s.checkDimensionTx(ctx, tx, op, results[i].Embedding); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE memories SET embedding = ? WHERE id = ?`,
				EncodeVector(results[i].Embedding), m.ID); err != nil {
				return err
			}
			embedded++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return embedded, nil
}

// checkDimensionTx pins the store-wide vector dimension on first embedded
// write and rejects mismatches afterwards.
func (s *SQLiteStore) checkDimensionTx(ctx context.Context, tx *sql.Tx, op string, vec []float32) error {
	if len(vec) == 0 {
		return nil
	}

	var stored string
	err := tx.QueryRowContext(ctx,
		`SELECT value FROM store_meta WHERE key = ?`, embeddingDimKey).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO store_meta (key, value) VALUES (?, ?)`,
			embeddingDimKey, strconv.Itoa(len(vec)))
		return err
	case err != nil:
		return err
	}

	dim, err := strconv.Atoi(stored)
	if err != nil {
		return err
	}
	if dim != len(vec) {
		return errkind.New(errkind.KindValidation, op,
			"embedding dimension %d does not match store dimension %d", len(vec), dim)
	}
	return nil
}

func (s *SQLiteStore) pinnedDimension(ctx context.Context) (int, error) {
	var stored string
	err := s.engine.QueryRow(ctx,
		`SELECT value FROM store_meta WHERE key = ?`, embeddingDimKey).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errkind.Wrap(errkind.KindTransaction, "memory.dimension", err)
	}
	return strconv.Atoi(stored)
}

func buildMemoryFilter(f memdomain.Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Type != "" {
		clauses = append(clauses, `memory_type = ?`)
		args = append(args, string(f.Type))
	}
	if f.AgentID != "" {
		clauses = append(clauses, `agent_id = ?`)
		args = append(args, f.AgentID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, `task_id = ?`)
		args = append(args, f.TaskID)
	}
	if f.WorkspaceID != "" {
		clauses = append(clauses, `workspace_id = ?`)
		args = append(args, f.WorkspaceID)
	}
	if f.Tag != "" {
		clauses = append(clauses,
			`EXISTS (SELECT 1 FROM json_each(memories.tags) WHERE json_each.value = ?)`)
		args = append(args, f.Tag)
	}
	if f.MinImportance > 0 {
		clauses = append(clauses, `importance >= ?`)
		args = append(args, f.MinImportance)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return ` WHERE ` + strings.Join(clauses, " AND "), args
}

func (s *SQLiteStore) queryMemories(ctx context.Context, query string, args ...any) ([]*memdomain.Memory, error) {
	const op = "memory.query"

	rows, err := s.engine.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*memdomain.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, errkind.Wrap(errkind.KindTransaction, op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*memdomain.Memory, error) {
	var (
		m            memdomain.Memory
		memType      string
		embedding    []byte
		metadata     sql.NullString
		createdAt    int64
		lastAccessed int64
		expiresAt    sql.NullInt64
		agentID      sql.NullString
		taskID       sql.NullString
		workspaceID  sql.NullString
		tagsJSON     string
	)
	if err := row.Scan(&m.ID, &memType, &m.Content, &embedding, &metadata, &m.Importance,
		&createdAt, &lastAccessed, &m.AccessCount, &expiresAt,
		&agentID, &taskID, &workspaceID, &tagsJSON); err != nil {
		return nil, err
	}
	m.Type = memdomain.Type(memType)
	m.Embedding = DecodeVector(embedding)
	if metadata.Valid {
		m.Metadata = []byte(metadata.String)
	}
	m.CreatedAt = storage.TimeAt(createdAt)
	m.LastAccessed = storage.TimeAt(lastAccessed)
	m.ExpiresAt = storage.TimePtr(expiresAt)
	m.AgentID = storage.StringOr(agentID)
	m.TaskID = storage.StringOr(taskID)
	m.WorkspaceID = storage.StringOr(workspaceID)
	m.Tags = storage.UnmarshalStrings(tagsJSON)
	return &m, nil
}
