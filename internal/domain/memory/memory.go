// Package memory defines the shared knowledge store.
//
// Memories are typed text entries with an importance weight, optional
// links back to the agent and task that produced them, and an optional
// embedding vector for similarity search. The store self-bounds through
// compaction; codebase_knowledge entries are protected and never evicted.
package memory

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"hive/internal/errkind"
)

// Type classifies what a memory records.
type Type string

const (
	TypeCodebaseKnowledge   Type = "codebase_knowledge"
	TypeAgentLearning       Type = "agent_learning"
	TypePatternRecognition  Type = "pattern_recognition"
	TypeConversationHistory Type = "conversation_history"
	TypeDecisionRationale   Type = "decision_rationale"
	TypeRegressionPattern   Type = "regression_pattern"
	TypeSuccessfulFix       Type = "successful_fix"
	TypeGeneral             Type = "general"
)

// Protected reports whether compaction must leave this type alone.
func (t Type) Protected() bool {
	return t == TypeCodebaseKnowledge
}

// Memory is one persisted piece of knowledge.
type Memory struct {
	ID      string `json:"id"`
	Type    Type   `json:"type"`
	Content string `json:"content"`

	// Embedding is the similarity vector; nil when not yet embedded.
	Embedding []float32       `json:"embedding,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`

	// Importance in [0,1] orders compaction eviction and, optionally,
	// weights search scores.
	Importance float64 `json:"importance"`

	CreatedAt    time.Time  `json:"created_at"`
	LastAccessed time.Time  `json:"last_accessed"`
	AccessCount  int        `json:"access_count"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	AgentID     string   `json:"agent_id,omitempty"`
	TaskID      string   `json:"task_id,omitempty"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// New returns a memory with defaults filled in.
func New(memType Type, content string) *Memory {
	if memType == "" {
		memType = TypeGeneral
	}
	return &Memory{
		Type:       memType,
		Content:    content,
		Importance: 0.5,
	}
}

// Validate checks the caller-controlled fields.
func (m *Memory) Validate() error {
	const op = "memory.validate"

	if strings.TrimSpace(m.Content) == "" {
		return errkind.New(errkind.KindValidation, op, "content is required")
	}
	if m.Importance < 0 || m.Importance > 1 {
		return errkind.New(errkind.KindValidation, op,
			"importance must be in [0,1], got %g", m.Importance)
	}
	return nil
}

// Filter narrows List and ListPage.
type Filter struct {
	Type        Type
	AgentID     string
	TaskID      string
	WorkspaceID string
	Tag         string
	// MinImportance keeps only entries at or above the threshold.
	MinImportance float64
	Limit         int
	Offset        int
}

// SearchOptions tune semantic search.
type SearchOptions struct {
	// Limit is the K of top-K; defaults to 10.
	Limit   int
	Type    Type
	AgentID string
	TaskID  string
	// WeightByImportance blends importance into the ranking:
	// score = 0.7 x similarity + 0.3 x importance.
	WeightByImportance bool
}

// SearchResult pairs a memory with its similarity and final score.
type SearchResult struct {
	Memory *Memory `json:"memory"`
	// Similarity is 1 - cosine distance against the query vector.
	Similarity float64 `json:"similarity"`
	// Score is what results are ranked by; equals Similarity unless
	// importance weighting is on.
	Score float64 `json:"score"`
}

// Stats summarizes the store.
type Stats struct {
	Total         int          `json:"total"`
	ByType        map[Type]int `json:"by_type"`
	WithEmbedding int          `json:"with_embedding"`
	AvgImportance float64      `json:"avg_importance"`
	// EmbeddingDim is the pinned vector dimension, 0 before the first
	// embedded write.
	EmbeddingDim int `json:"embedding_dim"`
}

// Store is the memory persistence port.
type Store interface {
	// Store persists a memory, assigning id and timestamps. Writing may
	// trigger adaptive compaction when the store is near capacity.
	Store(ctx context.Context, m *Memory) (*Memory, error)

	// Get retrieves a memory by id.
	Get(ctx context.Context, id string) (*Memory, error)

	// Update rewrites content, importance, metadata, or embedding.
	Update(ctx context.Context, m *Memory) (*Memory, error)

	// Delete removes a memory.
	Delete(ctx context.Context, id string) error

	// List returns memories matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]*Memory, error)

	// RecordAccess bumps access_count and last_accessed.
	RecordAccess(ctx context.Context, id string) error

	// SemanticSearch ranks stored embeddings against the query vector,
	// scanning in bounded batches rather than loading every vector.
	SemanticSearch(ctx context.Context, query []float32, opts SearchOptions) ([]SearchResult, error)

	// SemanticSearchByText embeds the query text and searches; without an
	// embedding provider it degrades to substring search over content.
	SemanticSearchByText(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error)

	// Compact removes every unprotected memory with importance below the
	// threshold, returning the count removed.
	Compact(ctx context.Context, threshold float64) (int, error)

	// AdaptiveCompact evicts lowest-importance unprotected entries until
	// the store is within its soft capacity, returning the count removed.
	AdaptiveCompact(ctx context.Context) (int, error)

	// DeleteExpired removes memories past their expiry.
	DeleteExpired(ctx context.Context) (int, error)

	// GetByType lists memories of one type, newest first.
	GetByType(ctx context.Context, memType Type, limit int) ([]*Memory, error)

	// GetStats summarizes the store.
	GetStats(ctx context.Context) (*Stats, error)

	// BackfillEmbeddings embeds up to batch entries that have none yet,
	// returning the count embedded.
	BackfillEmbeddings(ctx context.Context, batch int) (int, error)
}
