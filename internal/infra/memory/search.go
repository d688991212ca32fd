package memory

import (
	"container/heap"
	"context"
	"sort"
	"strings"

	memdomain "hive/internal/domain/memory"
	"hive/internal/errkind"
)

// Early termination is only legal once at least half the candidates have
// been scanned and the weakest kept similarity clears this bar.
const (
	earlyExitMinScanned = 0.5
	earlyExitSimilarity = 0.5
)

// SemanticSearch ranks stored embeddings against the query vector. The scan
// walks the corpus in keyset-paginated batches, holding only a K-sized
// min-heap, so memory use is bounded by K + one batch regardless of corpus
// size.
func (s *SQLiteStore) SemanticSearch(ctx context.Context, query []float32, opts memdomain.SearchOptions) ([]memdomain.SearchResult, error) {
	const op = "memory.semantic_search"

	if len(query) == 0 {
		return nil, errkind.New(errkind.KindValidation, op, "query vector is required")
	}
	dim, err := s.pinnedDimension(ctx)
	if err != nil {
		return nil, err
	}
	if dim > 0 && dim != len(query) {
		return nil, errkind.New(errkind.KindValidation, op,
			"query dimension %d does not match store dimension %d", len(query), dim)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	where, filterArgs := buildSearchFilter(opts)
	var total int
	if err := s.engine.QueryRow(ctx,
		`SELECT COUNT(*) FROM memories WHERE embedding IS NOT NULL`+where, filterArgs...).
		Scan(&total); err != nil {
		return nil, errkind.Wrap(errkind.KindTransaction, op, err)
	}
	if total == 0 {
		return nil, nil
	}

	window := &resultHeap{}
	heap.Init(window)
	scanned := 0
	lastID := ""

	for scanned < total {
		batch, err := s.queryMemories(ctx, `
SELECT `+memoryColumns+` FROM memories
WHERE embedding IS NOT NULL AND id > ?`+where+`
ORDER BY id ASC
LIMIT ?`, append(append([]any{lastID}, filterArgs...), s.batchSize)...)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		for _, m := range batch {
			scanned++
			similarity := memdomain.CosineSimilarity(query, m.Embedding)
			score := memdomain.Score(similarity, m.Importance, opts.WeightByImportance)
			result := memdomain.SearchResult{Memory: m, Similarity: similarity, Score: score}

			if window.Len() < limit {
				heap.Push(window, result)
			} else if score > (*window)[0].Score {
				(*window)[0] = result
				heap.Fix(window, 0)
			}
		}
		lastID = batch[len(batch)-1].ID

		if window.Len() == limit &&
			float64(scanned) >= earlyExitMinScanned*float64(total) &&
			window.minSimilarity() > earlyExitSimilarity {
			break
		}
	}

	out := make([]memdomain.SearchResult, window.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(window).(memdomain.SearchResult)
	}
	return out, nil
}

// SemanticSearchByText embeds the query and searches. Without a usable
// provider it degrades to substring search; that fallback is logged, never
// surfaced.
func (s *SQLiteStore) SemanticSearchByText(ctx context.Context, query string, opts memdomain.SearchOptions) ([]memdomain.SearchResult, error) {
	const op = "memory.semantic_search_by_text"

	if strings.TrimSpace(query) == "" {
		return nil, errkind.New(errkind.KindValidation, op, "query text is required")
	}

	if vec, ok := s.embedQuery(ctx, query); ok {
		return s.SemanticSearch(ctx, vec, opts)
	}
	return s.textSearch(ctx, query, opts)
}

// embedQuery resolves the query vector through the LRU cache, then the
// provider. Any failure steers the caller to the text fallback.
func (s *SQLiteStore) embedQuery(ctx context.Context, query string) ([]float32, bool) {
	if s.provider == nil || !s.provider.Available(ctx) {
		return nil, false
	}
	if vec, cached := s.queryCache.Get(query); cached {
		return vec, true
	}
	result, err := s.provider.Generate(ctx, query)
	if err != nil {
		s.logger.Warn("query embedding failed, falling back to text search: %v", err)
		return nil, false
	}
	s.queryCache.Add(query, result.Embedding)
	return result.Embedding, true
}

// textSearch is the degraded path: case-insensitive substring match over
// content, ranked by importance. Similarity is reported as zero.
func (s *SQLiteStore) textSearch(ctx context.Context, query string, opts memdomain.SearchOptions) ([]memdomain.SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	where, args := buildSearchFilter(opts)

	matches, err := s.queryMemories(ctx, `
SELECT `+memoryColumns+` FROM memories
WHERE instr(lower(content), lower(?)) > 0`+where+`
ORDER BY importance DESC, created_at DESC
LIMIT ?`, append(append([]any{query}, args...), limit)...)
	if err != nil {
		return nil, err
	}

	out := make([]memdomain.SearchResult, len(matches))
	for i, m := range matches {
		out[i] = memdomain.SearchResult{
			Memory: m,
			Score:  memdomain.Score(0, m.Importance, opts.WeightByImportance),
		}
	}
	// Importance weighting can reorder; keep the ranking contract.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func buildSearchFilter(opts memdomain.SearchOptions) (string, []any) {
	var (
		where string
		args  []any
	)
	if opts.Type != "" {
		where += ` AND memory_type = ?`
		args = append(args, string(opts.Type))
	}
	if opts.AgentID != "" {
		where += ` AND agent_id = ?`
		args = append(args, opts.AgentID)
	}
	if opts.TaskID != "" {
		where += ` AND task_id = ?`
		args = append(args, opts.TaskID)
	}
	return where, args
}

// resultHeap is a min-heap by score; the root is the weakest kept result,
// the first to be displaced by a better candidate.
type resultHeap []memdomain.SearchResult

func (h resultHeap) Len() int            { return len(h) }
func (h resultHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h resultHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)         { *h = append(*h, x.(memdomain.SearchResult)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h resultHeap) minSimilarity() float64 {
	if len(h) == 0 {
		return 0
	}
	min := h[0].Similarity
	for _, r := range h[1:] {
		if r.Similarity < min {
			min = r.Similarity
		}
	}
	return min
}
