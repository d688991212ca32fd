package memory

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	memdomain "hive/internal/domain/memory"
	"hive/internal/embedding"
	"hive/internal/errkind"
	"hive/internal/storage"
)

func openTestMemory(t *testing.T, opts Options) (*SQLiteStore, *clocktesting.FakePassiveClock) {
	t.Helper()
	engine, err := storage.Open(filepath.Join(t.TempDir(), "hive.db"), storage.Options{})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	clk := clocktesting.NewFakePassiveClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewStore(engine, clk, opts), clk
}

func storeMemory(t *testing.T, s *SQLiteStore, m *memdomain.Memory) *memdomain.Memory {
	t.Helper()
	stored, err := s.Store(context.Background(), m)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return stored
}

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0.1, -2.5, 3.25, 0}
	decoded := DecodeVector(EncodeVector(vec))
	if len(decoded) != len(vec) {
		t.Fatalf("length = %d, want %d", len(decoded), len(vec))
	}
	for i := range vec {
		if decoded[i] != vec[i] {
			t.Fatalf("component %d = %g, want %g", i, decoded[i], vec[i])
		}
	}
	if EncodeVector(nil) != nil {
		t.Fatal("nil vector should encode as nil")
	}
}

func TestStoreValidatesInput(t *testing.T) {
	s, _ := openTestMemory(t, Options{})
	ctx := context.Background()

	if _, err := s.Store(ctx, memdomain.New(memdomain.TypeGeneral, "  ")); !errkind.IsValidation(err) {
		t.Fatalf("empty content: %v", err)
	}
	bad := memdomain.New(memdomain.TypeGeneral, "fine")
	bad.Importance = 1.5
	if _, err := s.Store(ctx, bad); !errkind.IsValidation(err) {
		t.Fatalf("importance out of range: %v", err)
	}
}

func TestEmbeddingDimensionIsPinned(t *testing.T) {
	s, _ := openTestMemory(t, Options{})
	ctx := context.Background()

	first := memdomain.New(memdomain.TypeGeneral, "first")
	first.Embedding = []float32{1, 0, 0}
	storeMemory(t, s, first)

	wrong := memdomain.New(memdomain.TypeGeneral, "wrong dim")
	wrong.Embedding = []float32{1, 0}
	if _, err := s.Store(ctx, wrong); !errkind.IsValidation(err) {
		t.Fatalf("dimension mismatch: %v", err)
	}

	if _, err := s.SemanticSearch(ctx, []float32{1, 0}, memdomain.SearchOptions{}); !errkind.IsValidation(err) {
		t.Fatalf("query dimension mismatch: %v", err)
	}
}

func TestRecordAccessBumpsCounters(t *testing.T) {
	s, clk := openTestMemory(t, Options{})
	ctx := context.Background()

	stored := storeMemory(t, s, memdomain.New(memdomain.TypeGeneral, "remember me"))
	clk.SetTime(clk.Now().Add(time.Minute))
	if err := s.RecordAccess(ctx, stored.ID); err != nil {
		t.Fatalf("record access: %v", err)
	}

	got, err := s.Get(ctx, stored.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessCount != 1 || !got.LastAccessed.After(got.CreatedAt) {
		t.Fatalf("access not recorded: count=%d", got.AccessCount)
	}
}

// Top-K semantic search agrees with a naive full scan and is non-increasing
// in similarity.
func TestSemanticSearchMatchesNaiveTopK(t *testing.T) {
	s, _ := openTestMemory(t, Options{MaxEntries: 5000})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	const dim = 128
	const corpus = 1000
	type entry struct {
		id  string
		vec []float32
	}
	entries := make([]entry, 0, corpus)
	for i := 0; i < corpus; i++ {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = rng.Float32()*2 - 1
		}
		m := memdomain.New(memdomain.TypeGeneral, fmt.Sprintf("memory %d", i))
		m.Embedding = vec
		stored := storeMemory(t, s, m)
		entries = append(entries, entry{id: stored.ID, vec: vec})
	}

	query := make([]float32, dim)
	for j := range query {
		query[j] = rng.Float32()*2 - 1
	}

	results, err := s.SemanticSearch(ctx, query, memdomain.SearchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 10 {
		t.Fatalf("results = %d, want 10", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Similarity > results[i-1].Similarity {
			t.Fatalf("similarity increased at position %d", i)
		}
	}

	type scored struct {
		id  string
		sim float64
	}
	naive := make([]scored, len(entries))
	for i, e := range entries {
		naive[i] = scored{id: e.id, sim: memdomain.CosineSimilarity(query, e.vec)}
	}
	sort.Slice(naive, func(i, j int) bool { return naive[i].sim > naive[j].sim })

	for i, r := range results {
		if r.Memory.ID != naive[i].id {
			t.Fatalf("position %d: batched scan picked %s, naive picked %s",
				i, r.Memory.ID, naive[i].id)
		}
	}
}

func TestSemanticSearchImportanceWeighting(t *testing.T) {
	s, _ := openTestMemory(t, Options{})
	ctx := context.Background()

	aligned := memdomain.New(memdomain.TypeGeneral, "similar but trivial")
	aligned.Embedding = []float32{1, 0}
	aligned.Importance = 0
	storeMemory(t, s, aligned)

	offAxis := memdomain.New(memdomain.TypeGeneral, "less similar but vital")
	offAxis.Embedding = []float32{1, 1}
	offAxis.Importance = 1
	storeMemory(t, s, offAxis)

	plain, err := s.SemanticSearch(ctx, []float32{1, 0}, memdomain.SearchOptions{Limit: 2})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if plain[0].Memory.Content != "similar but trivial" {
		t.Fatalf("unweighted winner = %q", plain[0].Memory.Content)
	}

	weighted, err := s.SemanticSearch(ctx, []float32{1, 0},
		memdomain.SearchOptions{Limit: 2, WeightByImportance: true})
	if err != nil {
		t.Fatalf("weighted search: %v", err)
	}
	// 0.7x0.707 + 0.3x1 = 0.795 beats 0.7x1 + 0.3x0 = 0.7.
	if weighted[0].Memory.Content != "less similar but vital" {
		t.Fatalf("weighted winner = %q", weighted[0].Memory.Content)
	}
}

// compact(1.0) removes every unprotected memory but leaves all
// codebase_knowledge entries untouched.
func TestCompactProtectsCodebaseKnowledge(t *testing.T) {
	s, _ := openTestMemory(t, Options{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m := memdomain.New(memdomain.TypeAgentLearning, fmt.Sprintf("learning %d", i))
		m.Importance = float64(i) / 10
		storeMemory(t, s, m)
	}
	for i := 0; i < 3; i++ {
		m := memdomain.New(memdomain.TypeCodebaseKnowledge, fmt.Sprintf("layout %d", i))
		m.Importance = 0.1
		storeMemory(t, s, m)
	}

	removed, err := s.Compact(ctx, 1.0)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if removed != 5 {
		t.Fatalf("removed %d, want 5", removed)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.ByType[memdomain.TypeCodebaseKnowledge] != 3 {
		t.Fatalf("survivors: %+v", stats)
	}
}

func TestAdaptiveCompactEvictsLowestImportance(t *testing.T) {
	// Soft capacity = 80% of 10 = 8 entries.
	s, _ := openTestMemory(t, Options{MaxEntries: 10})
	ctx := context.Background()

	protected := memdomain.New(memdomain.TypeCodebaseKnowledge, "protected")
	protected.Importance = 0.01
	keeper := storeMemory(t, s, protected)

	var weakest *memdomain.Memory
	for i := 0; i < 9; i++ {
		m := memdomain.New(memdomain.TypeAgentLearning, fmt.Sprintf("entry %d", i))
		m.Importance = 0.1 * float64(i+1)
		stored := storeMemory(t, s, m)
		if i == 0 {
			weakest = stored
		}
	}

	// The tenth write crossed the soft cap; the lowest-importance
	// unprotected entry is gone, the near-worthless protected one stays.
	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 8 {
		t.Fatalf("total = %d, want 8", stats.Total)
	}
	if _, err := s.Get(ctx, keeper.ID); err != nil {
		t.Fatalf("protected entry evicted: %v", err)
	}
	if _, err := s.Get(ctx, weakest.ID); !errkind.IsNotFound(err) {
		t.Fatalf("weakest entry survived: %v", err)
	}
}

func TestExpiredMemoriesAreSwept(t *testing.T) {
	s, clk := openTestMemory(t, Options{})
	ctx := context.Background()

	expiry := clk.Now().Add(time.Hour).UTC()
	ephemeral := memdomain.New(memdomain.TypeConversationHistory, "short lived")
	ephemeral.ExpiresAt = &expiry
	storeMemory(t, s, ephemeral)
	storeMemory(t, s, memdomain.New(memdomain.TypeGeneral, "durable"))

	clk.SetTime(clk.Now().Add(2 * time.Hour))
	n, err := s.DeleteExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("delete expired = %d, %v", n, err)
	}
}

type stubProvider struct {
	dim   int
	calls int
}

func (p *stubProvider) Generate(ctx context.Context, text string) (*embedding.Result, error) {
	results, err := p.GenerateBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

func (p *stubProvider) GenerateBatch(_ context.Context, texts []string) ([]*embedding.Result, error) {
	p.calls++
	out := make([]*embedding.Result, len(texts))
	for i, text := range texts {
		vec := make([]float32, p.dim)
		for j := range vec {
			vec[j] = float32(len(text)%(j+2)) + 0.5
		}
		out[i] = &embedding.Result{Embedding: vec, Model: "stub"}
	}
	return out, nil
}

func (p *stubProvider) HealthCheck(context.Context) bool { return true }
func (p *stubProvider) Type() embedding.ProviderType     { return embedding.TypeOllama }
func (p *stubProvider) Available(context.Context) bool   { return true }

func TestSearchByTextUsesProviderAndCache(t *testing.T) {
	provider := &stubProvider{dim: 4}
	s, _ := openTestMemory(t, Options{Provider: provider})
	ctx := context.Background()

	m := memdomain.New(memdomain.TypeGeneral, "searchable")
	m.Embedding = []float32{1, 1, 1, 1}
	storeMemory(t, s, m)

	for i := 0; i < 3; i++ {
		results, err := s.SemanticSearchByText(ctx, "query", memdomain.SearchOptions{Limit: 5})
		if err != nil {
			t.Fatalf("search by text: %v", err)
		}
		if len(results) != 1 {
			t.Fatalf("results = %d", len(results))
		}
	}
	if provider.calls != 1 {
		t.Fatalf("provider calls = %d, want 1 (LRU cached)", provider.calls)
	}
}

func TestSearchByTextFallsBackWithoutProvider(t *testing.T) {
	s, _ := openTestMemory(t, Options{})
	ctx := context.Background()

	storeMemory(t, s, memdomain.New(memdomain.TypeGeneral, "the scheduler claims atomically"))
	storeMemory(t, s, memdomain.New(memdomain.TypeGeneral, "unrelated note"))

	results, err := s.SemanticSearchByText(ctx, "SCHEDULER", memdomain.SearchOptions{Limit: 5})
	if err != nil {
		t.Fatalf("fallback search: %v", err)
	}
	if len(results) != 1 || results[0].Memory.Content != "the scheduler claims atomically" {
		t.Fatalf("fallback results = %d", len(results))
	}
}

func TestBackfillEmbeddings(t *testing.T) {
	provider := &stubProvider{dim: 4}
	s, _ := openTestMemory(t, Options{Provider: provider})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		storeMemory(t, s, memdomain.New(memdomain.TypeGeneral, fmt.Sprintf("plain %d", i)))
	}

	n, err := s.BackfillEmbeddings(ctx, 10)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if n != 3 {
		t.Fatalf("backfilled %d, want 3", n)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.WithEmbedding != 3 || stats.EmbeddingDim != 4 {
		t.Fatalf("stats after backfill: %+v", stats)
	}
}
