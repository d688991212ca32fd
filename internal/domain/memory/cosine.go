package memory

import "math"

// CosineSimilarity returns the cosine of the angle between a and b in
// [-1, 1]. Mismatched or zero-length vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Score blends similarity with importance when weighting is on.
func Score(similarity, importance float64, weightByImportance bool) float64 {
	if !weightByImportance {
		return similarity
	}
	return 0.7*similarity + 0.3*importance
}
