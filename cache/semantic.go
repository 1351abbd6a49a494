package cache

import (
	"math"
	"sync"

	"github.com/docuscale/scheduler/domain"
)

// defaultSimilarityThreshold is the minimum cosine similarity for a
// semantic hit when a caller doesn't override it (spec.md §4.3).
const defaultSimilarityThreshold = 0.95

// semanticRecord is one embedding registered for similarity search,
// alongside the capability set its cached value satisfies (invariant I6:
// a semantic hit must still be a capability superset of the request).
type semanticRecord struct {
	fingerprint  string
	embedding    []float32
	capabilities domain.CapabilitySet
	documentType string
	tier         domain.CacheTierName
}

// semanticIndex is a small, linear-scan nearest-neighbor index over
// recently cached embeddings, adapted from the pack's embedding-similarity
// routing cache (a single in-memory slice scored by cosine similarity,
// kept under a size cap).
type semanticIndex struct {
	threshold float64
	maxSize   int

	mu      sync.Mutex
	records []semanticRecord
}

func (idx *semanticIndex) size() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.records)
}

func newSemanticIndex(threshold float64, maxSize int) *semanticIndex {
	if threshold <= 0 {
		threshold = defaultSimilarityThreshold
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &semanticIndex{threshold: threshold, maxSize: maxSize}
}

// register adds or replaces an embedding for a fingerprint.
func (idx *semanticIndex) register(fingerprint string, embedding []float32, caps domain.CapabilitySet, documentType string, tier domain.CacheTierName) {
	if len(embedding) == 0 {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for i, r := range idx.records {
		if r.fingerprint == fingerprint {
			idx.records[i] = semanticRecord{fingerprint, embedding, caps, documentType, tier}
			return
		}
	}
	if len(idx.records) >= idx.maxSize {
		idx.records = idx.records[1:]
	}
	idx.records = append(idx.records, semanticRecord{fingerprint, embedding, caps, documentType, tier})
}

func (idx *semanticIndex) remove(fingerprint string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i, r := range idx.records {
		if r.fingerprint == fingerprint {
			idx.records = append(idx.records[:i], idx.records[i+1:]...)
			return
		}
	}
}

// bestMatch returns the highest-similarity record at or above threshold
// whose capabilities are a superset of required and, if documentType is
// non-empty, whose document type matches it exactly (spec.md §4.3's
// optional document-type filter). Ties favor the first record scanned
// (insertion order), matching the deterministic ordering the router
// relies on elsewhere.
func (idx *semanticIndex) bestMatch(embedding []float32, required domain.CapabilitySet, documentType string) (semanticRecord, float64, bool) {
	if len(embedding) == 0 {
		return semanticRecord{}, 0, false
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var best semanticRecord
	bestScore := 0.0
	found := false
	for _, r := range idx.records {
		if !r.capabilities.Superset(required) {
			continue
		}
		if documentType != "" && r.documentType != documentType {
			continue
		}
		score := cosineSimilarity(embedding, r.embedding)
		if score >= idx.threshold && score > bestScore {
			best = r
			bestScore = score
			found = true
		}
	}
	return best, bestScore, found
}

// cosineSimilarity computes cosine similarity between two equal-length
// embeddings, mirroring the teacher cache's vector-similarity calculation.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
