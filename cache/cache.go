// Package cache implements the Tiered Cache (C4): a three-level cache
// (in-process memory, shared Valkey-backed, durable object-storage
// archive) with capability-gated exact-key and semantic-similarity
// lookups (spec.md §4.3).
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/docuscale/scheduler/clock"
	"github.com/docuscale/scheduler/domain"
)

// Promotion thresholds: a value read this many times from a colder tier
// is copied up to the next warmer one (spec.md §4.3).
const (
	sharedPromoteHits  = 5
	archivePromoteHits = 1
)

// Value is one cached artifact plus the metadata needed to decide whether
// it legally answers a later request.
type Value struct {
	Data         []byte
	Capabilities domain.CapabilitySet
	Metadata     map[string]string
	Embedding    []float32

	// DocumentType, if set, narrows semantic matching (spec.md §4.3): a
	// semantic hit must match the query's document type when the query
	// supplies one, in addition to the usual capability-superset check.
	DocumentType string
}

// wireValue is Value's on-the-wire encoding for the shared and archive
// tiers, which only deal in bytes.
type wireValue struct {
	Data         []byte              `json:"data"`
	Capabilities []domain.Capability `json:"capabilities"`
	Metadata     map[string]string   `json:"metadata,omitempty"`
	Embedding    []float32           `json:"embedding,omitempty"`
	DocumentType string              `json:"document_type,omitempty"`
}

func encodeValue(v Value) ([]byte, error) {
	return json.Marshal(wireValue{
		Data:         v.Data,
		Capabilities: v.Capabilities.Slice(),
		Metadata:     v.Metadata,
		Embedding:    v.Embedding,
		DocumentType: v.DocumentType,
	})
}

func decodeValue(raw []byte) (Value, error) {
	var w wireValue
	if err := json.Unmarshal(raw, &w); err != nil {
		return Value{}, err
	}
	return Value{
		Data:         w.Data,
		Capabilities: domain.NewCapabilitySet(w.Capabilities),
		Metadata:     w.Metadata,
		Embedding:    w.Embedding,
		DocumentType: w.DocumentType,
	}, nil
}

// Config controls tier sizing, initial placement thresholds, and
// semantic-lookup sensitivity (spec.md §6).
type Config struct {
	MemoryMaxBytes int64

	// SharedThresholdBytes and ArchiveThresholdBytes gate initial tier
	// placement by entry size (spec.md §4.3's store algorithm): entries
	// over ArchiveThresholdBytes go to archive, over SharedThresholdBytes
	// go to shared, otherwise memory.
	SharedThresholdBytes  int64
	ArchiveThresholdBytes int64

	DefaultTTL time.Duration

	SimilarityThreshold float64
	SemanticIndexSize   int

	ArchiveBucket string
}

// DefaultConfig returns reasonable tier thresholds for a single instance.
func DefaultConfig() Config {
	return Config{
		MemoryMaxBytes:        64 << 20,
		SharedThresholdBytes:  1 << 20,
		ArchiveThresholdBytes: 10 << 20,
		DefaultTTL:            time.Hour,
		SimilarityThreshold:   defaultSimilarityThreshold,
		SemanticIndexSize:     10000,
	}
}

// Store is the tiered cache facade every other component talks to. It
// never calls back into the router, queue, or scheduler facade.
type Store struct {
	cfg    Config
	logger *zap.SugaredLogger

	memory   *memoryTier
	shared   *sharedTier
	archive  *archiveTier
	semantic *semanticIndex

	hitMu    sync.Mutex
	coldHits map[string]int64 // fingerprint -> reads from shared/archive since last promotion
}

// NewWithBackends constructs a tiered cache wired to a live Valkey client
// (shared tier) and/or GCS client plus bucket (archive tier), for use by
// the cmd/ wiring entrypoint outside this package. Either or both may be
// nil/empty, in which case the corresponding tier is left unconfigured
// (see New).
func NewWithBackends(cfg Config, clk clock.Clock, logger *zap.SugaredLogger, valkeyClient valkey.Client, gcsClient *storage.Client, archiveBucket string) *Store {
	var shared *sharedTier
	if valkeyClient != nil {
		shared = newSharedTier(valkeyClient)
	}
	var archive *archiveTier
	if gcsClient != nil && archiveBucket != "" {
		archive = newArchiveTier(newGCSObjectStore(gcsClient), archiveBucket)
	}
	return New(cfg, clk, logger, shared, archive)
}

// New constructs a tiered cache. shared and archive may be nil, in which
// case lookups and writes fall back to the next tier up (or the memory
// tier alone, if both are nil) — useful for tests and for deployments
// that haven't provisioned a shared/archive backend yet.
func New(cfg Config, clk clock.Clock, logger *zap.SugaredLogger, shared *sharedTier, archive *archiveTier) *Store {
	s := &Store{
		cfg:      cfg,
		logger:   logger,
		shared:   shared,
		archive:  archive,
		semantic: newSemanticIndex(cfg.SimilarityThreshold, cfg.SemanticIndexSize),
		coldHits: make(map[string]int64),
	}
	s.memory = newMemoryTier(clk, cfg.MemoryMaxBytes, s.demoteFromMemory)
	return s
}

// demoteFromMemory is the memory tier's eviction callback (spec.md §4.3:
// "demoted to shared if it still has time to live; otherwise it is
// dropped"). An entry with nowhere to demote to (no shared tier
// configured) is simply dropped, same as if it had no TTL left.
func (s *Store) demoteFromMemory(key string, v Value, remainingTTL time.Duration) {
	if s.shared == nil {
		return
	}
	encoded, err := encodeValue(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.shared.put(ctx, key, encoded, remainingTTL); err != nil && s.logger != nil {
		s.logger.Warnw("demotion from memory to shared tier failed", "error", err, "fingerprint", key)
	}
}

// Result is what a cache lookup returns.
type Result struct {
	Value      Value
	Tier       domain.CacheTierName
	Similarity float64 // 1.0 for an exact hit
}

// Lookup performs an exact-key lookup across tiers from warmest to
// coldest, falling back to semantic similarity search if embedding is
// non-empty and no exact hit is found. Every hit — exact or semantic —
// is gated by capability superset (invariant I6): a hit whose cached
// capabilities don't cover required is treated as a miss. documentType,
// if non-empty, additionally restricts semantic hits to entries tagged
// with the same document type (spec.md §4.3's optional document-type
// filter); it has no effect on exact-key hits, which are already keyed
// by the caller's own fingerprint.
func (s *Store) Lookup(ctx context.Context, fingerprint string, required domain.CapabilitySet, embedding []float32, documentType string) (Result, bool, error) {
	if v, ok := s.memory.get(fingerprint); ok {
		if !v.Capabilities.Superset(required) {
			return Result{}, false, nil
		}
		return Result{Value: v, Tier: domain.TierMemory, Similarity: 1.0}, true, nil
	}

	if s.shared != nil {
		raw, ok, err := s.shared.get(ctx, fingerprint)
		if err != nil {
			if s.logger != nil {
				s.logger.Warnw("shared cache tier degraded", "error", err, "fingerprint", fingerprint)
			}
		} else if ok {
			v, err := decodeValue(raw)
			if err != nil {
				return Result{}, false, nil
			}
			if !v.Capabilities.Superset(required) {
				return Result{}, false, nil
			}
			s.recordColdHit(fingerprint, v, domain.TierShared)
			return Result{Value: v, Tier: domain.TierShared, Similarity: 1.0}, true, nil
		}
	}

	if s.archive != nil {
		raw, ok, err := s.archive.get(ctx, fingerprint)
		if err != nil {
			if s.logger != nil {
				s.logger.Warnw("archive cache tier degraded", "error", err, "fingerprint", fingerprint)
			}
		} else if ok {
			v, err := decodeValue(raw)
			if err != nil {
				return Result{}, false, nil
			}
			if !v.Capabilities.Superset(required) {
				return Result{}, false, nil
			}
			s.recordColdHit(fingerprint, v, domain.TierArchive)
			return Result{Value: v, Tier: domain.TierArchive, Similarity: 1.0}, true, nil
		}
	}

	if len(embedding) == 0 {
		return Result{}, false, nil
	}

	match, score, found := s.semantic.bestMatch(embedding, required, documentType)
	if !found {
		return Result{}, false, nil
	}
	res, hit, err := s.fetchByFingerprintAnyTier(ctx, match.fingerprint, required)
	if err != nil || !hit {
		return Result{}, false, err
	}
	res.Similarity = score
	return res, true, nil
}

// fetchByFingerprintAnyTier re-reads a fingerprint discovered via the
// semantic index from whichever tier actually holds it.
func (s *Store) fetchByFingerprintAnyTier(ctx context.Context, fingerprint string, required domain.CapabilitySet) (Result, bool, error) {
	if v, ok := s.memory.get(fingerprint); ok {
		if !v.Capabilities.Superset(required) {
			return Result{}, false, nil
		}
		return Result{Value: v, Tier: domain.TierMemory}, true, nil
	}
	if s.shared != nil {
		if raw, ok, err := s.shared.get(ctx, fingerprint); err == nil && ok {
			v, err := decodeValue(raw)
			if err != nil {
				return Result{}, false, nil
			}
			if !v.Capabilities.Superset(required) {
				return Result{}, false, nil
			}
			return Result{Value: v, Tier: domain.TierShared}, true, nil
		}
	}
	if s.archive != nil {
		if raw, ok, err := s.archive.get(ctx, fingerprint); err == nil && ok {
			v, err := decodeValue(raw)
			if err != nil {
				return Result{}, false, nil
			}
			if !v.Capabilities.Superset(required) {
				return Result{}, false, nil
			}
			return Result{Value: v, Tier: domain.TierArchive}, true, nil
		}
	}
	s.semantic.remove(fingerprint)
	return Result{}, false, nil
}

// recordColdHit tracks reads served from the shared or archive tier and
// promotes the value one tier warmer once it crosses the threshold.
func (s *Store) recordColdHit(fingerprint string, v Value, tier domain.CacheTierName) {
	threshold := archivePromoteHits
	if tier == domain.TierShared {
		threshold = sharedPromoteHits
	}

	s.hitMu.Lock()
	s.coldHits[fingerprint]++
	count := s.coldHits[fingerprint]
	if count >= int64(threshold) {
		delete(s.coldHits, fingerprint)
	}
	s.hitMu.Unlock()

	if count < int64(threshold) {
		return
	}

	ttl := s.cfg.DefaultTTL
	if tier == domain.TierShared {
		s.memory.put(fingerprint, v, ttl)
		return
	}
	s.promoteArchiveToShared(fingerprint, v, ttl)
}

func (s *Store) promoteArchiveToShared(fingerprint string, v Value, ttl time.Duration) {
	if s.shared == nil {
		s.memory.put(fingerprint, v, ttl)
		return
	}
	encoded, err := encodeValue(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.shared.put(ctx, fingerprint, encoded, ttl); err != nil && s.logger != nil {
		s.logger.Warnw("promotion to shared tier failed", "error", err, "fingerprint", fingerprint)
	}
}

// Put stores a value, choosing its initial tier by size and the
// submitting principal's tier (spec.md §4.3's store algorithm): entries
// over ArchiveThresholdBytes go to archive, over SharedThresholdBytes go
// to shared, otherwise memory — except enterprise-tier principals, whose
// entries are pinned to memory unless they're large enough to require
// archive. It registers the value's embedding (if any) for future
// semantic lookups regardless of which tier ends up holding the bytes.
func (s *Store) Put(ctx context.Context, fingerprint string, v Value, ttl time.Duration, principalTier domain.Tier) error {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	size := int64(len(v.Data))
	oversized := size > s.cfg.ArchiveThresholdBytes

	var tier domain.CacheTierName
	switch {
	case principalTier == domain.TierEnterprise && !oversized:
		s.memory.put(fingerprint, v, ttl)
		tier = domain.TierMemory
	case oversized && s.archive != nil:
		encoded, err := encodeValue(v)
		if err != nil {
			return fmt.Errorf("encode cache value: %w", err)
		}
		if err := s.archive.put(ctx, fingerprint, encoded); err != nil {
			return fmt.Errorf("write archive cache tier: %w", err)
		}
		tier = domain.TierArchive
	case size > s.cfg.SharedThresholdBytes && s.shared != nil:
		encoded, err := encodeValue(v)
		if err != nil {
			return fmt.Errorf("encode cache value: %w", err)
		}
		if err := s.shared.put(ctx, fingerprint, encoded, ttl); err != nil {
			return fmt.Errorf("write shared cache tier: %w", err)
		}
		tier = domain.TierShared
	default:
		s.memory.put(fingerprint, v, ttl)
		tier = domain.TierMemory
	}

	s.semantic.register(fingerprint, v.Embedding, v.Capabilities, v.DocumentType, tier)
	return nil
}

// Delete removes a fingerprint from every tier and the semantic index.
func (s *Store) Delete(ctx context.Context, fingerprint string) {
	s.memory.delete(fingerprint)
	if s.shared != nil {
		_ = s.shared.delete(ctx, fingerprint)
	}
	if s.archive != nil {
		_ = s.archive.delete(ctx, fingerprint)
	}
	s.semantic.remove(fingerprint)
}

// SweepExpired clears expired memory-tier entries. Called by the
// maintenance loop (C8); the shared and archive tiers rely on their own
// backends' TTL/lifecycle mechanisms instead.
func (s *Store) SweepExpired() int {
	return s.memory.sweepExpired()
}

// MemoryUsageBytes reports current memory-tier usage, for maintenance-loop
// eviction-pressure checks and observability.
func (s *Store) MemoryUsageBytes() int64 {
	return s.memory.usageBytes()
}

// Stats is the per-tier counter snapshot the facade exposes via
// cache_stats() (spec.md §6). Shared and archive are external stores
// (Valkey, GCS) with no cheap local entry count, so only whether they're
// configured is reported for them; memory and the semantic index are
// counted directly since both live in-process.
type Stats struct {
	MemoryEntries   int
	MemoryBytes     int64
	SemanticEntries int
	SharedEnabled   bool
	ArchiveEnabled  bool
}

// Stats returns a point-in-time snapshot of every tier's size.
func (s *Store) Stats() Stats {
	return Stats{
		MemoryEntries:   s.memory.entryCount(),
		MemoryBytes:     s.memory.usageBytes(),
		SemanticEntries: s.semantic.size(),
		SharedEnabled:   s.shared != nil,
		ArchiveEnabled:  s.archive != nil,
	}
}
