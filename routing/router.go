// Package routing implements the Router (C5): picks a backend for a
// request and produces a routing decision, given the current registry
// snapshot and per-backend metrics (spec.md §4.4). Grounded on the
// teacher's routing package for its overall shape — a stateless decision
// function layered over live endpoint state and an EMA-driven metrics
// store — with the teacher's menu of interchangeable load-balancing
// strategies replaced by the spec's fixed rule cascade plus composite
// score, since this system routes by capability and declared cost/latency
// rather than choosing among equivalent replicas.
package routing

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/docuscale/scheduler/cost"
	"github.com/docuscale/scheduler/domain"
	"github.com/docuscale/scheduler/metrics"
	"github.com/docuscale/scheduler/registry"
)

// latencyBaseline is the baseline used by the latency score component
// (spec.md §4.4: "baseline = 120 s").
const latencyBaseline = 120 * time.Second

// complexityLatencyMultiplier scales a backend's declared mean latency by
// how much work the request is expected to need (spec.md §4.4).
var complexityLatencyMultiplier = map[domain.Complexity]float64{
	domain.ComplexitySimple:      0.7,
	domain.ComplexityModerate:    1.0,
	domain.ComplexityComplex:     1.5,
	domain.ComplexityVeryComplex: 2.0,
}

// Default load ceilings for the free-tier and urgent-simple rules
// (spec.md §6 thresholds: "default 0.8 free-tier, 0.9 available").
const (
	DefaultFreeTierLoadCeiling = 0.8
	DefaultAvailableLoadCeiling = 0.9
)

// Router selects a backend for a request and explains the choice.
type Router struct {
	registry *registry.Registry
	metrics  *metrics.Store
	logger   *zap.SugaredLogger

	freeTierLoadCeiling  float64
	availableLoadCeiling float64
}

// New constructs a Router over a live registry and metrics store, using
// the default load ceilings.
func New(reg *registry.Registry, met *metrics.Store, logger *zap.SugaredLogger) *Router {
	return NewWithThresholds(reg, met, logger, DefaultFreeTierLoadCeiling, DefaultAvailableLoadCeiling)
}

// NewWithThresholds constructs a Router with load ceilings overridden by
// configuration (spec.md §6 "thresholds"). A zero value for either
// ceiling falls back to its default.
func NewWithThresholds(reg *registry.Registry, met *metrics.Store, logger *zap.SugaredLogger, freeTierLoadCeiling, availableLoadCeiling float64) *Router {
	if freeTierLoadCeiling <= 0 {
		freeTierLoadCeiling = DefaultFreeTierLoadCeiling
	}
	if availableLoadCeiling <= 0 {
		availableLoadCeiling = DefaultAvailableLoadCeiling
	}
	return &Router{
		registry:             reg,
		metrics:              met,
		logger:               logger,
		freeTierLoadCeiling:  freeTierLoadCeiling,
		availableLoadCeiling: availableLoadCeiling,
	}
}

// candidate pairs a registry snapshot with the metrics needed to score it.
type candidate struct {
	snapshot   registry.Snapshot
	metrics    metrics.Snapshot
	load       float64
	matchRatio float64
}

func (c candidate) isKind(kind domain.BackendKind) bool { return c.snapshot.Spec.Kind == kind }

// Route picks a backend for req and returns the decision (spec.md §4.4).
func (r *Router) Route(req domain.Request) (domain.RoutingDecision, error) {
	candidates := r.eligibleCandidates(req.RequiredCapabilities)
	if len(candidates) == 0 {
		return domain.RoutingDecision{}, fmt.Errorf("%w: no backend satisfies required capabilities", domain.ErrNoEligibleBackend)
	}

	selected, reason, ok := r.applyRuleCascade(req, candidates)
	if !ok {
		selected, reason = r.bestByCompositeScore(req, candidates)
	}

	alternatives := alternativeIDs(candidates, selected.snapshot.Spec.ID, 3)
	return domain.RoutingDecision{
		RequestID:         req.ID,
		SelectedBackend:   selected.snapshot.Spec.ID,
		Alternatives:      alternatives,
		Reason:            reason,
		EstimatedLatency:  estimateLatency(selected, req.Complexity),
		EstimatedCost:     cost.Estimate(selected.snapshot.Spec.CostPerRequest, req.Complexity, req.Tier),
		EstimatedQueuePos: int(selected.snapshot.InFlight),
		CacheHit:          false,
	}, nil
}

// eligibleCandidates filters the registry to backends that satisfy I1 and
// are not unavailable/maintenance. When that filter is empty, it falls
// back to the backends with the closest (highest-ratio) capability match
// among those still not unavailable/maintenance, per spec.md §4.4.
func (r *Router) eligibleCandidates(required domain.CapabilitySet) []candidate {
	all := r.registry.List()
	live := make([]registry.Snapshot, 0, len(all))
	for _, s := range all {
		if s.Status == domain.StatusUnavailable || s.Status == domain.StatusMaintenance {
			continue
		}
		live = append(live, s)
	}

	strict := make([]candidate, 0, len(live))
	for _, s := range live {
		if s.Spec.Capabilities.Superset(required) {
			strict = append(strict, r.toCandidate(s, 1.0))
		}
	}
	if len(strict) > 0 {
		return strict
	}

	best := 0.0
	closest := make([]candidate, 0)
	for _, s := range live {
		ratio := s.Spec.Capabilities.MatchRatio(required)
		if ratio > best {
			best = ratio
			closest = closest[:0]
		}
		if ratio == best && ratio > 0 {
			closest = append(closest, r.toCandidate(s, ratio))
		}
	}
	return closest
}

func (r *Router) toCandidate(s registry.Snapshot, matchRatio float64) candidate {
	load := 0.0
	if s.Spec.MaxInFlight > 0 {
		load = float64(s.InFlight) / float64(s.Spec.MaxInFlight)
	}
	return candidate{
		snapshot:   s,
		metrics:    r.metrics.Snapshot(s.Spec.ID),
		load:       load,
		matchRatio: matchRatio,
	}
}

// applyRuleCascade tries each rule in spec.md §4.4 order; the first rule
// that matches at least one candidate short-circuits. A rule matching
// nothing falls through to the next rule rather than failing outright
// (spec.md §4.4's open question, resolved: fall through rule-by-rule).
func (r *Router) applyRuleCascade(req domain.Request, candidates []candidate) (candidate, string, bool) {
	if req.Priority == domain.PriorityUrgent && req.Complexity == domain.ComplexitySimple {
		if c, ok := fastestAvailableUnderLoad(candidates, r.availableLoadCeiling); ok {
			return c, "urgent simple request routed to fastest available backend", true
		}
	}

	if (req.Complexity == domain.ComplexityComplex || req.Complexity == domain.ComplexityVeryComplex) && req.Priority != domain.PriorityUrgent {
		if c, ok := highestPriorityOfKind(candidates, domain.BackendComplex); ok {
			return c, "complex request routed to highest-priority complex backend", true
		}
		if c, ok := highestPriorityOfKind(candidates, domain.BackendBackup); ok {
			return c, "complex request routed to highest-priority backup backend (no complex backend available)", true
		}
	}

	if req.Kind == domain.KindBusinessQuery {
		if c, ok := highestPriorityWithTag(candidates, "business"); ok {
			return c, "business query routed to highest-priority business backend", true
		}
	}

	if req.Tier == domain.TierFree {
		if c, ok := cheapestUnderLoad(candidates, r.freeTierLoadCeiling); ok {
			return c, "free-tier request routed to cheapest backend under load threshold", true
		}
	}

	if req.Tier == domain.TierPremium || req.Tier == domain.TierEnterprise {
		if c, ok := lowestLatencyAvailable(candidates); ok {
			return c, "premium/enterprise request routed to lowest-latency available backend", true
		}
	}

	return candidate{}, "", false
}

func fastestAvailableUnderLoad(candidates []candidate, loadCeiling float64) (candidate, bool) {
	var best candidate
	found := false
	for _, c := range candidates {
		if c.snapshot.Status != domain.StatusAvailable || c.load >= loadCeiling {
			continue
		}
		if !found || c.snapshot.Spec.DeclaredMeanLatency < best.snapshot.Spec.DeclaredMeanLatency {
			best = c
			found = true
		}
	}
	return best, found
}

func highestPriorityOfKind(candidates []candidate, kind domain.BackendKind) (candidate, bool) {
	var best candidate
	found := false
	for _, c := range candidates {
		if !c.isKind(kind) {
			continue
		}
		if !found || c.snapshot.Spec.BasePriority > best.snapshot.Spec.BasePriority {
			best = c
			found = true
		}
	}
	return best, found
}

func highestPriorityWithTag(candidates []candidate, tag string) (candidate, bool) {
	var best candidate
	found := false
	for _, c := range candidates {
		if !c.snapshot.Spec.HasTag(tag) {
			continue
		}
		if !found || c.snapshot.Spec.BasePriority > best.snapshot.Spec.BasePriority {
			best = c
			found = true
		}
	}
	return best, found
}

func cheapestUnderLoad(candidates []candidate, loadCeiling float64) (candidate, bool) {
	var best candidate
	found := false
	for _, c := range candidates {
		if c.load >= loadCeiling {
			continue
		}
		if !found || c.snapshot.Spec.CostPerRequest < best.snapshot.Spec.CostPerRequest {
			best = c
			found = true
		}
	}
	return best, found
}

func lowestLatencyAvailable(candidates []candidate) (candidate, bool) {
	var best candidate
	found := false
	for _, c := range candidates {
		if c.snapshot.Status != domain.StatusAvailable {
			continue
		}
		if !found || c.snapshot.Spec.DeclaredMeanLatency < best.snapshot.Spec.DeclaredMeanLatency {
			best = c
			found = true
		}
	}
	return best, found
}

// bestByCompositeScore ranks every candidate by the weighted composite
// score (spec.md §4.4), breaking ties by lower cost then backend ID.
func (r *Router) bestByCompositeScore(req domain.Request, candidates []candidate) (candidate, string) {
	sorted := append([]candidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		si, sj := compositeScore(sorted[i]), compositeScore(sorted[j])
		if si != sj {
			return si > sj
		}
		ci, cj := sorted[i].snapshot.Spec.CostPerRequest, sorted[j].snapshot.Spec.CostPerRequest
		if ci != cj {
			return ci < cj
		}
		return sorted[i].snapshot.Spec.ID < sorted[j].snapshot.Spec.ID
	})
	return sorted[0], "no rule matched; routed by composite score"
}

// compositeScore implements spec.md §4.4's weighted-sum formula.
func compositeScore(c candidate) float64 {
	score := capScore(float64(c.snapshot.Spec.BasePriority)*3, 30)
	score += c.metrics.SuccessRate * 20
	score += cost.Efficiency(c.snapshot.Spec.CostPerRequest)
	score += latencyScore(c.snapshot.Spec.DeclaredMeanLatency)
	score += (1 - c.load) * 10
	score += tierBonus(c.snapshot.Spec)
	score += c.matchRatio * 10
	return score
}

func capScore(v, max float64) float64 {
	if v > max {
		return max
	}
	return v
}

func latencyScore(declaredMeanLatency time.Duration) float64 {
	if declaredMeanLatency <= 0 {
		return 20
	}
	score := (float64(latencyBaseline) / float64(declaredMeanLatency)) * 10
	return capScore(score, 20)
}

func tierBonus(spec domain.BackendSpec) float64 {
	if spec.HasTag("enterprise") {
		return 10
	}
	if spec.HasTag("premium") {
		return 5
	}
	return 0
}

// estimateLatency implements spec.md §4.4's estimated-latency formula,
// using the candidate's current in-flight count as a proxy for queue
// position (the router has no visibility into the queue itself).
func estimateLatency(c candidate, complexity domain.Complexity) time.Duration {
	meanLatency := c.snapshot.Spec.DeclaredMeanLatency
	base := time.Duration(float64(meanLatency) * complexityLatencyMultiplier[complexity])

	queueFactor := 0.0
	if c.snapshot.Spec.MaxInFlight > 0 {
		queueFactor = float64(c.snapshot.InFlight) / float64(c.snapshot.Spec.MaxInFlight)
	}
	return base + time.Duration(queueFactor*float64(meanLatency))
}

func alternativeIDs(candidates []candidate, selectedID string, limit int) []string {
	ids := make([]string, 0, limit)
	for _, c := range candidates {
		if c.snapshot.Spec.ID == selectedID {
			continue
		}
		ids = append(ids, c.snapshot.Spec.ID)
		if len(ids) >= limit {
			break
		}
	}
	return ids
}
