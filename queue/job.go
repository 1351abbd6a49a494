package queue

import (
	"context"
	"time"

	"github.com/docuscale/scheduler/domain"
)

// tierWeight and priorityWeight implement spec.md §4.5's priority
// formula: "sum of tier weight ... request-priority weight ... and
// optional complexity bonus".
var tierWeight = map[domain.Tier]int{
	domain.TierEnterprise: 1000,
	domain.TierPremium:    500,
	domain.TierFree:       0,
}

var priorityWeight = map[domain.Priority]int{
	domain.PriorityUrgent: 400,
	domain.PriorityHigh:   300,
	domain.PriorityMedium: 200,
	domain.PriorityLow:    100,
}

// complexityBonus is this module's decision for the "optional complexity
// bonus" spec.md §4.5 leaves unquantified: harder requests get a small
// nudge so they don't languish behind a flood of simple same-tier jobs.
var complexityBonus = map[domain.Complexity]int{
	domain.ComplexitySimple:      0,
	domain.ComplexityModerate:    25,
	domain.ComplexityComplex:     50,
	domain.ComplexityVeryComplex: 75,
}

// freeTierDelay rate-shapes free-tier, non-urgent jobs (spec.md §4.5).
const freeTierDelay = time.Second

// maxAttempts and the backoff schedule implement spec.md §4.5's retry rule.
const maxAttempts = 3

var initialBackoff = 2 * time.Second

// jobPriority computes a job's queue priority (spec.md §4.5).
func jobPriority(req domain.Request) int {
	return tierWeight[req.Tier] + priorityWeight[req.Priority] + complexityBonus[req.Complexity]
}

// Job is one submission working its way through a backend's queue. Its
// state machine is owned entirely by the backend's queue goroutine;
// Manager callers only ever see a read-only Snapshot.
type Job struct {
	ID         string
	Request    domain.Request
	BackendID  string
	Priority   int
	seq        int64 // FIFO tiebreak within equal priority
	EligibleAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time

	State   domain.JobState
	Attempt int
	Result  domain.Result
	Err     error

	cancelFunc      context.CancelFunc
	cancelRequested bool
}

// Snapshot is a race-free, read-only copy of a job's current state.
type Snapshot struct {
	ID        string
	BackendID string
	State     domain.JobState
	Attempt   int
	Result    domain.Result
	Err       error
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (j *Job) snapshot() Snapshot {
	return Snapshot{
		ID:        j.ID,
		BackendID: j.BackendID,
		State:     j.State,
		Attempt:   j.Attempt,
		Result:    j.Result,
		Err:       j.Err,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

// Event is published on every terminal or retrying transition so the
// scheduler facade (C7) can store results into the cache and record
// metrics without polling.
type Event struct {
	Job Snapshot
}

// backoffFor returns the exponential backoff delay before retry attempt.
func backoffFor(attempt int) time.Duration {
	d := initialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
