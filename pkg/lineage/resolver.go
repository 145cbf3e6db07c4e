package lineage

import (
	"context"
	"fmt"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
)

// Attempt is a previously recorded job with the same name and commit
type Attempt struct {
	JobID         int64
	Status        models.JobStatus
	FailureReason string
}

// History looks up earlier attempts of a job. Implementations return the
// attempts ordered by creation, oldest first, restricted to job ids lower
// than before.
type History interface {
	PriorAttempts(ctx context.Context, jobName string, commitID int64, before int64) ([]Attempt, error)
}

// Identity is the job being resolved
type Identity struct {
	JobID         int64
	JobName       string
	CommitID      int64
	Status        models.JobStatus
	FailureReason string
}

// Info is the retry position of a job at the time it was processed
type Info struct {
	IsRetry       bool
	IsManualRetry bool
	AttemptNumber int
	FinalAttempt  bool
}

// Policy describes the platform's automatic retry configuration
type Policy struct {
	AutoRetryReasons []string
	MaxAutoRetries   int
}

// DefaultPolicy mirrors the retry rules of the CI configuration
func DefaultPolicy() Policy {
	return Policy{
		AutoRetryReasons: []string{
			"runner_system_failure",
			"stuck_or_timeout_failure",
			"api_failure",
			"scheduler_failure",
			"unknown_failure",
		},
		MaxAutoRetries: 2,
	}
}

func (p Policy) retriesAutomatically(status models.JobStatus, reason string) bool {
	if status != models.JobStatusFailed {
		return false
	}
	for _, r := range p.AutoRetryReasons {
		if r == reason {
			return true
		}
	}
	return false
}

// Resolver determines retry lineage from prior records only
type Resolver struct {
	history History
	policy  Policy
}

// NewResolver creates a resolver over the given history
func NewResolver(history History, policy Policy) *Resolver {
	return &Resolver{history: history, policy: policy}
}

// Resolve computes the retry info of a job. A job without history is the
// first attempt. Lookup errors are returned unchanged in meaning so the
// caller can abort its transaction.
func (r *Resolver) Resolve(ctx context.Context, id Identity) (Info, error) {
	prior, err := r.history.PriorAttempts(ctx, id.JobName, id.CommitID, id.JobID)
	if err != nil {
		return Info{}, fmt.Errorf("failed to look up prior attempts of job %d: %w", id.JobID, err)
	}

	info := Info{
		IsRetry:       len(prior) > 0,
		AttemptNumber: len(prior) + 1,
	}

	// Job records carry no retry origin, so a retry is automatic only when
	// the platform would have retried the previous attempt on its own
	if info.IsRetry {
		last := prior[len(prior)-1]
		retries := info.AttemptNumber - 1
		automatic := r.policy.retriesAutomatically(last.Status, last.FailureReason) &&
			retries <= r.policy.MaxAutoRetries
		info.IsManualRetry = !automatic
	}

	info.FinalAttempt = !(r.policy.retriesAutomatically(id.Status, id.FailureReason) &&
		info.AttemptNumber-1 < r.policy.MaxAutoRetries)

	return info, nil
}
