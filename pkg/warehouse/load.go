package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
)

// JobLoad is a fully fetched job, ready to be written in one transaction
type JobLoad struct {
	Job        JobDataInput
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   float64
	Runner     models.RunnerRef
	// Timings are the package install timers of a build job, if it
	// uploaded any
	Timings []models.BuildTiming
}

// LoadResult reports what a load resolved and created
type LoadResult struct {
	JobData        *models.JobDataDimension
	JobDataCreated bool
	Fact           *models.JobFact
	FactCreated    bool
	Timers         TimerCounts
}

// LoadJob writes every dimension, the fact and the build timers of one job
// in a single transaction. Loading the same job again returns the stored rows
// without modifying them.
func LoadJob(ctx context.Context, store Store, deps Deps, in JobLoad) (*LoadResult, error) {
	if in.StartedAt.IsZero() {
		return nil, fmt.Errorf("job %d has no start time", in.Job.JobID)
	}
	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}

	var result *LoadResult
	err := store.WithTx(ctx, func(tx *Tx) error {
		r := NewReconciler(tx, deps)

		jobData, created, err := r.JobData(ctx, in.Job)
		if err != nil {
			return err
		}

		startDate, err := r.Date(ctx, in.StartedAt)
		if err != nil {
			return err
		}
		startTime, err := r.Time(ctx, in.StartedAt)
		if err != nil {
			return err
		}
		endDate, err := r.Date(ctx, in.FinishedAt)
		if err != nil {
			return err
		}
		endTime, err := r.Time(ctx, in.FinishedAt)
		if err != nil {
			return err
		}

		node, err := r.Node(ctx, in.Job.Info)
		if err != nil {
			return err
		}
		runner, err := r.Runner(ctx, in.Runner, in.Job.Info.InCluster())
		if err != nil {
			return err
		}
		pkg, err := r.Package(ctx, in.Job.Info.Package)
		if err != nil {
			return err
		}

		key := models.FactKey{
			StartDateID: startDate.DateKey,
			StartTimeID: startTime.TimeKey,
			EndDateID:   endDate.DateKey,
			EndTimeID:   endTime.TimeKey,
			NodeID:      node.ID,
			RunnerID:    runner.RunnerID,
			PackageID:   pkg.ID,
			JobID:       jobData.JobID,
		}
		fact, factCreated, err := FindOrCreateFact(ctx, tx, key, Derive(in.Job.Info, in.Duration))
		if err != nil {
			return err
		}

		timers, err := WriteTimings(ctx, r, TimerKey{
			JobID:  jobData.JobID,
			DateID: startDate.DateKey,
			TimeID: startTime.TimeKey,
		}, in.Timings)
		if err != nil {
			return err
		}

		result = &LoadResult{
			JobData:        jobData,
			JobDataCreated: created,
			Fact:           fact,
			FactCreated:    factCreated,
			Timers:         timers,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	deps.Observer.FactResolved(result.FactCreated)
	return result, nil
}
