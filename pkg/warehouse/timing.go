package warehouse

import (
	"context"
	"fmt"
	"strconv"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
)

// TimerData resolves the pre-provisioned timer row for a cached or
// source-built install. It never inserts.
func (r *Reconciler) TimerData(ctx context.Context, cache bool) (int64, error) {
	return r.provisioned(ctx, KindTimer, strconv.FormatBool(cache),
		`SELECT id FROM timer_data_dimension WHERE cache = ?`, cache)
}

// TimerPhase resolves the row of an install phase path
func (r *Reconciler) TimerPhase(ctx context.Context, phase models.TimerPhase) (int64, error) {
	return r.getOrCreate(ctx, KindPhase, phase.Path,
		`SELECT id FROM timer_phase_dimension WHERE path = ?`, []any{phase.Path},
		`INSERT INTO timer_phase_dimension (path, is_subphase) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		[]any{phase.Path, phase.IsSubphase()},
	)
}

// TimerKey places a job's timers on the job start date and time
type TimerKey struct {
	JobID  int64
	DateID int64
	TimeID int64
}

// TimerCounts reports how many timer rows a load inserted
type TimerCounts struct {
	Timers int
	Phases int
}

// WriteTimings records the per-package install timers of a build job.
// Each package resolves to the package row carrying only its name. Rows
// already present for the same job, package, spec hash and phase are kept.
func WriteTimings(ctx context.Context, r *Reconciler, key TimerKey, timings []models.BuildTiming) (TimerCounts, error) {
	var counts TimerCounts
	for _, timing := range timings {
		timerData, err := r.TimerData(ctx, timing.Cache)
		if err != nil {
			return counts, err
		}
		pkg, err := r.Package(ctx, models.PackageInfo{Name: timing.Name})
		if err != nil {
			return counts, err
		}

		res, err := r.tx.exec(ctx, `
			INSERT INTO timer_fact
				(job_id, date_id, time_id, timer_data_id, package_id, spec_hash, total_duration)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, key.JobID, key.DateID, key.TimeID, timerData, pkg.ID, timing.Hash, float64(timing.Total))
		if err != nil {
			return counts, fmt.Errorf("failed to insert timer fact %s of job %d: %w", timing.Name, key.JobID, err)
		}
		counts.Timers += int(affected(res))

		for _, phase := range timing.Phases {
			if phase.Path == "" {
				continue
			}
			phaseID, err := r.TimerPhase(ctx, phase)
			if err != nil {
				return counts, err
			}
			res, err := r.tx.exec(ctx, `
				INSERT INTO timer_phase_fact
					(job_id, date_id, time_id, timer_data_id, package_id, spec_hash, phase_id,
					 duration, ratio_of_total)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT DO NOTHING
			`, key.JobID, key.DateID, key.TimeID, timerData, pkg.ID, timing.Hash, phaseID,
				phase.Seconds, timing.RatioOfTotal(phase))
			if err != nil {
				return counts, fmt.Errorf("failed to insert phase %s of %s: %w", phase.Path, timing.Name, err)
			}
			counts.Phases += int(affected(res))
		}
	}
	return counts, nil
}
