package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
)

const selectFactColumns = `
	SELECT id, start_date_id, start_time_id, end_date_id, end_time_id, node_id, runner_id,
	       package_id, job_id, duration_seconds, cost, pod_node_occupancy, pod_cpu_usage_seconds,
	       pod_max_mem, pod_avg_mem, node_price_per_second, node_cpu, node_memory, build_jobs,
	       pod_cpu_request, pod_cpu_limit, pod_memory_request, pod_memory_limit
	FROM job_fact`

const factKeyFilter = ` WHERE start_date_id = ? AND start_time_id = ? AND end_date_id = ?
	AND end_time_id = ? AND node_id = ? AND runner_id = ? AND package_id = ? AND job_id = ?`

// FindOrCreateFact returns the fact for the full dimension tuple, inserting
// it with measures m when absent. An existing fact is never updated. The
// boolean reports whether this call created the row.
func FindOrCreateFact(ctx context.Context, tx *Tx, key models.FactKey, m models.Measures) (*models.JobFact, bool, error) {
	keyArgs := []any{key.StartDateID, key.StartTimeID, key.EndDateID, key.EndTimeID,
		key.NodeID, key.RunnerID, key.PackageID, key.JobID}

	fact, err := scanFact(tx.queryRow(ctx, selectFactColumns+factKeyFilter, keyArgs...))
	if err == nil {
		return fact, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to select job fact %d: %w", key.JobID, err)
	}

	res, err := tx.exec(ctx, `
		INSERT INTO job_fact
			(start_date_id, start_time_id, end_date_id, end_time_id, node_id, runner_id,
			 package_id, job_id, duration_seconds, cost, pod_node_occupancy,
			 pod_cpu_usage_seconds, pod_max_mem, pod_avg_mem, node_price_per_second,
			 node_cpu, node_memory, build_jobs, pod_cpu_request, pod_cpu_limit,
			 pod_memory_request, pod_memory_limit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, append(keyArgs, m.DurationSeconds, m.Cost, m.PodNodeOccupancy, m.PodCPUUsageSeconds,
		m.PodMaxMem, m.PodAvgMem, m.NodePricePerSecond, m.NodeCPU, m.NodeMemory, m.BuildJobs,
		m.PodCPURequest, m.PodCPULimit, m.PodMemoryRequest, m.PodMemoryLimit)...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert job fact %d: %w", key.JobID, err)
	}
	created := affected(res) == 1

	// A miss here means another fact holds this job with a different tuple
	fact, err = scanFact(tx.queryRow(ctx, selectFactColumns+factKeyFilter, keyArgs...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("%w: job %d", ErrFactConflict, key.JobID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to re-select job fact %d: %w", key.JobID, err)
	}
	return fact, created, nil
}

func scanFact(row *sql.Row) (*models.JobFact, error) {
	var f models.JobFact
	var cost, occupancy, cpuUsage, price, cpuReq, cpuLim sql.NullFloat64
	var maxMem, avgMem, nodeCPU, nodeMem, buildJobs, memReq, memLim sql.NullInt64
	err := row.Scan(&f.ID, &f.StartDateID, &f.StartTimeID, &f.EndDateID, &f.EndTimeID, &f.NodeID,
		&f.RunnerID, &f.PackageID, &f.JobID, &f.DurationSeconds, &cost, &occupancy, &cpuUsage,
		&maxMem, &avgMem, &price, &nodeCPU, &nodeMem, &buildJobs, &cpuReq, &cpuLim, &memReq, &memLim)
	if err != nil {
		return nil, err
	}
	f.Cost = nullFloat(cost)
	f.PodNodeOccupancy = nullFloat(occupancy)
	f.PodCPUUsageSeconds = nullFloat(cpuUsage)
	f.PodMaxMem = nullInt(maxMem)
	f.PodAvgMem = nullInt(avgMem)
	f.NodePricePerSecond = nullFloat(price)
	f.NodeCPU = nullInt(nodeCPU)
	f.NodeMemory = nullInt(nodeMem)
	f.BuildJobs = nullInt(buildJobs)
	f.PodCPURequest = nullFloat(cpuReq)
	f.PodCPULimit = nullFloat(cpuLim)
	f.PodMemoryRequest = nullInt(memReq)
	f.PodMemoryLimit = nullInt(memLim)
	return &f, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}
