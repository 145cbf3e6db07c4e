package warehouse

import (
	"context"
	"fmt"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/lineage"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
)

// txHistory answers lineage lookups from job metadata rows visible to the
// current transaction
type txHistory struct {
	tx *Tx
}

func (h txHistory) PriorAttempts(ctx context.Context, jobName string, commitID int64, before int64) ([]lineage.Attempt, error) {
	rows, err := h.tx.query(ctx, `
		SELECT job_id, status, failure_reason
		FROM job_data_dimension
		WHERE name = ? AND commit_id = ? AND job_id < ?
		ORDER BY job_id
	`, jobName, commitID, before)
	if err != nil {
		return nil, fmt.Errorf("failed to query job history: %w", err)
	}
	defer rows.Close()

	var attempts []lineage.Attempt
	for rows.Next() {
		var a lineage.Attempt
		var status string
		if err := rows.Scan(&a.JobID, &status, &a.FailureReason); err != nil {
			return nil, fmt.Errorf("failed to scan job history: %w", err)
		}
		a.Status = models.JobStatus(status)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
