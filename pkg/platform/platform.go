package platform

import (
	"context"
	"errors"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
)

var (
	// ErrRunnerNotFound means the platform no longer knows the runner
	ErrRunnerNotFound = errors.New("runner not found")
	// ErrJobNotFound means the job was deleted before it could be fetched
	ErrJobNotFound = errors.New("job not found")
	// ErrArtifactNotFound means the job did not upload the requested file
	ErrArtifactNotFound = errors.New("artifact not found")
)

// Platform is the build platform the pipeline enriches job events from
type Platform interface {
	GetJob(ctx context.Context, projectID, jobID int64) (*models.PlatformJob, error)
	GetTrace(ctx context.Context, projectID, jobID int64) (string, error)
	// GetRunner returns ErrRunnerNotFound when the runner was removed
	GetRunner(ctx context.Context, runnerID int64) (*models.RunnerDetails, error)
	// GetArtifact reads one file out of the job's artifacts archive and
	// returns ErrArtifactNotFound when the job has no such file
	GetArtifact(ctx context.Context, projectID, jobID int64, path string) ([]byte, error)
}
