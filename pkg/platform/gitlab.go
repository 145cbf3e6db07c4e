package platform

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/xanzy/go-gitlab"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/logging"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/ratelimit"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/retry"
)

// GitLabConfig holds GitLab API client configuration
type GitLabConfig struct {
	BaseURL string
	Token   string
	Retry   retry.Config
}

// GitLab implements Platform against the GitLab REST API
type GitLab struct {
	client *gitlab.Client
	retry  retry.Config
	logger *logging.Logger
}

// NewGitLab creates a GitLab client. Requests wait on the limiter bucket
// keyed by the base URL so every client of one instance shares a budget.
func NewGitLab(cfg GitLabConfig, limiter *ratelimit.Limiter, logger *logging.Logger) (*GitLab, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gitlab base url is required")
	}

	opts := []gitlab.ClientOptionFunc{
		gitlab.WithBaseURL(cfg.BaseURL),
		gitlab.WithoutRetries(),
	}
	if limiter != nil {
		opts = append(opts, gitlab.WithCustomLimiter(limiter.GetLimiter(cfg.BaseURL)))
	}

	client, err := gitlab.NewClient(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gitlab client: %w", err)
	}

	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}

	return &GitLab{client: client, retry: cfg.Retry, logger: logger}, nil
}

// GetJob fetches one job
func (g *GitLab) GetJob(ctx context.Context, projectID, jobID int64) (*models.PlatformJob, error) {
	var job *gitlab.Job
	err := retry.Do(ctx, g.retry, func(ctx context.Context) error {
		j, resp, err := g.client.Jobs.GetJob(int(projectID), int(jobID), gitlab.WithContext(ctx))
		if isNotFound(resp) {
			return retry.Permanent(ErrJobNotFound)
		}
		if err != nil {
			return statusError(resp, err)
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get job %d: %w", jobID, err)
	}

	out := &models.PlatformJob{
		ID:            int64(job.ID),
		ProjectID:     projectID,
		Name:          job.Name,
		Ref:           job.Ref,
		Status:        models.JobStatus(job.Status),
		FailureReason: job.FailureReason,
		Tags:          job.TagList,
		StartedAt:     job.StartedAt,
		Duration:      job.Duration,
		WebURL:        job.WebURL,
		RunnerID:      int64(job.Runner.ID),
		PipelineID:    int64(job.Pipeline.ID),
	}
	return out, nil
}

// GetTrace fetches the full job log
func (g *GitLab) GetTrace(ctx context.Context, projectID, jobID int64) (string, error) {
	var trace string
	err := retry.Do(ctx, g.retry, func(ctx context.Context) error {
		r, resp, err := g.client.Jobs.GetTraceFile(int(projectID), int(jobID), gitlab.WithContext(ctx))
		if isNotFound(resp) {
			// Erased logs classify as an empty trace
			g.logger.Warn("Job trace not found", logging.Fields{"job_id": jobID})
			trace = ""
			return nil
		}
		if err != nil {
			return statusError(resp, err)
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		trace = string(data)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to get trace of job %d: %w", jobID, err)
	}
	return trace, nil
}

// GetArtifact downloads a single file from the job's artifacts
func (g *GitLab) GetArtifact(ctx context.Context, projectID, jobID int64, path string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, g.retry, func(ctx context.Context) error {
		r, resp, err := g.client.Jobs.DownloadSingleArtifactsFile(int(projectID), int(jobID), path, gitlab.WithContext(ctx))
		if isNotFound(resp) {
			return retry.Permanent(ErrArtifactNotFound)
		}
		if err != nil {
			return statusError(resp, err)
		}
		b, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		data = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact %s of job %d: %w", path, jobID, err)
	}
	return data, nil
}

// GetRunner fetches runner details
func (g *GitLab) GetRunner(ctx context.Context, runnerID int64) (*models.RunnerDetails, error) {
	var details *gitlab.RunnerDetails
	err := retry.Do(ctx, g.retry, func(ctx context.Context) error {
		d, resp, err := g.client.Runners.GetRunnerDetails(int(runnerID), gitlab.WithContext(ctx))
		if isNotFound(resp) {
			g.logger.Debug("Runner no longer exists", logging.Fields{"runner_id": runnerID})
			return retry.Permanent(ErrRunnerNotFound)
		}
		if err != nil {
			return statusError(resp, err)
		}
		details = d
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get runner %d: %w", runnerID, err)
	}

	return &models.RunnerDetails{
		ID:           int64(details.ID),
		Description:  details.Description,
		Platform:     details.Platform,
		Architecture: details.Architecture,
		Tags:         details.TagList,
	}, nil
}

func isNotFound(resp *gitlab.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusNotFound
}

// statusError makes client errors permanent and leaves throttling and
// server errors to the retry loop
func statusError(resp *gitlab.Response, err error) error {
	if resp == nil {
		return err
	}
	code := resp.StatusCode
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("gitlab returned %d: %w", code, err)
	case code >= 400:
		return retry.Permanent(err)
	}
	return err
}
