// Package pipeline turns job events into warehouse rows. All platform and
// telemetry lookups happen before the warehouse transaction starts.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/logging"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/metrics"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/platform"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/telemetry"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/tracing"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/warehouse"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/worker"
)

// ErrJobNotFinished means the platform reports the job as still running
var ErrJobNotFinished = errors.New("job has not finished")

// DefaultTimingsArtifact is where build jobs upload their install timers
const DefaultTimingsArtifact = "jobs_scratch_dir/user_data/install_times.json"

// Options configures a Processor
type Options struct {
	Store    warehouse.Store
	Platform platform.Platform
	Source   telemetry.Source
	Deps     warehouse.Deps
	Recorder *metrics.Recorder
	Tracer   *tracing.Provider
	Logger   *logging.Logger
	// ProjectURL builds job URLs when the event carries no homepage
	ProjectURL string
	// TimingsArtifact is the artifact path of the install timers
	TimingsArtifact string
}

// Processor loads one job event into the warehouse
type Processor struct {
	store      warehouse.Store
	platform   platform.Platform
	source     telemetry.Source
	deps       warehouse.Deps
	recorder   *metrics.Recorder
	tracer     *tracing.Provider
	logger     *logging.Logger
	projectURL string
	timings    string
}

// NewProcessor creates a processor. A nil Source treats every job as a
// non-cluster job.
func NewProcessor(opts Options) *Processor {
	if opts.Source == nil {
		opts.Source = telemetry.StaticSource{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(logging.INFO, false)
	}
	if opts.TimingsArtifact == "" {
		opts.TimingsArtifact = DefaultTimingsArtifact
	}
	if opts.Deps.Observer == nil && opts.Recorder != nil {
		opts.Deps.Observer = opts.Recorder
	}
	return &Processor{
		store:      opts.Store,
		platform:   opts.Platform,
		source:     opts.Source,
		deps:       opts.Deps,
		recorder:   opts.Recorder,
		tracer:     opts.Tracer,
		logger:     opts.Logger,
		projectURL: strings.TrimSuffix(opts.ProjectURL, "/"),
		timings:    opts.TimingsArtifact,
	}
}

// HandleMessage is the worker handler for queued webhook payloads.
// Malformed events and defects that a redelivery can't fix are poison.
func (p *Processor) HandleMessage(ctx context.Context, payload []byte) error {
	var event models.JobEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		p.recorder.EventProcessed("invalid", 0)
		return worker.Poison(fmt.Errorf("failed to decode job event: %w", err))
	}
	if err := event.Validate(); err != nil {
		p.recorder.EventProcessed("invalid", 0)
		return worker.Poison(err)
	}

	_, err := p.Process(ctx, &event)
	if err != nil && permanent(err) {
		return worker.Poison(err)
	}
	return err
}

func permanent(err error) bool {
	for _, target := range []error{
		platform.ErrJobNotFound,
		ErrJobNotFinished,
		warehouse.ErrFactConflict,
		warehouse.ErrReconcile,
		warehouse.ErrSentinelMissing,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Process fetches everything the job needs and loads it in one transaction
func (p *Processor) Process(ctx context.Context, event *models.JobEvent) (*warehouse.LoadResult, error) {
	start := time.Now()
	ctx, span := p.tracer.StartSpan(ctx, "pipeline.process",
		attribute.Int64("job.id", event.BuildID),
		attribute.Int64("project.id", event.ProjectID),
	)
	defer span.End()

	logger := p.logger.WithFields(logging.Fields{"job_id": event.BuildID, "project_id": event.ProjectID})

	load, err := p.fetch(ctx, event)
	if err != nil {
		tracing.SetError(ctx, err)
		logger.Error("Failed to fetch job", logging.Fields{"error": err})
		p.recorder.EventProcessed("fetch_failed", time.Since(start))
		return nil, err
	}

	result, err := warehouse.LoadJob(ctx, p.store, p.deps, *load)
	if err != nil {
		tracing.SetError(ctx, err)
		logger.Error("Failed to load job", logging.Fields{"error": err, "transient": warehouse.IsTransient(err)})
		p.recorder.EventProcessed("load_failed", time.Since(start))
		return nil, err
	}

	if result.JobDataCreated && result.JobData.ErrorTaxonomy != nil {
		p.recorder.FailureClassified(*result.JobData.ErrorTaxonomy)
	}
	outcome := "loaded"
	if !result.FactCreated {
		outcome = "duplicate"
	}
	p.recorder.EventProcessed(outcome, time.Since(start))
	tracing.AddEvent(ctx, "job.loaded", attribute.Bool("fact.created", result.FactCreated))

	logger.Info("Job processed", logging.Fields{
		"outcome":        outcome,
		"status":         result.JobData.Status,
		"attempt_number": result.JobData.AttemptNumber,
		"fact_id":        result.Fact.ID,
		"timers":         result.Timers.Timers,
		"duration_ms":    time.Since(start).Milliseconds(),
	})
	return result, nil
}

func (p *Processor) fetch(ctx context.Context, event *models.JobEvent) (*warehouse.JobLoad, error) {
	ctx, span := p.tracer.StartSpan(ctx, "pipeline.fetch")
	defer span.End()

	job, err := p.platform.GetJob(ctx, event.ProjectID, event.BuildID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job %d is %s", ErrJobNotFinished, job.ID, job.Status)
	}
	if job.StartedAt == nil {
		return nil, fmt.Errorf("%w: job %d never started", ErrJobNotFinished, job.ID)
	}

	trace, err := p.platform.GetTrace(ctx, event.ProjectID, event.BuildID)
	if err != nil {
		return nil, err
	}

	info, err := p.source.JobInfo(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to read telemetry: %w", err)
	}

	runner, err := p.resolveRunner(ctx, job.RunnerID)
	if err != nil {
		return nil, err
	}

	isBuild := telemetry.IsBuildJob(job.Name)
	var timings []models.BuildTiming
	if isBuild {
		if timings, err = p.fetchTimings(ctx, job); err != nil {
			return nil, err
		}
	}

	return &warehouse.JobLoad{
		Job: warehouse.JobDataInput{
			JobID:         job.ID,
			CommitID:      commitID(event, job),
			JobURL:        p.jobURL(event, job),
			Name:          job.Name,
			Ref:           job.Ref,
			Tags:          job.Tags,
			Status:        job.Status,
			FailureReason: job.FailureReason,
			Info:          info,
			Log:           trace,
			IsBuild:       isBuild,
			CreatedAt:     *job.StartedAt,
		},
		StartedAt:  *job.StartedAt,
		FinishedAt: job.FinishedAt(),
		Duration:   job.Duration,
		Runner:     runner,
		Timings:    timings,
	}, nil
}

// fetchTimings reads the install timers of a build job. Jobs that uploaded
// none, or an unreadable file, load without timers.
func (p *Processor) fetchTimings(ctx context.Context, job *models.PlatformJob) ([]models.BuildTiming, error) {
	data, err := p.platform.GetArtifact(ctx, job.ProjectID, job.ID, p.timings)
	if errors.Is(err, platform.ErrArtifactNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	timings, err := models.ParseBuildTimings(data)
	if err != nil {
		p.logger.Warn("Skipping unreadable build timings", logging.Fields{"job_id": job.ID, "error": err})
		return nil, nil
	}
	return timings, nil
}

// commitID is the pipeline the job ran in. Job webhooks carry it as the
// commit id; the platform record is preferred when it has one.
func commitID(event *models.JobEvent, job *models.PlatformJob) int64 {
	if job.PipelineID != 0 {
		return job.PipelineID
	}
	return event.Commit.ID
}

// resolveRunner decides the runner variant before the transaction. Runners
// already in the warehouse are not fetched again and a runner the platform
// no longer knows maps to the sentinel.
func (p *Processor) resolveRunner(ctx context.Context, runnerID int64) (models.RunnerRef, error) {
	if runnerID == 0 {
		return models.NoRunnerRef(), nil
	}

	exists, err := p.store.RunnerExists(ctx, runnerID)
	if err != nil {
		return models.RunnerRef{}, fmt.Errorf("failed to look up runner %d: %w", runnerID, err)
	}
	if exists {
		return models.KnownRunnerRef(runnerID), nil
	}

	details, err := p.platform.GetRunner(ctx, runnerID)
	if errors.Is(err, platform.ErrRunnerNotFound) {
		return models.UnfetchableRunnerRef(runnerID), nil
	}
	if err != nil {
		return models.RunnerRef{}, err
	}
	return models.FetchedRunnerRef(*details), nil
}

func (p *Processor) jobURL(event *models.JobEvent, job *models.PlatformJob) string {
	if event.Repository.Homepage != "" {
		return event.JobURL()
	}
	if p.projectURL != "" {
		return fmt.Sprintf("%s/-/jobs/%d", p.projectURL, job.ID)
	}
	return job.WebURL
}
