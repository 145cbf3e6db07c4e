package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobStatus represents the terminal status reported by the build platform
type JobStatus string

const (
	JobStatusSuccess  JobStatus = "success"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
	JobStatusRunning  JobStatus = "running"
	JobStatusPending  JobStatus = "pending"
)

// IsTerminal reports whether a job in this status has finished and can be
// loaded into the warehouse
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed
}

// JobEvent is the subset of the GitLab job webhook the pipeline consumes
type JobEvent struct {
	ObjectKind         string       `json:"object_kind"`
	BuildID            int64        `json:"build_id"`
	BuildName          string       `json:"build_name"`
	BuildStage         string       `json:"build_stage"`
	BuildStatus        JobStatus    `json:"build_status"`
	BuildFailureReason string       `json:"build_failure_reason"`
	BuildDuration      float64      `json:"build_duration"`
	PipelineID         int64        `json:"pipeline_id"`
	ProjectID          int64        `json:"project_id"`
	ProjectName        string       `json:"project_name"`
	Ref                string       `json:"ref"`
	SHA                string       `json:"sha"`
	RetriesCount       int          `json:"retries_count"`
	Commit             EventCommit  `json:"commit"`
	Runner             *EventRunner `json:"runner"`
	Repository         EventRepo    `json:"repository"`
}

// EventRunner is the runner summary embedded in job webhooks
type EventRunner struct {
	ID          int64    `json:"id"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// EventCommit identifies the commit a job ran against
type EventCommit struct {
	ID      int64  `json:"id"`
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

// EventRepo carries the project homepage used to build job URLs
type EventRepo struct {
	Name     string `json:"name"`
	Homepage string `json:"homepage"`
}

// Validate checks that the event names a job the pipeline can process
func (e *JobEvent) Validate() error {
	if e.ObjectKind != "build" {
		return fmt.Errorf("unsupported object kind %q", e.ObjectKind)
	}
	if e.BuildID <= 0 {
		return fmt.Errorf("invalid build id %d", e.BuildID)
	}
	if e.ProjectID <= 0 {
		return fmt.Errorf("invalid project id %d", e.ProjectID)
	}
	return nil
}

// JobURL builds the web URL of the job from the project homepage
func (e *JobEvent) JobURL() string {
	return strings.TrimRight(e.Repository.Homepage, "/") + "/-/jobs/" + strconv.FormatInt(e.BuildID, 10)
}

// PlatformJob is the job record fetched from the build platform API
type PlatformJob struct {
	ID            int64      `json:"id"`
	ProjectID     int64      `json:"project_id"`
	Name          string     `json:"name"`
	Ref           string     `json:"ref"`
	Status        JobStatus  `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Tags          []string   `json:"tag_list"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	Duration      float64    `json:"duration"`
	WebURL        string     `json:"web_url,omitempty"`
	RunnerID      int64      `json:"runner_id,omitempty"`
	PipelineID    int64      `json:"pipeline_id,omitempty"`
}

// FinishedAt returns the job end time derived from its start and duration
func (j *PlatformJob) FinishedAt() time.Time {
	if j.StartedAt == nil {
		return time.Time{}
	}
	return j.StartedAt.Add(time.Duration(j.Duration * float64(time.Second)))
}

// RunnerDetails describes an execution agent as reported by the platform
type RunnerDetails struct {
	ID           int64    `json:"id"`
	Description  string   `json:"description"`
	Platform     string   `json:"platform"`
	Architecture string   `json:"architecture"`
	Tags         []string `json:"tag_list"`
}
