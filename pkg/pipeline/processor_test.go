package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/lineage"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/logging"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/metrics"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/platform"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/taxonomy"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/warehouse"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/worker"
)

type fakePlatform struct {
	mu          sync.Mutex
	jobs        map[int64]*models.PlatformJob
	traces      map[int64]string
	runners     map[int64]*models.RunnerDetails
	runnerCalls int
	runnerErr   error
	artifacts   map[int64]string
	artifactErr error
	artifactReq []string
}

func (f *fakePlatform) GetJob(ctx context.Context, projectID, jobID int64) (*models.PlatformJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, platform.ErrJobNotFound
	}
	return job, nil
}

func (f *fakePlatform) GetTrace(ctx context.Context, projectID, jobID int64) (string, error) {
	return f.traces[jobID], nil
}

func (f *fakePlatform) GetRunner(ctx context.Context, runnerID int64) (*models.RunnerDetails, error) {
	f.mu.Lock()
	f.runnerCalls++
	f.mu.Unlock()
	if f.runnerErr != nil {
		return nil, f.runnerErr
	}
	r, ok := f.runners[runnerID]
	if !ok {
		return nil, platform.ErrRunnerNotFound
	}
	return r, nil
}

func (f *fakePlatform) GetArtifact(ctx context.Context, projectID, jobID int64, path string) ([]byte, error) {
	f.mu.Lock()
	f.artifactReq = append(f.artifactReq, path)
	f.mu.Unlock()
	if f.artifactErr != nil {
		return nil, f.artifactErr
	}
	data, ok := f.artifacts[jobID]
	if !ok {
		return nil, platform.ErrArtifactNotFound
	}
	return []byte(data), nil
}

type fakeSource struct {
	info models.JobInfo
	err  error
}

func (f fakeSource) JobInfo(ctx context.Context, job *models.PlatformJob) (models.JobInfo, error) {
	return f.info, f.err
}

var started = time.Date(2024, 3, 16, 10, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) (*Processor, *fakePlatform, warehouse.Store) {
	t.Helper()
	store, err := warehouse.NewSQLiteStore(filepath.Join(t.TempDir(), "warehouse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	classifier, err := taxonomy.NewClassifier(taxonomy.Default())
	require.NoError(t, err)
	cache, err := warehouse.NewIDCache(128)
	require.NoError(t, err)

	plat := &fakePlatform{
		jobs: map[int64]*models.PlatformJob{
			100: {
				ID: 100, ProjectID: 2, Name: "zlib@1.3 /abc %gcc@12.3.0 arch=linux-ubuntu22.04-x86_64_v3 E4S",
				Ref: "develop", Status: models.JobStatusFailed, FailureReason: "script_failure",
				Tags: []string{"spack"}, StartedAt: &started, Duration: 100, RunnerID: 7,
			},
			101: {ID: 101, ProjectID: 2, Name: "generate", Status: models.JobStatusRunning, StartedAt: &started},
		},
		traces: map[int64]string{
			100: "Running with gitlab-runner 16.5.0 (abc)\n1 error found in build log:\n",
		},
		runners: map[int64]*models.RunnerDetails{
			7: {ID: 7, Description: "uo-runner-7", Platform: "linux", Architecture: "amd64", Tags: []string{"uo"}},
		},
	}

	logger := logging.NewLogger(logging.ERROR, false)
	logger.SetOutput(io.Discard)

	info := models.NewClusterJob(
		models.PodInfo{Name: "runner-pod", NodeOccupancy: 0.5},
		models.NodeInfo{State: models.NodePresent, SystemUUID: "uuid-1", Name: "node-1", CPU: 8, Memory: 1 << 35,
			CapacityType: "spot", InstanceType: "m5.2xlarge", SpotPricePerHour: 3.6},
		models.PackageInfo{Name: "zlib", Version: "1.3", CompilerName: "gcc", CompilerVersion: "12.3.0", Arch: "x86_64_v3"},
		models.MiscInfo{JobSize: "small", Stack: "e4s"},
	)

	p := NewProcessor(Options{
		Store:      store,
		Platform:   plat,
		Source:     fakeSource{info: info},
		Deps:       warehouse.Deps{Classifier: classifier, Policy: lineage.DefaultPolicy(), Cache: cache},
		Recorder:   metrics.NewRecorder(prometheus.NewRegistry()),
		Logger:     logger,
		ProjectURL: "https://gitlab.example.com/spack/spack/",
	})
	return p, plat, store
}

func event(jobID int64) *models.JobEvent {
	return &models.JobEvent{
		ObjectKind:  "build",
		BuildID:     jobID,
		BuildStatus: models.JobStatusFailed,
		ProjectID:   2,
		Commit:      models.EventCommit{ID: 555},
	}
}

func TestProcessLoadsJob(t *testing.T) {
	p, plat, store := newFixture(t)
	ctx := context.Background()

	result, err := p.Process(ctx, event(100))
	require.NoError(t, err)
	assert.True(t, result.FactCreated)
	assert.True(t, result.JobDataCreated)

	jd := result.JobData
	assert.Equal(t, "https://gitlab.example.com/spack/spack/-/jobs/100", jd.JobURL)
	assert.Equal(t, int64(555), jd.CommitID)
	assert.Equal(t, "16.5.0", jd.GitlabRunnerVersion)
	assert.Equal(t, "runner-pod", jd.PodName)
	require.NotNil(t, jd.ErrorTaxonomy)
	assert.Equal(t, "build_error", *jd.ErrorTaxonomy)
	assert.True(t, jd.IsBuild)

	require.NotNil(t, result.Fact.Cost)
	assert.InDelta(t, 0.05, *result.Fact.Cost, 1e-9)
	assert.Equal(t, int64(7), result.Fact.RunnerID)

	exists, err := store.RunnerExists(ctx, 7)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 1, plat.runnerCalls)
}

func TestProcessTwiceIsIdempotent(t *testing.T) {
	p, plat, store := newFixture(t)
	ctx := context.Background()

	first, err := p.Process(ctx, event(100))
	require.NoError(t, err)
	before, err := store.Counts(ctx)
	require.NoError(t, err)

	second, err := p.Process(ctx, event(100))
	require.NoError(t, err)
	after, err := store.Counts(ctx)
	require.NoError(t, err)

	assert.False(t, second.FactCreated)
	assert.Equal(t, first.Fact.ID, second.Fact.ID)
	assert.Equal(t, before, after)
	// the runner is known the second time round
	assert.Equal(t, 1, plat.runnerCalls)
}

func TestProcessUnfetchableRunner(t *testing.T) {
	p, plat, _ := newFixture(t)
	plat.jobs[100].RunnerID = 99

	result, err := p.Process(context.Background(), event(100))
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Fact.RunnerID)
}

func TestProcessRunnerErrorAborts(t *testing.T) {
	p, plat, store := newFixture(t)
	plat.runnerErr = errors.New("gitlab returned 502")

	_, err := p.Process(context.Background(), event(100))
	require.Error(t, err)

	_, err = store.JobData(context.Background(), 100)
	assert.ErrorIs(t, err, warehouse.ErrNotFound)
}

func TestHandleMessage(t *testing.T) {
	p, _, store := newFixture(t)
	ctx := context.Background()

	payload, err := json.Marshal(event(100))
	require.NoError(t, err)
	require.NoError(t, p.HandleMessage(ctx, payload))

	fact, err := store.JobFact(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), fact.JobID)
}

func TestHandleMessagePoison(t *testing.T) {
	p, _, _ := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "{"},
		{"wrong kind", `{"object_kind":"pipeline","build_id":1,"project_id":2}`},
		{"deleted job", `{"object_kind":"build","build_id":404,"project_id":2}`},
		{"running job", `{"object_kind":"build","build_id":101,"project_id":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.HandleMessage(ctx, []byte(tt.payload))
			assert.ErrorIs(t, err, worker.ErrPoison)
		})
	}
}

func TestHandleMessageTransient(t *testing.T) {
	p, _, _ := newFixture(t)
	p.source = fakeSource{err: errors.New("prometheus unavailable")}

	payload, err := json.Marshal(event(100))
	require.NoError(t, err)

	err = p.HandleMessage(context.Background(), payload)
	require.Error(t, err)
	assert.False(t, errors.Is(err, worker.ErrPoison))
}

const installTimes = `[
	{"name": "zlib", "hash": "abc", "cache": false, "total": {"seconds": 80, "count": 1},
	 "phases": [
		{"name": "configure", "path": "configure", "seconds": 20, "count": 1},
		{"name": "build", "path": "build", "seconds": 60, "count": 1}
	 ]}
]`

func TestProcessLoadsBuildTimings(t *testing.T) {
	p, plat, store := newFixture(t)
	plat.artifacts = map[int64]string{100: installTimes}
	ctx := context.Background()

	result, err := p.Process(ctx, event(100))
	require.NoError(t, err)
	assert.Equal(t, warehouse.TimerCounts{Timers: 1, Phases: 2}, result.Timers)
	assert.Equal(t, []string{DefaultTimingsArtifact}, plat.artifactReq)

	c, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c["timer_fact"])
	assert.Equal(t, int64(2), c["timer_phase_fact"])
}

func TestProcessTimingsOptional(t *testing.T) {
	tests := []struct {
		name     string
		artifact string
	}{
		{"no artifact", ""},
		{"unreadable artifact", "{not json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, plat, _ := newFixture(t)
			if tt.artifact != "" {
				plat.artifacts = map[int64]string{100: tt.artifact}
			}

			result, err := p.Process(context.Background(), event(100))
			require.NoError(t, err)
			assert.True(t, result.FactCreated)
			assert.Equal(t, warehouse.TimerCounts{}, result.Timers)
		})
	}
}

func TestProcessTimingsFetchErrorAborts(t *testing.T) {
	p, plat, store := newFixture(t)
	plat.artifactErr = errors.New("gitlab returned 503")

	_, err := p.Process(context.Background(), event(100))
	require.Error(t, err)

	_, err = store.JobData(context.Background(), 100)
	assert.ErrorIs(t, err, warehouse.ErrNotFound)
}

func TestProcessNonBuildJob(t *testing.T) {
	p, plat, _ := newFixture(t)
	plat.jobs[102] = &models.PlatformJob{
		ID: 102, ProjectID: 2, Name: "rebuild-index", Status: models.JobStatusSuccess,
		StartedAt: &started, Duration: 30,
	}

	result, err := p.Process(context.Background(), event(102))
	require.NoError(t, err)
	assert.False(t, result.JobData.IsBuild)
	assert.Empty(t, plat.artifactReq)
}

func TestProcessCommitFromPipeline(t *testing.T) {
	p, plat, _ := newFixture(t)
	plat.jobs[100].PipelineID = 9001

	ev := event(100)
	ev.Commit = models.EventCommit{}
	result, err := p.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, int64(9001), result.JobData.CommitID)
}
