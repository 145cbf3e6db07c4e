package warehouse

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/lineage"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/taxonomy"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "warehouse.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	classifier, err := taxonomy.NewClassifier(taxonomy.Default())
	if err != nil {
		t.Fatalf("Failed to build classifier: %v", err)
	}
	return Deps{Classifier: classifier, Policy: lineage.DefaultPolicy()}
}

var testStart = time.Date(2024, time.March, 16, 10, 0, 0, 0, time.UTC)

func clusterLoad(jobID int64) JobLoad {
	info := models.NewClusterJob(
		models.PodInfo{Name: "runner-pod-1", NodeOccupancy: 0.5},
		models.NodeInfo{
			State: models.NodePresent, SystemUUID: "ec2-uuid-1", Name: "ip-10-0-0-1",
			CPU: 16, Memory: 64 << 30, CapacityType: "spot", InstanceType: "c6a.4xlarge",
			SpotPricePerHour: 3.6,
		},
		models.PackageInfo{Name: "zlib", Version: "1.3", CompilerName: "gcc", CompilerVersion: "12.3.0", Arch: "x86_64_v3", Variants: "+shared"},
		models.MiscInfo{JobSize: "medium", Stack: "e4s"},
	)
	return JobLoad{
		Job: JobDataInput{
			JobID:     jobID,
			CommitID:  777,
			JobURL:    "https://gitlab.example.com/spack/spack/-/jobs/1",
			Name:      "zlib@1.3 /abcdef %gcc@12.3.0 arch=linux-ubuntu22.04-x86_64_v3 E4S",
			Ref:       "develop",
			Tags:      []string{"spack", "x86_64_v3"},
			Status:    models.JobStatusSuccess,
			Info:      info,
			Log:       "Running with gitlab-runner 16.5.0 (853330f9)\nok",
			IsBuild:   true,
			CreatedAt: testStart,
		},
		StartedAt:  testStart,
		FinishedAt: testStart.Add(100 * time.Second),
		Duration:   100,
		Runner:     models.FetchedRunnerRef(models.RunnerDetails{ID: 42, Description: "runner-x86", Platform: "linux", Architecture: "amd64", Tags: []string{"x86_64"}}),
	}
}

func nonClusterLoad(jobID int64) JobLoad {
	in := clusterLoad(jobID)
	in.Job.Info = models.NewNonClusterJob(models.PackageInfo{}, models.MiscInfo{})
	in.Runner = models.NoRunnerRef()
	return in
}

func counts(t *testing.T, store Store) map[string]int64 {
	t.Helper()
	c, err := store.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	return c
}

func TestProvisionSentinels(t *testing.T) {
	store := newTestStore(t)

	// Provisioning twice must not duplicate sentinel rows
	if err := store.Provision(context.Background()); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	c := counts(t, store)
	for _, table := range []string{"node_dimension", "runner_dimension", "package_dimension"} {
		if c[table] != 1 {
			t.Errorf("%s has %d rows, want 1 sentinel", table, c[table])
		}
	}
	if c["timer_data_dimension"] != 2 {
		t.Errorf("timer_data_dimension has %d rows, want 2", c["timer_data_dimension"])
	}

	exists, err := store.RunnerExists(context.Background(), 0)
	if err != nil || !exists {
		t.Errorf("sentinel runner missing: exists=%v err=%v", exists, err)
	}
}

func TestLoadJobIdempotent(t *testing.T) {
	store := newTestStore(t)
	deps := newTestDeps(t)
	ctx := context.Background()

	first, err := LoadJob(ctx, store, deps, clusterLoad(1))
	if err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	if !first.FactCreated || !first.JobDataCreated {
		t.Errorf("first load should create rows: %+v", first)
	}
	before := counts(t, store)

	second, err := LoadJob(ctx, store, deps, clusterLoad(1))
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if second.FactCreated || second.JobDataCreated {
		t.Errorf("second load should not create rows: %+v", second)
	}
	if second.Fact.ID != first.Fact.ID {
		t.Errorf("fact id changed: %d -> %d", first.Fact.ID, second.Fact.ID)
	}

	after := counts(t, store)
	for table, n := range before {
		if after[table] != n {
			t.Errorf("%s row count changed on reload: %d -> %d", table, n, after[table])
		}
	}
	if after["job_fact"] != 1 || after["job_data_dimension"] != 1 {
		t.Errorf("unexpected counts: %v", after)
	}

	if first.Fact.Cost == nil || *first.Fact.Cost < 0.0499 || *first.Fact.Cost > 0.0501 {
		t.Errorf("stored cost = %v, want 0.05", first.Fact.Cost)
	}
	if first.JobData.GitlabRunnerVersion != "16.5.0" {
		t.Errorf("runner version = %q", first.JobData.GitlabRunnerVersion)
	}
}

func TestNoRunnerResolvesSentinel(t *testing.T) {
	store := newTestStore(t)
	deps := newTestDeps(t)

	for _, ref := range []models.RunnerRef{models.NoRunnerRef(), models.UnfetchableRunnerRef(99)} {
		in := nonClusterLoad(10 + int64(ref.Kind))
		in.Runner = ref

		res, err := LoadJob(context.Background(), store, deps, in)
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if res.Fact.RunnerID != 0 {
			t.Errorf("runner id = %d, want sentinel 0", res.Fact.RunnerID)
		}
		if res.Fact.Cost != nil {
			t.Errorf("non-cluster cost = %v, want nil", *res.Fact.Cost)
		}
	}

	c := counts(t, store)
	if c["runner_dimension"] != 1 || c["node_dimension"] != 1 || c["package_dimension"] != 1 {
		t.Errorf("sentinel lookups created rows: %v", c)
	}
}

func TestMissingSentinel(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.db.Exec(`DELETE FROM runner_dimension WHERE runner_id = 0`); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	_, err := LoadJob(context.Background(), store, newTestDeps(t), nonClusterLoad(1))
	if !errors.Is(err, ErrSentinelMissing) {
		t.Fatalf("expected ErrSentinelMissing, got %v", err)
	}
	if c := counts(t, store); c["job_data_dimension"] != 0 {
		t.Errorf("failed load left %d job data rows", c["job_data_dimension"])
	}
}

func TestFetchedAndKnownRunner(t *testing.T) {
	store := newTestStore(t)
	deps := newTestDeps(t)
	ctx := context.Background()

	in := clusterLoad(1)
	in.Runner = models.FetchedRunnerRef(models.RunnerDetails{ID: 7, Description: "uo-runner-1", Platform: "linux", Architecture: "arm64"})
	if _, err := LoadJob(ctx, store, deps, in); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	exists, err := store.RunnerExists(ctx, 7)
	if err != nil || !exists {
		t.Fatalf("runner 7 not stored: exists=%v err=%v", exists, err)
	}
	var host string
	if err := store.db.QueryRow(`SELECT host FROM runner_dimension WHERE runner_id = 7`).Scan(&host); err != nil {
		t.Fatalf("select host failed: %v", err)
	}
	if host != "uo" {
		t.Errorf("host = %q, want uo", host)
	}

	known := clusterLoad(2)
	known.Runner = models.KnownRunnerRef(7)
	res, err := LoadJob(ctx, store, deps, known)
	if err != nil {
		t.Fatalf("known runner load failed: %v", err)
	}
	if res.Fact.RunnerID != 7 {
		t.Errorf("runner id = %d, want 7", res.Fact.RunnerID)
	}
	if c := counts(t, store); c["runner_dimension"] != 2 {
		t.Errorf("runner rows = %d, want 2", c["runner_dimension"])
	}
}

func TestDimensionsShared(t *testing.T) {
	store := newTestStore(t)
	deps := newTestDeps(t)

	for id := int64(1); id <= 3; id++ {
		if _, err := LoadJob(context.Background(), store, deps, clusterLoad(id)); err != nil {
			t.Fatalf("load %d failed: %v", id, err)
		}
	}

	c := counts(t, store)
	want := map[string]int64{
		"date_dimension":     1,
		"time_dimension":     2,
		"node_dimension":     2,
		"runner_dimension":   2,
		"package_dimension":  2,
		"job_data_dimension": 3,
		"job_fact":           3,
	}
	for table, n := range want {
		if c[table] != n {
			t.Errorf("%s = %d, want %d", table, c[table], n)
		}
	}
}

func TestRetryLineageFromWarehouse(t *testing.T) {
	store := newTestStore(t)
	deps := newTestDeps(t)

	var last *LoadResult
	for id := int64(1); id <= 4; id++ {
		in := clusterLoad(id)
		if id < 4 {
			in.Job.Status = models.JobStatusFailed
			in.Job.FailureReason = "script_failure"
		}
		res, err := LoadJob(context.Background(), store, deps, in)
		if err != nil {
			t.Fatalf("load %d failed: %v", id, err)
		}
		last = res
	}

	if !last.JobData.IsRetry || last.JobData.AttemptNumber != 4 {
		t.Errorf("job 4 lineage = retry %v attempt %d, want retry attempt 4",
			last.JobData.IsRetry, last.JobData.AttemptNumber)
	}
	if !last.JobData.IsManualRetry {
		t.Error("retry after script failure should be manual")
	}

	first, err := store.JobData(context.Background(), 1)
	if err != nil {
		t.Fatalf("JobData failed: %v", err)
	}
	if first.IsRetry || first.AttemptNumber != 1 {
		t.Errorf("job 1 lineage = %+v", first)
	}
	// earlier attempts are never revised
	if !first.FinalAttempt {
		t.Error("job 1 final_attempt should stay as computed")
	}
}

func TestJobDataClassification(t *testing.T) {
	store := newTestStore(t)
	deps := newTestDeps(t)
	ctx := context.Background()

	failed := clusterLoad(1)
	failed.Job.Status = models.JobStatusFailed
	failed.Job.FailureReason = "script_failure"
	failed.Job.Log = "No need to rebuild zlib-1.3-abc, found hash match\n==> Error: 1 error found in build log:"
	res, err := LoadJob(ctx, store, deps, failed)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if res.JobData.ErrorTaxonomy == nil || *res.JobData.ErrorTaxonomy != "build_error" {
		t.Errorf("error taxonomy = %v, want build_error", res.JobData.ErrorTaxonomy)
	}
	if !res.JobData.Unnecessary {
		t.Error("expected unnecessary flag")
	}
	if res.JobData.ErrorTaxonomyVersion == "" {
		t.Error("taxonomy version not recorded")
	}

	ok, err := LoadJob(ctx, store, deps, clusterLoad(2))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if ok.JobData.ErrorTaxonomy != nil {
		t.Errorf("successful job classified as %q", *ok.JobData.ErrorTaxonomy)
	}
	if ok.JobData.PodName != "runner-pod-1" {
		t.Errorf("pod name = %q", ok.JobData.PodName)
	}
}

func TestJobDataImmutable(t *testing.T) {
	store := newTestStore(t)
	deps := newTestDeps(t)
	ctx := context.Background()

	if _, err := LoadJob(ctx, store, deps, clusterLoad(1)); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	changed := clusterLoad(1)
	changed.Job.Status = models.JobStatusFailed
	changed.Job.Ref = "other"
	res, err := LoadJob(ctx, store, deps, changed)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if res.JobData.Status != models.JobStatusSuccess || res.JobData.Ref != "develop" {
		t.Errorf("job data was modified: %+v", res.JobData)
	}
}

func TestFactConflictRollsBack(t *testing.T) {
	store := newTestStore(t)
	cache, err := NewIDCache(128)
	if err != nil {
		t.Fatalf("NewIDCache failed: %v", err)
	}
	deps := newTestDeps(t)
	deps.Cache = cache
	ctx := context.Background()

	if _, err := LoadJob(ctx, store, deps, clusterLoad(1)); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	cached := cache.Len()
	before := counts(t, store)

	// Same job, different timing: the job already owns a fact with another tuple
	moved := clusterLoad(1)
	moved.StartedAt = testStart.Add(48 * time.Hour)
	moved.FinishedAt = moved.StartedAt.Add(time.Minute)
	_, err = LoadJob(ctx, store, deps, moved)
	if !errors.Is(err, ErrFactConflict) {
		t.Fatalf("expected ErrFactConflict, got %v", err)
	}

	after := counts(t, store)
	if after["date_dimension"] != before["date_dimension"] || after["time_dimension"] != before["time_dimension"] {
		t.Errorf("rolled back transaction left dimension rows: %v -> %v", before, after)
	}
	if cache.Len() != cached {
		t.Errorf("cache grew from uncommitted transaction: %d -> %d", cached, cache.Len())
	}
}

func TestLoadJobRequiresStart(t *testing.T) {
	store := newTestStore(t)
	in := clusterLoad(1)
	in.StartedAt = time.Time{}
	if _, err := LoadJob(context.Background(), store, newTestDeps(t), in); err == nil {
		t.Fatal("expected error for job without start time")
	}
}

// TestConcurrentDuplicateLoads submits the same job from many goroutines
func TestConcurrentDuplicateLoads(t *testing.T) {
	store := newTestStore(t)
	testConcurrentDuplicates(t, store, 1000)
}

func testConcurrentDuplicates(t *testing.T, store Store, jobID int64) {
	deps := newTestDeps(t)
	const workers = 16

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	ids := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := LoadJob(context.Background(), store, deps, clusterLoad(jobID))
			if err != nil {
				errs <- err
				return
			}
			ids <- res.Fact.ID
		}()
	}
	wg.Wait()
	close(errs)
	close(ids)

	for err := range errs {
		t.Errorf("concurrent load failed: %v", err)
	}
	var factID int64
	for id := range ids {
		if factID == 0 {
			factID = id
		}
		if id != factID {
			t.Errorf("different fact ids returned: %d and %d", factID, id)
		}
	}

	fact, err := store.JobFact(context.Background(), jobID)
	if err != nil {
		t.Fatalf("JobFact failed: %v", err)
	}
	if fact.ID != factID {
		t.Errorf("stored fact %d, loads returned %d", fact.ID, factID)
	}
}
