package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	version "github.com/hashicorp/go-version"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/lineage"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/taxonomy"
)

// Dimension kinds, used for cache keys and metrics labels
const (
	KindDate    = "date"
	KindTime    = "time"
	KindNode    = "node"
	KindRunner  = "runner"
	KindPackage = "package"
	KindJobData = "job_data"
	KindTimer   = "timer_data"
	KindPhase   = "timer_phase"
)

var (
	unnecessaryPattern   = regexp.MustCompile(`No need to rebuild [^,]+, found hash match`)
	runnerVersionPattern = regexp.MustCompile(`Running with gitlab-runner (\d+\.\d+\.\d+)`)
)

// Deps are the collaborators shared by every reconciler of a process
type Deps struct {
	Classifier *taxonomy.Classifier
	Policy     lineage.Policy
	Cache      *IDCache
	Observer   Observer
}

// Reconciler resolves dimension rows inside one job transaction. Every
// operation returns the existing row for a natural key or creates it with
// insert-on-conflict-do-nothing followed by a re-select.
type Reconciler struct {
	tx       *Tx
	deps     Deps
	resolver *lineage.Resolver
}

// NewReconciler binds a reconciler to tx
func NewReconciler(tx *Tx, deps Deps) *Reconciler {
	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}
	return &Reconciler{
		tx:       tx,
		deps:     deps,
		resolver: lineage.NewResolver(txHistory{tx: tx}, deps.Policy),
	}
}

// Date resolves the date row of the UTC day containing t
func (r *Reconciler) Date(ctx context.Context, t time.Time) (models.DateDimension, error) {
	d := models.NewDateDimension(t)
	_, err := r.getOrCreate(ctx, KindDate, fmt.Sprint(d.DateKey),
		`SELECT date_key FROM date_dimension WHERE date_key = ?`, []any{d.DateKey},
		`INSERT INTO date_dimension
			(date_key, date, year, quarter, month, month_name, day_of_month, day_of_week,
			 day_name, day_of_year, week_of_year, is_weekend)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		[]any{d.DateKey, d.Date.Format("2006-01-02"), d.Year, d.Quarter, d.Month, d.MonthName,
			d.DayOfMonth, d.DayOfWeek, d.DayName, d.DayOfYear, d.WeekOfYear, d.IsWeekend},
	)
	if err != nil {
		return models.DateDimension{}, err
	}
	return d, nil
}

// Time resolves the time-of-day row of t truncated to the second
func (r *Reconciler) Time(ctx context.Context, t time.Time) (models.TimeDimension, error) {
	d := models.NewTimeDimension(t)
	_, err := r.getOrCreate(ctx, KindTime, fmt.Sprint(d.TimeKey),
		`SELECT time_key FROM time_dimension WHERE time_key = ?`, []any{d.TimeKey},
		`INSERT INTO time_dimension (time_key, time, hour, minute, second, am_or_pm, hour_12)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		[]any{d.TimeKey, d.Time, d.Hour, d.Minute, d.Second, d.AmOrPm, d.Hour12},
	)
	if err != nil {
		return models.TimeDimension{}, err
	}
	return d, nil
}

const selectNodeID = `SELECT id FROM node_dimension
	WHERE system_uuid = ? AND name = ? AND cpu = ? AND memory = ? AND capacity_type = ? AND instance_type = ?`

// Node resolves the node row of a job. Non-cluster jobs and cluster jobs
// whose node lookup failed resolve to the empty node sentinel.
func (r *Reconciler) Node(ctx context.Context, info models.JobInfo) (models.NodeDimension, error) {
	var key models.NodeKey
	switch info.Kind {
	case models.NonClusterJob:
		return r.sentinelNode(ctx)
	case models.ClusterJob:
		switch info.Node.State {
		case models.NodeMissing:
			return r.sentinelNode(ctx)
		case models.NodePresent:
			key = models.NodeKey{
				SystemUUID:   info.Node.SystemUUID,
				Name:         info.Node.Name,
				CPU:          info.Node.CPU,
				Memory:       info.Node.Memory,
				CapacityType: info.Node.CapacityType,
				InstanceType: info.Node.InstanceType,
			}
		default:
			return models.NodeDimension{}, fmt.Errorf("unknown node state %d", info.Node.State)
		}
	default:
		return models.NodeDimension{}, fmt.Errorf("unknown job kind %d", info.Kind)
	}

	args := []any{key.SystemUUID, key.Name, key.CPU, key.Memory, key.CapacityType, key.InstanceType}
	id, err := r.getOrCreate(ctx, KindNode, joinKey(args...),
		selectNodeID, args,
		`INSERT INTO node_dimension (system_uuid, name, cpu, memory, capacity_type, instance_type)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`, args,
	)
	if err != nil {
		return models.NodeDimension{}, err
	}
	return models.NodeDimension{ID: id, NodeKey: key}, nil
}

func (r *Reconciler) sentinelNode(ctx context.Context) (models.NodeDimension, error) {
	id, err := r.sentinel(ctx, KindNode, selectNodeID, "", "", 0, 0, "", "")
	if err != nil {
		return models.NodeDimension{}, err
	}
	return models.NodeDimension{ID: id}, nil
}

// Runner resolves the runner row of a job from the reference produced by
// runner enrichment
func (r *Reconciler) Runner(ctx context.Context, ref models.RunnerRef, inCluster bool) (models.RunnerDimension, error) {
	switch ref.Kind {
	case models.NoRunner, models.UnfetchableRunner:
		id, err := r.sentinel(ctx, KindRunner,
			`SELECT runner_id FROM runner_dimension WHERE runner_id = ? AND name = ?`, 0, "")
		if err != nil {
			return models.RunnerDimension{}, err
		}
		return models.RunnerDimension{RunnerID: id, Tags: []string{}}, nil

	case models.KnownRunner:
		id, err := r.selectID(ctx, `SELECT runner_id FROM runner_dimension WHERE runner_id = ?`, ref.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return models.RunnerDimension{}, fmt.Errorf("%w: runner %d no longer present", ErrReconcile, ref.ID)
		}
		if err != nil {
			return models.RunnerDimension{}, fmt.Errorf("failed to select runner %d: %w", ref.ID, err)
		}
		r.deps.Observer.DimensionResolved(KindRunner, false)
		return models.RunnerDimension{RunnerID: id}, nil

	case models.FetchedRunner:
		row := runnerRow(ref.Details, inCluster)
		tags, err := encodeTags(row.Tags)
		if err != nil {
			return models.RunnerDimension{}, err
		}
		_, err = r.getOrCreate(ctx, KindRunner, fmt.Sprint(row.RunnerID),
			`SELECT runner_id FROM runner_dimension WHERE runner_id = ?`, []any{row.RunnerID},
			`INSERT INTO runner_dimension (runner_id, name, platform, host, arch, tags, in_cluster)
			VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
			[]any{row.RunnerID, row.Name, row.Platform, row.Host, row.Arch, tags, row.InCluster},
		)
		if err != nil {
			return models.RunnerDimension{}, err
		}
		return row, nil
	}
	return models.RunnerDimension{}, fmt.Errorf("unknown runner reference kind %d", ref.Kind)
}

// runnerRow derives the stored runner attributes from platform details
func runnerRow(d models.RunnerDetails, inCluster bool) models.RunnerDimension {
	host := "unknown"
	if inCluster {
		host = "cluster"
	}
	if strings.HasPrefix(d.Description, "uo-") {
		host = "uo"
	}
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	return models.RunnerDimension{
		RunnerID:  d.ID,
		Name:      d.Description,
		Platform:  d.Platform,
		Host:      host,
		Arch:      d.Architecture,
		Tags:      tags,
		InCluster: inCluster,
	}
}

const selectPackageID = `SELECT id FROM package_dimension
	WHERE name = ? AND version = ? AND compiler_name = ? AND compiler_version = ? AND arch = ? AND variants = ?`

// Package resolves the package row. A job without package information
// resolves to the empty package sentinel.
func (r *Reconciler) Package(ctx context.Context, pkg models.PackageInfo) (models.PackageDimension, error) {
	if pkg.IsEmpty() {
		id, err := r.sentinel(ctx, KindPackage, selectPackageID, "", "", "", "", "", "")
		if err != nil {
			return models.PackageDimension{}, err
		}
		return models.PackageDimension{ID: id}, nil
	}

	args := []any{pkg.Name, pkg.Version, pkg.CompilerName, pkg.CompilerVersion, pkg.Arch, pkg.Variants}
	id, err := r.getOrCreate(ctx, KindPackage, joinKey(args...),
		selectPackageID, args,
		`INSERT INTO package_dimension (name, version, compiler_name, compiler_version, arch, variants)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`, args,
	)
	if err != nil {
		return models.PackageDimension{}, err
	}
	return models.PackageDimension{ID: id, PackageInfo: pkg}, nil
}

// JobDataInput is everything known about a job before its metadata row
// is written
type JobDataInput struct {
	JobID         int64
	CommitID      int64
	JobURL        string
	Name          string
	Ref           string
	Tags          []string
	Status        models.JobStatus
	FailureReason string
	Info          models.JobInfo
	Log           string
	IsBuild       bool
	CreatedAt     time.Time
}

// JobData returns the metadata row of a job, writing it on first sight.
// An existing row is returned unchanged and lineage and classification
// are not recomputed.
func (r *Reconciler) JobData(ctx context.Context, in JobDataInput) (*models.JobDataDimension, bool, error) {
	existing, err := r.selectJobData(ctx, in.JobID)
	if err == nil {
		r.deps.Observer.DimensionResolved(KindJobData, false)
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to select job data %d: %w", in.JobID, err)
	}

	row, err := r.buildJobData(ctx, in)
	if err != nil {
		return nil, false, err
	}

	tags, err := encodeTags(row.Tags)
	if err != nil {
		return nil, false, err
	}
	var errorTaxonomy sql.NullString
	if row.ErrorTaxonomy != nil {
		errorTaxonomy = sql.NullString{String: *row.ErrorTaxonomy, Valid: true}
	}

	res, err := r.tx.exec(ctx, `
		INSERT INTO job_data_dimension
			(job_id, commit_id, job_url, name, ref, tags, job_size, stack, is_retry,
			 is_manual_retry, attempt_number, final_attempt, status, failure_reason,
			 error_taxonomy, error_taxonomy_version, unnecessary, pod_name,
			 gitlab_runner_version, is_build, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, row.JobID, row.CommitID, row.JobURL, row.Name, row.Ref, tags, row.JobSize, row.Stack,
		row.IsRetry, row.IsManualRetry, row.AttemptNumber, row.FinalAttempt, string(row.Status),
		row.FailureReason, errorTaxonomy, row.ErrorTaxonomyVersion, row.Unnecessary, row.PodName,
		row.GitlabRunnerVersion, row.IsBuild, row.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert job data %d: %w", in.JobID, err)
	}
	created := affected(res) == 1

	stored, err := r.selectJobData(ctx, in.JobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("%w: job data %d missing after insert", ErrReconcile, in.JobID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to re-select job data %d: %w", in.JobID, err)
	}
	r.deps.Observer.DimensionResolved(KindJobData, created)
	return stored, created, nil
}

func (r *Reconciler) buildJobData(ctx context.Context, in JobDataInput) (*models.JobDataDimension, error) {
	info, err := r.resolver.Resolve(ctx, lineage.Identity{
		JobID:         in.JobID,
		JobName:       in.Name,
		CommitID:      in.CommitID,
		Status:        in.Status,
		FailureReason: in.FailureReason,
	})
	if err != nil {
		return nil, err
	}

	row := &models.JobDataDimension{
		JobID:               in.JobID,
		CommitID:            in.CommitID,
		JobURL:              in.JobURL,
		Name:                in.Name,
		Ref:                 in.Ref,
		Tags:                in.Tags,
		JobSize:             in.Info.Misc.JobSize,
		Stack:               in.Info.Misc.Stack,
		IsRetry:             info.IsRetry,
		IsManualRetry:       info.IsManualRetry,
		AttemptNumber:       info.AttemptNumber,
		FinalAttempt:        info.FinalAttempt,
		Status:              in.Status,
		FailureReason:       in.FailureReason,
		Unnecessary:         unnecessaryPattern.MatchString(in.Log),
		GitlabRunnerVersion: RunnerVersion(in.Log),
		IsBuild:             in.IsBuild,
		CreatedAt:           in.CreatedAt.UTC(),
	}
	if in.Info.Kind == models.ClusterJob {
		row.PodName = in.Info.Pod.Name
	}

	if r.deps.Classifier != nil {
		row.ErrorTaxonomyVersion = r.deps.Classifier.Version()
		if in.Status == models.JobStatusFailed {
			class := r.deps.Classifier.ClassifyJob(in.Log, in.FailureReason).Class
			row.ErrorTaxonomy = &class
		}
	}
	return row, nil
}

// RunnerVersion extracts the runner version from a job log preamble.
// It returns an empty string when the preamble is absent.
func RunnerVersion(log string) string {
	m := runnerVersionPattern.FindStringSubmatch(log)
	if m == nil {
		return ""
	}
	v, err := version.NewVersion(m[1])
	if err != nil {
		return m[1]
	}
	return v.String()
}

const selectJobDataColumns = `
	SELECT job_id, commit_id, job_url, name, ref, tags, job_size, stack, is_retry,
	       is_manual_retry, attempt_number, final_attempt, status, failure_reason,
	       error_taxonomy, error_taxonomy_version, unnecessary, pod_name,
	       gitlab_runner_version, is_build, created_at
	FROM job_data_dimension`

func (r *Reconciler) selectJobData(ctx context.Context, jobID int64) (*models.JobDataDimension, error) {
	return scanJobData(r.tx.queryRow(ctx, selectJobDataColumns+` WHERE job_id = ?`, jobID))
}

func scanJobData(row *sql.Row) (*models.JobDataDimension, error) {
	var jd models.JobDataDimension
	var tags []byte
	var status string
	var errorTaxonomy sql.NullString
	err := row.Scan(&jd.JobID, &jd.CommitID, &jd.JobURL, &jd.Name, &jd.Ref, &tags, &jd.JobSize,
		&jd.Stack, &jd.IsRetry, &jd.IsManualRetry, &jd.AttemptNumber, &jd.FinalAttempt, &status,
		&jd.FailureReason, &errorTaxonomy, &jd.ErrorTaxonomyVersion, &jd.Unnecessary, &jd.PodName,
		&jd.GitlabRunnerVersion, &jd.IsBuild, &jd.CreatedAt)
	if err != nil {
		return nil, err
	}
	jd.Status = models.JobStatus(status)
	if errorTaxonomy.Valid {
		jd.ErrorTaxonomy = &errorTaxonomy.String
	}
	if jd.Tags, err = decodeTags(tags); err != nil {
		return nil, err
	}
	return &jd, nil
}

// getOrCreate is the shared select, insert-on-conflict, re-select flow.
// Ids are cached only once the owning transaction commits.
func (r *Reconciler) getOrCreate(ctx context.Context, kind, cacheKey string,
	selectQuery string, selectArgs []any, insertQuery string, insertArgs []any) (int64, error) {

	if id, ok := r.deps.Cache.get(kind, cacheKey); ok {
		r.deps.Observer.DimensionResolved(kind, false)
		return id, nil
	}

	id, err := r.selectID(ctx, selectQuery, selectArgs...)
	if err == nil {
		r.remember(kind, cacheKey, id)
		r.deps.Observer.DimensionResolved(kind, false)
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to select %s dimension: %w", kind, err)
	}

	res, err := r.tx.exec(ctx, insertQuery, insertArgs...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert %s dimension: %w", kind, err)
	}
	created := affected(res) == 1

	id, err = r.selectID(ctx, selectQuery, selectArgs...)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s row %q missing after insert", ErrReconcile, kind, cacheKey)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to re-select %s dimension: %w", kind, err)
	}

	r.remember(kind, cacheKey, id)
	r.deps.Observer.DimensionResolved(kind, created)
	return id, nil
}

// sentinel looks up a pre-provisioned row; it never inserts
func (r *Reconciler) sentinel(ctx context.Context, kind, query string, args ...any) (int64, error) {
	return r.provisioned(ctx, kind, "sentinel", query, args...)
}

func (r *Reconciler) provisioned(ctx context.Context, kind, cacheKey, query string, args ...any) (int64, error) {
	if id, ok := r.deps.Cache.get(kind, cacheKey); ok {
		r.deps.Observer.DimensionResolved(kind, false)
		return id, nil
	}
	id, err := r.selectID(ctx, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s %s", ErrSentinelMissing, kind, cacheKey)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to select %s %s: %w", kind, cacheKey, err)
	}
	r.remember(kind, cacheKey, id)
	r.deps.Observer.DimensionResolved(kind, false)
	return id, nil
}

func (r *Reconciler) selectID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	err := r.tx.queryRow(ctx, query, args...).Scan(&id)
	return id, err
}

func (r *Reconciler) remember(kind, key string, id int64) {
	if r.deps.Cache == nil {
		return
	}
	cache := r.deps.Cache
	r.tx.OnCommit(func() { cache.add(kind, key, id) })
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

func joinKey(parts ...any) string {
	s := make([]string, len(parts))
	for i, p := range parts {
		s[i] = fmt.Sprint(p)
	}
	return strings.Join(s, "\x1f")
}
