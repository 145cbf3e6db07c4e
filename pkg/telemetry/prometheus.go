package telemetry

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/logging"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/retry"
)

// Pod labels set by the CI pipeline generator
const (
	labelJobID           = "label_gitlab_ci_job_id"
	labelPkgName         = "label_metrics_spack_job_spec_pkg_name"
	labelPkgVersion      = "label_metrics_spack_job_spec_pkg_version"
	labelCompilerName    = "label_metrics_spack_job_spec_compiler_name"
	labelCompilerVersion = "label_metrics_spack_job_spec_compiler_version"
	labelArch            = "label_metrics_spack_job_spec_arch"
	labelVariants        = "label_metrics_spack_job_spec_variants"
	labelJobSize         = "label_gitlab_ci_job_size"
	labelStack           = "label_metrics_spack_ci_stack_name"
	labelBuildJobs       = "label_metrics_spack_job_build_jobs"

	labelCapacityType = "label_karpenter_sh_capacity_type"
	labelInstanceType = "label_node_kubernetes_io_instance_type"

	buildContainer = "build"
)

// PrometheusConfig holds telemetry source configuration
type PrometheusConfig struct {
	Address string
	Timeout time.Duration
	Retry   retry.Config
}

// PrometheusSource reads pod and node telemetry from kube-state-metrics,
// cAdvisor and karpenter series
type PrometheusSource struct {
	api     v1.API
	timeout time.Duration
	retry   retry.Config
	logger  *logging.Logger
}

// NewPrometheusSource creates a Prometheus backed telemetry source
func NewPrometheusSource(cfg PrometheusConfig, logger *logging.Logger) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &PrometheusSource{
		api:     v1.NewAPI(client),
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
		logger:  logger,
	}, nil
}

// JobInfo looks up the pod that ran the job. Jobs without a pod are
// non-cluster jobs. A cluster job whose node can't be resolved keeps its
// pod data with a missing node.
func (s *PrometheusSource) JobInfo(ctx context.Context, job *models.PlatformJob) (models.JobInfo, error) {
	if job.StartedAt == nil {
		return StaticSource{}.JobInfo(ctx, job)
	}
	end := job.FinishedAt()
	window := rangeFor(job.Duration)

	podLabels, err := s.first(ctx, fmt.Sprintf(`max_over_time(kube_pod_labels{%s="%d"}[%s])`, labelJobID, job.ID, window), end)
	if err != nil {
		return models.JobInfo{}, err
	}
	if podLabels == nil {
		return StaticSource{}.JobInfo(ctx, job)
	}

	pkg := packageFromLabels(podLabels.Metric)
	if pkg.IsEmpty() {
		pkg = ParsePackageFromJobName(job.Name)
	}
	misc := miscFromLabels(podLabels.Metric)
	if misc.Stack == "" {
		misc.Stack = miscFromJobName(job.Name).Stack
	}

	podName := string(podLabels.Metric["pod"])
	pod, err := s.podInfo(ctx, podName, window, end)
	if err != nil {
		return models.JobInfo{}, err
	}
	node, err := s.nodeInfo(ctx, podName, window, end)
	if err != nil {
		return models.JobInfo{}, err
	}
	if node.State == models.NodeMissing {
		s.logger.Warn("Node telemetry missing for cluster job", logging.Fields{"job_id": job.ID, "pod": podName})
	}
	pod.NodeOccupancy = occupancy(pod, node)

	return models.NewClusterJob(pod, node, pkg, misc), nil
}

func (s *PrometheusSource) podInfo(ctx context.Context, pod, window string, ts time.Time) (models.PodInfo, error) {
	info := models.PodInfo{Name: pod}
	sel := fmt.Sprintf(`pod=%q,container=%q`, pod, buildContainer)

	floats := []struct {
		query string
		dst   **float64
	}{
		{fmt.Sprintf(`max_over_time(container_cpu_usage_seconds_total{%s}[%s])`, sel, window), &info.CPUUsageSeconds},
		{fmt.Sprintf(`max_over_time(kube_pod_container_resource_requests{%s,resource="cpu"}[%s])`, sel, window), &info.CPURequest},
		{fmt.Sprintf(`max_over_time(kube_pod_container_resource_limits{%s,resource="cpu"}[%s])`, sel, window), &info.CPULimit},
	}
	for _, q := range floats {
		v, err := s.scalar(ctx, q.query, ts)
		if err != nil {
			return info, err
		}
		*q.dst = v
	}

	ints := []struct {
		query string
		dst   **int64
	}{
		{fmt.Sprintf(`max_over_time(container_memory_working_set_bytes{%s}[%s])`, sel, window), &info.MaxMemory},
		{fmt.Sprintf(`avg_over_time(container_memory_working_set_bytes{%s}[%s])`, sel, window), &info.AvgMemory},
		{fmt.Sprintf(`max_over_time(kube_pod_container_resource_requests{%s,resource="memory"}[%s])`, sel, window), &info.MemoryRequest},
		{fmt.Sprintf(`max_over_time(kube_pod_container_resource_limits{%s,resource="memory"}[%s])`, sel, window), &info.MemoryLimit},
	}
	for _, q := range ints {
		v, err := s.scalar(ctx, q.query, ts)
		if err != nil {
			return info, err
		}
		if v != nil {
			n := int64(math.Round(*v))
			*q.dst = &n
		}
	}
	return info, nil
}

func (s *PrometheusSource) nodeInfo(ctx context.Context, pod, window string, ts time.Time) (models.NodeInfo, error) {
	podInfo, err := s.first(ctx, fmt.Sprintf(`max_over_time(kube_pod_info{pod=%q}[%s])`, pod, window), ts)
	if err != nil || podInfo == nil {
		return models.MissingNode(), err
	}
	nodeName := string(podInfo.Metric["node"])
	if nodeName == "" {
		return models.MissingNode(), nil
	}

	nodeInfo, err := s.first(ctx, fmt.Sprintf(`max_over_time(kube_node_info{node=%q}[%s])`, nodeName, window), ts)
	if err != nil || nodeInfo == nil {
		return models.MissingNode(), err
	}
	nodeLabels, err := s.first(ctx, fmt.Sprintf(`max_over_time(kube_node_labels{node=%q}[%s])`, nodeName, window), ts)
	if err != nil || nodeLabels == nil {
		return models.MissingNode(), err
	}
	cpu, err := s.scalar(ctx, fmt.Sprintf(`max_over_time(kube_node_status_capacity{node=%q,resource="cpu"}[%s])`, nodeName, window), ts)
	if err != nil || cpu == nil {
		return models.MissingNode(), err
	}
	mem, err := s.scalar(ctx, fmt.Sprintf(`max_over_time(kube_node_status_capacity{node=%q,resource="memory"}[%s])`, nodeName, window), ts)
	if err != nil || mem == nil {
		return models.MissingNode(), err
	}

	capacityType := string(nodeLabels.Metric[labelCapacityType])
	instanceType := string(nodeLabels.Metric[labelInstanceType])
	price, err := s.scalar(ctx, fmt.Sprintf(
		`avg(max_over_time(karpenter_cloudprovider_instance_type_offering_price_estimate{instance_type=%q,capacity_type=%q}[%s]))`,
		instanceType, capacityType, window), ts)
	if err != nil || price == nil {
		return models.MissingNode(), err
	}

	return models.NodeInfo{
		State:            models.NodePresent,
		SystemUUID:       string(nodeInfo.Metric["system_uuid"]),
		Name:             nodeName,
		CPU:              int64(math.Round(*cpu)),
		Memory:           int64(math.Round(*mem)),
		CapacityType:     capacityType,
		InstanceType:     instanceType,
		SpotPricePerHour: *price,
	}, nil
}

// occupancy is the larger of the pod's CPU and memory share of its node
func occupancy(pod models.PodInfo, node models.NodeInfo) float64 {
	if node.State != models.NodePresent {
		return 0
	}
	var share float64
	if pod.CPURequest != nil && node.CPU > 0 {
		share = math.Max(share, *pod.CPURequest/float64(node.CPU))
	}
	if pod.MemoryRequest != nil && node.Memory > 0 {
		share = math.Max(share, float64(*pod.MemoryRequest)/float64(node.Memory))
	}
	return math.Min(share, 1)
}

func packageFromLabels(m model.Metric) models.PackageInfo {
	return models.PackageInfo{
		Name:            string(m[labelPkgName]),
		Version:         string(m[labelPkgVersion]),
		CompilerName:    string(m[labelCompilerName]),
		CompilerVersion: string(m[labelCompilerVersion]),
		Arch:            string(m[labelArch]),
		Variants:        string(m[labelVariants]),
	}
}

func miscFromLabels(m model.Metric) models.MiscInfo {
	misc := models.MiscInfo{
		JobSize: string(m[labelJobSize]),
		Stack:   string(m[labelStack]),
	}
	if raw := string(m[labelBuildJobs]); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			misc.BuildJobs = &n
		}
	}
	return misc
}

// rangeFor covers the job run plus a minute of scrape slack
func rangeFor(durationSeconds float64) string {
	return fmt.Sprintf("%ds", int64(math.Ceil(durationSeconds))+60)
}

func (s *PrometheusSource) first(ctx context.Context, query string, ts time.Time) (*model.Sample, error) {
	vec, err := s.vector(ctx, query, ts)
	if err != nil || len(vec) == 0 {
		return nil, err
	}
	return vec[0], nil
}

func (s *PrometheusSource) scalar(ctx context.Context, query string, ts time.Time) (*float64, error) {
	sample, err := s.first(ctx, query, ts)
	if err != nil || sample == nil {
		return nil, err
	}
	v := float64(sample.Value)
	if math.IsNaN(v) {
		return nil, nil
	}
	return &v, nil
}

func (s *PrometheusSource) vector(ctx context.Context, query string, ts time.Time) (model.Vector, error) {
	var vec model.Vector
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		val, warnings, err := s.api.Query(ctx, query, ts)
		if err != nil {
			return err
		}
		if len(warnings) > 0 {
			s.logger.Debug("Prometheus query warnings", logging.Fields{"query": query, "warnings": warnings})
		}
		v, ok := val.(model.Vector)
		if !ok {
			return retry.Permanent(fmt.Errorf("unexpected result type %s", val.Type()))
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("prometheus query %s: %w", query, err)
	}
	return vec, nil
}
