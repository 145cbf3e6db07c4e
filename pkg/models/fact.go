package models

// FactKey is the dimension tuple that identifies a job fact
type FactKey struct {
	StartDateID int64 `json:"start_date_id"`
	StartTimeID int64 `json:"start_time_id"`
	EndDateID   int64 `json:"end_date_id"`
	EndTimeID   int64 `json:"end_time_id"`
	NodeID      int64 `json:"node_id"`
	RunnerID    int64 `json:"runner_id"`
	PackageID   int64 `json:"package_id"`
	JobID       int64 `json:"job_id"`
}

// Measures are the numeric columns of a job fact. Everything except the
// duration is nullable since job kinds differ in available telemetry.
type Measures struct {
	DurationSeconds    float64  `json:"duration_seconds"`
	Cost               *float64 `json:"cost,omitempty"`
	PodNodeOccupancy   *float64 `json:"pod_node_occupancy,omitempty"`
	PodCPUUsageSeconds *float64 `json:"pod_cpu_usage_seconds,omitempty"`
	PodMaxMem          *int64   `json:"pod_max_mem,omitempty"`
	PodAvgMem          *int64   `json:"pod_avg_mem,omitempty"`
	NodePricePerSecond *float64 `json:"node_price_per_second,omitempty"`
	NodeCPU            *int64   `json:"node_cpu,omitempty"`
	NodeMemory         *int64   `json:"node_memory,omitempty"`
	BuildJobs          *int64   `json:"build_jobs,omitempty"`
	PodCPURequest      *float64 `json:"pod_cpu_request,omitempty"`
	PodCPULimit        *float64 `json:"pod_cpu_limit,omitempty"`
	PodMemoryRequest   *int64   `json:"pod_memory_request,omitempty"`
	PodMemoryLimit     *int64   `json:"pod_memory_limit,omitempty"`
}

// JobFact is a stored fact row
type JobFact struct {
	ID int64 `json:"id"`
	FactKey
	Measures
}
