package models

// JobKind distinguishes jobs that ran on the Kubernetes cluster from jobs
// that ran on external runners without pod telemetry
type JobKind int

const (
	NonClusterJob JobKind = iota
	ClusterJob
)

func (k JobKind) String() string {
	switch k {
	case ClusterJob:
		return "cluster"
	case NonClusterJob:
		return "non-cluster"
	}
	return "unknown"
}

// NodeState marks whether node telemetry was found for a cluster job
type NodeState int

const (
	NodeMissing NodeState = iota
	NodePresent
)

// NodeInfo describes the compute node a cluster job was scheduled on.
// Fields other than State are only meaningful when State is NodePresent.
type NodeInfo struct {
	State            NodeState `json:"state"`
	SystemUUID       string    `json:"system_uuid"`
	Name             string    `json:"name"`
	CPU              int64     `json:"cpu"`
	Memory           int64     `json:"memory"`
	CapacityType     string    `json:"capacity_type"`
	InstanceType     string    `json:"instance_type"`
	SpotPricePerHour float64   `json:"spot_price_per_hour"`
}

// MissingNode is the node state of a cluster job whose node lookup failed
func MissingNode() NodeInfo {
	return NodeInfo{State: NodeMissing}
}

// PodInfo holds the resource accounting of the pod that ran a cluster job
type PodInfo struct {
	Name            string   `json:"name"`
	NodeOccupancy   float64  `json:"node_occupancy"`
	CPUUsageSeconds *float64 `json:"cpu_usage_seconds,omitempty"`
	MaxMemory       *int64   `json:"max_memory,omitempty"`
	AvgMemory       *int64   `json:"avg_memory,omitempty"`
	CPURequest      *float64 `json:"cpu_request,omitempty"`
	CPULimit        *float64 `json:"cpu_limit,omitempty"`
	MemoryRequest   *int64   `json:"memory_request,omitempty"`
	MemoryLimit     *int64   `json:"memory_limit,omitempty"`
}

// PackageInfo identifies the software package a build job produced
type PackageInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	CompilerName    string `json:"compiler_name"`
	CompilerVersion string `json:"compiler_version"`
	Arch            string `json:"arch"`
	Variants        string `json:"variants"`
}

// IsEmpty reports whether no package information is available
func (p PackageInfo) IsEmpty() bool {
	return p == PackageInfo{}
}

// MiscInfo carries job labels that are known for every job kind
type MiscInfo struct {
	JobSize   string `json:"job_size"`
	Stack     string `json:"stack"`
	BuildJobs *int64 `json:"build_jobs,omitempty"`
}

// JobInfo is the telemetry record of one job. Node and Pod are only set
// for cluster jobs; consumers must switch on Kind.
type JobInfo struct {
	Kind    JobKind     `json:"kind"`
	Node    NodeInfo    `json:"node"`
	Pod     PodInfo     `json:"pod"`
	Package PackageInfo `json:"package"`
	Misc    MiscInfo    `json:"misc"`
}

// NewClusterJob builds the job info of a job that ran in a cluster pod
func NewClusterJob(pod PodInfo, node NodeInfo, pkg PackageInfo, misc MiscInfo) JobInfo {
	return JobInfo{Kind: ClusterJob, Node: node, Pod: pod, Package: pkg, Misc: misc}
}

// NewNonClusterJob builds the job info of a job without pod telemetry
func NewNonClusterJob(pkg PackageInfo, misc MiscInfo) JobInfo {
	return JobInfo{Kind: NonClusterJob, Package: pkg, Misc: misc}
}

// InCluster reports whether the job ran in the cluster
func (j JobInfo) InCluster() bool {
	return j.Kind == ClusterJob
}

// RunnerRefKind tags how the runner of a job was resolved before the
// warehouse transaction started
type RunnerRefKind int

const (
	// NoRunner means the job has no runner attached
	NoRunner RunnerRefKind = iota
	// UnfetchableRunner means the platform returned not found for the runner
	UnfetchableRunner
	// KnownRunner means the runner row already exists in the warehouse
	KnownRunner
	// FetchedRunner means the runner details were fetched from the platform
	FetchedRunner
)

// RunnerRef is the resolved runner reference of a job
type RunnerRef struct {
	Kind    RunnerRefKind
	ID      int64
	Details RunnerDetails
}

func NoRunnerRef() RunnerRef { return RunnerRef{Kind: NoRunner} }

func UnfetchableRunnerRef(id int64) RunnerRef {
	return RunnerRef{Kind: UnfetchableRunner, ID: id}
}

func KnownRunnerRef(id int64) RunnerRef {
	return RunnerRef{Kind: KnownRunner, ID: id}
}

func FetchedRunnerRef(details RunnerDetails) RunnerRef {
	return RunnerRef{Kind: FetchedRunner, ID: details.ID, Details: details}
}
