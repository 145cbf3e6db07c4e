package warehouse

import (
	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
)

// Derive computes the fact measures of a job. Cost and node price are only
// defined for cluster jobs with node telemetry; everything else is passed
// through from telemetry and left nil when the job kind lacks it.
func Derive(info models.JobInfo, durationSeconds float64) models.Measures {
	m := models.Measures{
		DurationSeconds: durationSeconds,
		BuildJobs:       info.Misc.BuildJobs,
	}

	switch info.Kind {
	case models.NonClusterJob:
		return m
	case models.ClusterJob:
		pod := info.Pod
		occupancy := pod.NodeOccupancy
		m.PodNodeOccupancy = &occupancy
		m.PodCPUUsageSeconds = pod.CPUUsageSeconds
		m.PodMaxMem = pod.MaxMemory
		m.PodAvgMem = pod.AvgMemory
		m.PodCPURequest = pod.CPURequest
		m.PodCPULimit = pod.CPULimit
		m.PodMemoryRequest = pod.MemoryRequest
		m.PodMemoryLimit = pod.MemoryLimit

		switch info.Node.State {
		case models.NodePresent:
			pricePerSecond := info.Node.SpotPricePerHour / 3600
			cost := durationSeconds * occupancy * pricePerSecond
			cpu, mem := info.Node.CPU, info.Node.Memory
			m.NodePricePerSecond = &pricePerSecond
			m.Cost = &cost
			m.NodeCPU = &cpu
			m.NodeMemory = &mem
		case models.NodeMissing:
		}
	}
	return m
}
