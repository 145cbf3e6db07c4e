package telemetry

import (
	"context"
	"regexp"
	"strings"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
)

// Source builds the telemetry record of a finished job
type Source interface {
	JobInfo(ctx context.Context, job *models.PlatformJob) (models.JobInfo, error)
}

// StaticSource treats every job as a non-cluster job. It is used when no
// Prometheus endpoint is configured.
type StaticSource struct{}

// JobInfo returns non-cluster job info with the package parsed from the job name
func (StaticSource) JobInfo(ctx context.Context, job *models.PlatformJob) (models.JobInfo, error) {
	return models.NewNonClusterJob(ParsePackageFromJobName(job.Name), miscFromJobName(job.Name)), nil
}

// Build job names look like
// "zlib@1.3 /abcdef %gcc@12.3.0 arch=linux-ubuntu22.04-x86_64_v3 E4S"
var jobNameRegex = regexp.MustCompile(
	`^([^@\s]+)@(\S+)\s+/\S+\s+%([^@\s]+)@(\S+)\s+arch=(\S+)(?:\s+(\S+))?`)

// ParsePackageFromJobName extracts the package spec from a build job name.
// Names that are not build jobs yield an empty PackageInfo.
func ParsePackageFromJobName(name string) models.PackageInfo {
	m := jobNameRegex.FindStringSubmatch(strings.TrimSpace(name))
	if m == nil {
		return models.PackageInfo{}
	}
	return models.PackageInfo{
		Name:            m[1],
		Version:         m[2],
		CompilerName:    m[3],
		CompilerVersion: m[4],
		Arch:            m[5],
	}
}

// IsBuildJob reports whether the job name is a package build
func IsBuildJob(name string) bool {
	return jobNameRegex.MatchString(strings.TrimSpace(name))
}

func miscFromJobName(name string) models.MiscInfo {
	m := jobNameRegex.FindStringSubmatch(strings.TrimSpace(name))
	if m == nil {
		return models.MiscInfo{}
	}
	return models.MiscInfo{Stack: m[6]}
}
