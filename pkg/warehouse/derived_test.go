package warehouse

import (
	"math"
	"testing"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
)

func int64p(v int64) *int64 { return &v }

func float64p(v float64) *float64 { return &v }

func TestDeriveClusterCost(t *testing.T) {
	info := models.NewClusterJob(
		models.PodInfo{Name: "runner-abc", NodeOccupancy: 0.5, CPURequest: float64p(2)},
		models.NodeInfo{State: models.NodePresent, Name: "ip-10-0-0-1", CPU: 16, Memory: 64 << 30, SpotPricePerHour: 3.6},
		models.PackageInfo{},
		models.MiscInfo{BuildJobs: int64p(8)},
	)

	m := Derive(info, 100)

	if m.Cost == nil || math.Abs(*m.Cost-0.05) > 1e-12 {
		t.Fatalf("cost = %v, want 0.05", m.Cost)
	}
	if m.NodePricePerSecond == nil || math.Abs(*m.NodePricePerSecond-0.001) > 1e-12 {
		t.Errorf("node price per second = %v, want 0.001", m.NodePricePerSecond)
	}
	if m.PodNodeOccupancy == nil || *m.PodNodeOccupancy != 0.5 {
		t.Errorf("occupancy = %v, want 0.5", m.PodNodeOccupancy)
	}
	if m.NodeCPU == nil || *m.NodeCPU != 16 {
		t.Errorf("node cpu = %v, want 16", m.NodeCPU)
	}
	if m.PodCPURequest == nil || *m.PodCPURequest != 2 {
		t.Errorf("cpu request = %v, want 2", m.PodCPURequest)
	}
	if m.BuildJobs == nil || *m.BuildJobs != 8 {
		t.Errorf("build jobs = %v, want 8", m.BuildJobs)
	}
}

func TestDeriveNullability(t *testing.T) {
	tests := []struct {
		name          string
		info          models.JobInfo
		wantOccupancy bool
	}{
		{
			name: "non-cluster job",
			info: models.NewNonClusterJob(models.PackageInfo{}, models.MiscInfo{}),
		},
		{
			name:          "cluster job with missing node",
			info:          models.NewClusterJob(models.PodInfo{NodeOccupancy: 0.25}, models.MissingNode(), models.PackageInfo{}, models.MiscInfo{}),
			wantOccupancy: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Derive(tt.info, 42)
			if m.DurationSeconds != 42 {
				t.Errorf("duration = %v, want 42", m.DurationSeconds)
			}
			if m.Cost != nil {
				t.Errorf("cost = %v, want nil", *m.Cost)
			}
			if m.NodePricePerSecond != nil {
				t.Errorf("node price = %v, want nil", *m.NodePricePerSecond)
			}
			if m.NodeCPU != nil || m.NodeMemory != nil {
				t.Error("node resources should be nil")
			}
			if (m.PodNodeOccupancy != nil) != tt.wantOccupancy {
				t.Errorf("occupancy set = %v, want %v", m.PodNodeOccupancy != nil, tt.wantOccupancy)
			}
		})
	}
}

func TestRebind(t *testing.T) {
	q := `SELECT id FROM t WHERE a = ? AND b = ?`
	if got := dialectSQLite.rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %s", got)
	}
	want := `SELECT id FROM t WHERE a = $1 AND b = $2`
	if got := dialectPostgres.rebind(q); got != want {
		t.Errorf("postgres rebind = %s, want %s", got, want)
	}
}

func TestRunnerVersion(t *testing.T) {
	tests := []struct {
		log  string
		want string
	}{
		{"Running with gitlab-runner 16.5.0 (853330f9)\n  on runner-x", "16.5.0"},
		{"no preamble here", ""},
		{"Running with gitlab-runner 17.1.2~beta.3", "17.1.2"},
	}
	for _, tt := range tests {
		if got := RunnerVersion(tt.log); got != tt.want {
			t.Errorf("RunnerVersion(%q) = %q, want %q", tt.log, got, tt.want)
		}
	}
}

func TestRunnerRowHost(t *testing.T) {
	tests := []struct {
		desc      string
		inCluster bool
		want      string
	}{
		{"runner-1", true, "cluster"},
		{"runner-1", false, "unknown"},
		{"uo-runner-7", false, "uo"},
		{"uo-runner-7", true, "uo"},
	}
	for _, tt := range tests {
		row := runnerRow(models.RunnerDetails{ID: 1, Description: tt.desc}, tt.inCluster)
		if row.Host != tt.want {
			t.Errorf("host(%q, %v) = %q, want %q", tt.desc, tt.inCluster, row.Host, tt.want)
		}
		if row.Tags == nil {
			t.Error("tags should never be nil")
		}
	}
}
