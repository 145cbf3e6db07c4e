package models

import "testing"

const timingArtifact = `[
	{
		"name": "zlib",
		"hash": "abcdef",
		"cache": false,
		"total": {"seconds": 40.0, "count": 1},
		"phases": [
			{"name": "autoreconf", "path": "autoreconf", "seconds": 10.0, "count": 1},
			{"name": "configure", "path": "configure", "seconds": 20.0, "count": 1},
			{"name": "make", "path": "configure/make", "seconds": 5.0, "count": 2}
		]
	},
	{"name": "cmake", "hash": "123456", "cache": true, "total": 12.5, "phases": []},
	{"hash": "nameless", "total": 1}
]`

func TestParseBuildTimings(t *testing.T) {
	timings, err := ParseBuildTimings([]byte(timingArtifact))
	if err != nil {
		t.Fatalf("ParseBuildTimings failed: %v", err)
	}
	if len(timings) != 2 {
		t.Fatalf("got %d timings, want 2", len(timings))
	}

	zlib := timings[0]
	if zlib.Name != "zlib" || zlib.Hash != "abcdef" || zlib.Cache {
		t.Errorf("unexpected zlib timing: %+v", zlib)
	}
	if zlib.Total != 40 {
		t.Errorf("Total = %v, want 40", zlib.Total)
	}
	if len(zlib.Phases) != 3 {
		t.Fatalf("got %d phases, want 3", len(zlib.Phases))
	}
	if zlib.Phases[1].IsSubphase() || !zlib.Phases[2].IsSubphase() {
		t.Error("only slash separated paths are subphases")
	}
	ratio := zlib.RatioOfTotal(zlib.Phases[1])
	if ratio == nil || *ratio != 0.5 {
		t.Errorf("RatioOfTotal = %v, want 0.5", ratio)
	}

	if timings[1].Total != 12.5 || !timings[1].Cache {
		t.Errorf("bare total not decoded: %+v", timings[1])
	}
}

func TestParseBuildTimingsSingleObject(t *testing.T) {
	timings, err := ParseBuildTimings([]byte(`{"name": "zlib", "total": 3, "phases": []}`))
	if err != nil {
		t.Fatalf("ParseBuildTimings failed: %v", err)
	}
	if len(timings) != 1 || timings[0].Name != "zlib" {
		t.Errorf("unexpected timings: %+v", timings)
	}
}

func TestParseBuildTimingsInvalid(t *testing.T) {
	if _, err := ParseBuildTimings([]byte(`[{"name": 1}]`)); err == nil {
		t.Error("expected error for malformed artifact")
	}

	timings, err := ParseBuildTimings([]byte("  "))
	if err != nil || timings != nil {
		t.Errorf("empty artifact = %v, %v; want nil, nil", timings, err)
	}
}

func TestRatioOfTotalUnknownTotal(t *testing.T) {
	timing := BuildTiming{Name: "zlib"}
	if r := timing.RatioOfTotal(TimerPhase{Seconds: 1}); r != nil {
		t.Errorf("RatioOfTotal = %v, want nil", *r)
	}
}
