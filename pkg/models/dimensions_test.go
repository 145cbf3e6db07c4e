package models

import (
	"testing"
	"time"
)

func TestDateDimension(t *testing.T) {
	ts := time.Date(2024, time.March, 16, 23, 59, 30, 0, time.UTC)
	d := NewDateDimension(ts)

	if d.DateKey != 20240316 {
		t.Errorf("DateKey = %d, want 20240316", d.DateKey)
	}
	if d.Quarter != 1 {
		t.Errorf("Quarter = %d, want 1", d.Quarter)
	}
	if d.DayName != "Saturday" || !d.IsWeekend {
		t.Errorf("expected Saturday weekend, got %s weekend=%v", d.DayName, d.IsWeekend)
	}
	if d.DayOfYear != 76 {
		t.Errorf("DayOfYear = %d, want 76", d.DayOfYear)
	}
	if !d.Date.Equal(time.Date(2024, time.March, 16, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Date not truncated: %v", d.Date)
	}
}

func TestDateKeyUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	ts := time.Date(2024, time.December, 31, 21, 0, 0, 0, loc)

	if got := DateKey(ts); got != 20250101 {
		t.Errorf("DateKey = %d, want 20250101", got)
	}
}

func TestTimeDimension(t *testing.T) {
	tests := []struct {
		name   string
		ts     time.Time
		key    int64
		ampm   string
		hour12 int
	}{
		{"midnight", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 0, "AM", 12},
		{"morning", time.Date(2024, 1, 1, 9, 5, 7, 0, time.UTC), 90507, "AM", 9},
		{"noon", time.Date(2024, 1, 1, 12, 0, 1, 0, time.UTC), 120001, "PM", 12},
		{"evening", time.Date(2024, 1, 1, 23, 59, 59, 999, time.UTC), 235959, "PM", 11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewTimeDimension(tt.ts)
			if d.TimeKey != tt.key {
				t.Errorf("TimeKey = %d, want %d", d.TimeKey, tt.key)
			}
			if d.AmOrPm != tt.ampm || d.Hour12 != tt.hour12 {
				t.Errorf("got %s/%d, want %s/%d", d.AmOrPm, d.Hour12, tt.ampm, tt.hour12)
			}
		})
	}
}

func TestJobEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   JobEvent
		wantErr bool
	}{
		{"valid", JobEvent{ObjectKind: "build", BuildID: 1, ProjectID: 2}, false},
		{"pipeline event", JobEvent{ObjectKind: "pipeline", BuildID: 1, ProjectID: 2}, true},
		{"missing build id", JobEvent{ObjectKind: "build", ProjectID: 2}, true},
		{"missing project", JobEvent{ObjectKind: "build", BuildID: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJobURL(t *testing.T) {
	e := JobEvent{BuildID: 42, Repository: EventRepo{Homepage: "https://gitlab.example.com/group/proj/"}}
	want := "https://gitlab.example.com/group/proj/-/jobs/42"
	if got := e.JobURL(); got != want {
		t.Errorf("JobURL() = %q, want %q", got, want)
	}
}

func TestFinishedAt(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	j := PlatformJob{StartedAt: &start, Duration: 90.5}
	want := start.Add(90*time.Second + 500*time.Millisecond)
	if got := j.FinishedAt(); !got.Equal(want) {
		t.Errorf("FinishedAt() = %v, want %v", got, want)
	}
}
