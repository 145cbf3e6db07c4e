package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// BuildTiming is the install timer of one package built by a job, as
// written to the job's timing artifact
type BuildTiming struct {
	Name   string       `json:"name"`
	Hash   string       `json:"hash"`
	Cache  bool         `json:"cache"`
	Total  TimerSeconds `json:"total"`
	Phases []TimerPhase `json:"phases"`
}

// TimerPhase is one named phase of a package install. Subphase paths are
// nested under their parent with a slash.
type TimerPhase struct {
	Name    string  `json:"name"`
	Path    string  `json:"path"`
	Seconds float64 `json:"seconds"`
	Count   int     `json:"count"`
}

// IsSubphase reports whether the phase is nested inside another phase
func (p TimerPhase) IsSubphase() bool {
	return strings.Contains(p.Path, "/")
}

// RatioOfTotal returns the share of the package total spent in the phase,
// or nil when the total is unknown
func (t BuildTiming) RatioOfTotal(p TimerPhase) *float64 {
	if t.Total <= 0 {
		return nil
	}
	r := p.Seconds / float64(t.Total)
	return &r
}

// TimerSeconds accepts both a bare number of seconds and the
// {"seconds": n, "count": n} object newer timers write
type TimerSeconds float64

func (s *TimerSeconds) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			Seconds float64 `json:"seconds"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*s = TimerSeconds(obj.Seconds)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*s = TimerSeconds(f)
	return nil
}

// ParseBuildTimings decodes a timing artifact. The artifact is a list of
// package timers; a single timer object is accepted as a one element list.
// Entries without a package name are dropped.
func ParseBuildTimings(data []byte) ([]BuildTiming, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var timings []BuildTiming
	if data[0] == '{' {
		var one BuildTiming
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, fmt.Errorf("failed to decode build timing: %w", err)
		}
		timings = []BuildTiming{one}
	} else if err := json.Unmarshal(data, &timings); err != nil {
		return nil, fmt.Errorf("failed to decode build timings: %w", err)
	}

	out := timings[:0]
	for _, t := range timings {
		if t.Name == "" {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
