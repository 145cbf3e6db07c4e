package models

import (
	"time"
)

// DateDimension is one calendar day, keyed by YYYYMMDD
type DateDimension struct {
	DateKey    int64     `json:"date_key"`
	Date       time.Time `json:"date"`
	Year       int       `json:"year"`
	Quarter    int       `json:"quarter"`
	Month      int       `json:"month"`
	MonthName  string    `json:"month_name"`
	DayOfMonth int       `json:"day_of_month"`
	DayOfWeek  int       `json:"day_of_week"`
	DayName    string    `json:"day_name"`
	DayOfYear  int       `json:"day_of_year"`
	WeekOfYear int       `json:"week_of_year"`
	IsWeekend  bool      `json:"is_weekend"`
}

// DateKey truncates t to its UTC calendar date and encodes it as YYYYMMDD
func DateKey(t time.Time) int64 {
	t = t.UTC()
	return int64(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

// NewDateDimension builds the date row for the UTC day containing t
func NewDateDimension(t time.Time) DateDimension {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	_, week := day.ISOWeek()
	weekday := day.Weekday()
	return DateDimension{
		DateKey:    DateKey(day),
		Date:       day,
		Year:       day.Year(),
		Quarter:    (int(day.Month())-1)/3 + 1,
		Month:      int(day.Month()),
		MonthName:  day.Month().String(),
		DayOfMonth: day.Day(),
		DayOfWeek:  int(weekday),
		DayName:    weekday.String(),
		DayOfYear:  day.YearDay(),
		WeekOfYear: week,
		IsWeekend:  weekday == time.Saturday || weekday == time.Sunday,
	}
}

// TimeDimension is one second of the day, keyed by HHMMSS
type TimeDimension struct {
	TimeKey int64  `json:"time_key"`
	Time    string `json:"time"`
	Hour    int    `json:"hour"`
	Minute  int    `json:"minute"`
	Second  int    `json:"second"`
	AmOrPm  string `json:"am_or_pm"`
	Hour12  int    `json:"hour_12"`
}

// TimeKey truncates t to its UTC second of day and encodes it as HHMMSS
func TimeKey(t time.Time) int64 {
	t = t.UTC()
	return int64(t.Hour()*10000 + t.Minute()*100 + t.Second())
}

// NewTimeDimension builds the time-of-day row for t
func NewTimeDimension(t time.Time) TimeDimension {
	t = t.UTC()
	ampm := "AM"
	if t.Hour() >= 12 {
		ampm = "PM"
	}
	hour12 := t.Hour() % 12
	if hour12 == 0 {
		hour12 = 12
	}
	return TimeDimension{
		TimeKey: TimeKey(t),
		Time:    t.Format("15:04:05"),
		Hour:    t.Hour(),
		Minute:  t.Minute(),
		Second:  t.Second(),
		AmOrPm:  ampm,
		Hour12:  hour12,
	}
}

// NodeKey is the natural key of a node row
type NodeKey struct {
	SystemUUID   string `json:"system_uuid"`
	Name         string `json:"name"`
	CPU          int64  `json:"cpu"`
	Memory       int64  `json:"memory"`
	CapacityType string `json:"capacity_type"`
	InstanceType string `json:"instance_type"`
}

// IsEmpty reports whether the key is the unknown node sentinel
func (k NodeKey) IsEmpty() bool {
	return k == NodeKey{}
}

// NodeDimension is a stored node row
type NodeDimension struct {
	ID int64 `json:"id"`
	NodeKey
}

// RunnerDimension is a stored runner row. The sentinel row has ID 0 and an
// empty name.
type RunnerDimension struct {
	RunnerID  int64    `json:"runner_id"`
	Name      string   `json:"name"`
	Platform  string   `json:"platform"`
	Host      string   `json:"host"`
	Arch      string   `json:"arch"`
	Tags      []string `json:"tags"`
	InCluster bool     `json:"in_cluster"`
}

// PackageDimension is a stored package row
type PackageDimension struct {
	ID int64 `json:"id"`
	PackageInfo
}

// JobDataDimension is the immutable metadata row of one job
type JobDataDimension struct {
	JobID                int64     `json:"job_id"`
	CommitID             int64     `json:"commit_id"`
	JobURL               string    `json:"job_url"`
	Name                 string    `json:"name"`
	Ref                  string    `json:"ref"`
	Tags                 []string  `json:"tags"`
	JobSize              string    `json:"job_size"`
	Stack                string    `json:"stack"`
	IsRetry              bool      `json:"is_retry"`
	IsManualRetry        bool      `json:"is_manual_retry"`
	AttemptNumber        int       `json:"attempt_number"`
	FinalAttempt         bool      `json:"final_attempt"`
	Status               JobStatus `json:"status"`
	FailureReason        string    `json:"failure_reason"`
	ErrorTaxonomy        *string   `json:"error_taxonomy,omitempty"`
	ErrorTaxonomyVersion string    `json:"error_taxonomy_version"`
	Unnecessary          bool      `json:"unnecessary"`
	PodName              string    `json:"pod_name"`
	GitlabRunnerVersion  string    `json:"gitlab_runner_version"`
	IsBuild              bool      `json:"is_build"`
	CreatedAt            time.Time `json:"created_at"`
}
