package domain

import "time"

// Region is an opaque query scope identifier (an ISO country code in
// practice). The configured set is immutable for the process lifetime.
type Region string

type TrackStat struct {
	TrackID    string `json:"track_id"`
	Name       string `json:"name"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	Rank       int    `json:"rank"`
	Popularity int    `json:"popularity"`
	DurationMS int    `json:"duration_ms"`
	Explicit   bool   `json:"explicit"`
}

// ChartSnapshot is one region's fetched result. Tracks are ordered by
// rank as returned by the upstream API.
type ChartSnapshot struct {
	Region       Region      `json:"region"`
	RegionName   string      `json:"region_name"`
	Tracks       []TrackStat `json:"tracks"`
	FetchedAtUTC time.Time   `json:"fetched_at_utc"`
}

type CycleState int

const (
	CycleIdle CycleState = iota
	CycleRunning
	CycleCompleted
	CyclePartiallyFailed
)

func (s CycleState) String() string {
	switch s {
	case CycleIdle:
		return "Idle"
	case CycleRunning:
		return "Running"
	case CycleCompleted:
		return "Completed"
	case CyclePartiallyFailed:
		return "PartiallyFailed"
	default:
		return "Unknown"
	}
}

type RegionOutcome struct {
	Region Region
	Err    error
}

// Reason returns the failure reason, empty for a successful region.
func (o RegionOutcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// CycleResult is the aggregate outcome of one orchestration pass.
// It lives in process memory only, last cycle wins.
type CycleResult struct {
	CycleID       string
	State         CycleState
	Succeeded     []Region
	Failed        []RegionOutcome
	StartedAtUTC  time.Time
	FinishedAtUTC time.Time
}
