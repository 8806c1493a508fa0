package models

import (
	"time"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether the job can no longer change.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ActiveJobStatuses are the only states that count against the one-job-per-tenant rule.
var ActiveJobStatuses = []JobStatus{JobStatusPending, JobStatusRunning}

type PlatformStatus string

const (
	PlatformStatusPending   PlatformStatus = "pending"
	PlatformStatusRunning   PlatformStatus = "running"
	PlatformStatusCompleted PlatformStatus = "completed"
	PlatformStatusFailed    PlatformStatus = "failed"
)

// rank orders platform statuses so that progress never moves backwards.
func (s PlatformStatus) rank() int {
	switch s {
	case PlatformStatusRunning:
		return 1
	case PlatformStatusCompleted, PlatformStatusFailed:
		return 2
	default:
		return 0
	}
}

// IsDone reports whether the platform pass has finished, successfully or not.
func (s PlatformStatus) IsDone() bool {
	return s == PlatformStatusCompleted || s == PlatformStatusFailed
}

// MaxPlatformErrors caps the deduplicated error list kept per platform.
const MaxPlatformErrors = 20

// PlatformProgress is the per-platform counter set of a job.
type PlatformProgress struct {
	Status PlatformStatus `json:"status"`
	Total  int            `json:"total"`
	Passed int            `json:"passed"`
	Failed int            `json:"failed"`
	Errors []string       `json:"errors"`
}

// ProgressDelta is one increment applied to a PlatformProgress.
type ProgressDelta struct {
	Platform string         `json:"platform"`
	Status   PlatformStatus `json:"status,omitempty"`
	Total    int            `json:"total,omitempty"`
	Passed   int            `json:"passed,omitempty"`
	Failed   int            `json:"failed,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Merge applies a delta. Counters only grow, the status only advances and
// errors are deduplicated and capped.
func (p PlatformProgress) Merge(d ProgressDelta) PlatformProgress {
	out := p.Clone()
	if d.Status != "" && d.Status.rank() > out.Status.rank() {
		out.Status = d.Status
	}
	if d.Total > 0 {
		out.Total += d.Total
	}
	if d.Passed > 0 {
		out.Passed += d.Passed
	}
	if d.Failed > 0 {
		out.Failed += d.Failed
	}
	if d.Error != "" && len(out.Errors) < MaxPlatformErrors && !containsString(out.Errors, d.Error) {
		out.Errors = append(out.Errors, d.Error)
	}
	return out
}

func (p PlatformProgress) Clone() PlatformProgress {
	out := p
	out.Errors = append([]string{}, p.Errors...)
	return out
}

type ActionType string

const (
	ActionInitializing ActionType = "initializing"
	ActionConnecting   ActionType = "connecting"
	ActionScrolling    ActionType = "scrolling"
	ActionExtracting   ActionType = "extracting"
	ActionAnalyzing    ActionType = "analyzing"
	ActionSaving       ActionType = "saving"
	ActionWaiting      ActionType = "waiting"
)

// CurrentAction is the transient "what is happening now" annotation shown to users.
type CurrentAction struct {
	Type         ActionType `json:"type"`
	Message      string     `json:"message"`
	ListingTitle string     `json:"listingTitle,omitempty"`
	Platform     string     `json:"platform,omitempty"`
	Page         int        `json:"page,omitempty"`
}

type ScrapeJob struct {
	ID              string                      `json:"id" db:"id"`
	OrgID           string                      `json:"org_id" db:"org_id"`
	Status          JobStatus                   `json:"status" db:"status"`
	Platforms       []string                    `json:"platforms" db:"platforms"`
	CurrentPlatform *string                     `json:"current_platform" db:"current_platform"`
	CurrentAction   *CurrentAction              `json:"current_action" db:"current_action"`
	Progress        map[string]PlatformProgress `json:"progress" db:"progress"`
	Substrate       string                      `json:"substrate" db:"substrate"`
	ExternalRunID   string                      `json:"external_run_id" db:"external_run_id"`
	CreatedAt       time.Time                   `json:"created_at" db:"created_at"`
	StartedAt       *time.Time                  `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time                  `json:"completed_at" db:"completed_at"`
	ErrorMessage    string                      `json:"error_message" db:"error_message"`
}

// NewProgress returns a pending progress entry for every platform.
func NewProgress(platforms []string) map[string]PlatformProgress {
	progress := make(map[string]PlatformProgress, len(platforms))
	for _, p := range platforms {
		progress[p] = PlatformProgress{Status: PlatformStatusPending, Errors: []string{}}
	}
	return progress
}

// Clone returns a deep copy safe to hand to another goroutine.
func (j *ScrapeJob) Clone() *ScrapeJob {
	if j == nil {
		return nil
	}
	out := *j
	out.Platforms = append([]string{}, j.Platforms...)
	out.Progress = make(map[string]PlatformProgress, len(j.Progress))
	for k, v := range j.Progress {
		out.Progress[k] = v.Clone()
	}
	if j.CurrentPlatform != nil {
		p := *j.CurrentPlatform
		out.CurrentPlatform = &p
	}
	if j.CurrentAction != nil {
		a := *j.CurrentAction
		out.CurrentAction = &a
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
