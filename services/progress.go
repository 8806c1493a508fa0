package services

import (
	"context"
	"math"
	"time"

	"market_intel/models"
)

type ProgressSummary struct {
	TotalAnalyzed int      `json:"totalAnalyzed"`
	TotalPassed   int      `json:"totalPassed"`
	TotalFailed   int      `json:"totalFailed"`
	UniqueErrors  []string `json:"uniqueErrors"`
}

// ProgressReport is the polling view of a job.
type ProgressReport struct {
	JobID           string                             `json:"jobId"`
	OrgID           string                             `json:"orgId"`
	Status          models.JobStatus                   `json:"status"`
	Platforms       []string                           `json:"platforms"`
	CurrentPlatform *string                            `json:"currentPlatform"`
	CurrentAction   *models.CurrentAction              `json:"currentAction"`
	Progress        map[string]models.PlatformProgress `json:"progress"`
	Summary         ProgressSummary                    `json:"summary"`
	StartedAt       *time.Time                         `json:"startedAt"`
	CompletedAt     *time.Time                         `json:"completedAt"`
	ElapsedSeconds  float64                            `json:"elapsedSeconds"`
	ErrorMessage    *string                            `json:"errorMessage"`
}

// StatusSummary is the tenant-level view; no active job is required.
type StatusSummary struct {
	Config     *models.OrgScrapeConfig `json:"config"`
	ActiveJob  *ProgressReport         `json:"activeJob"`
	LatestJob  *ProgressReport         `json:"latestJob"`
	RecentJobs []ProgressReport        `json:"recentJobs"`
	RunAudits  []models.RunAudit       `json:"runAudits"`
}

// ReporterStore is the read side of the record store.
type ReporterStore interface {
	GetJob(ctx context.Context, id string) (*models.ScrapeJob, error)
	GetActiveJob(ctx context.Context, orgID string) (*models.ScrapeJob, error)
	ListJobs(ctx context.Context, orgID string, limit int) ([]models.ScrapeJob, error)
	ListRunAudits(ctx context.Context, orgID string, limit int) ([]models.RunAudit, error)
	GetOrgConfig(ctx context.Context, orgID string) (*models.OrgScrapeConfig, error)
}

type Reporter struct {
	store   ReporterStore
	history int
	now     func() time.Time
}

func NewReporter(store ReporterStore, history int) *Reporter {
	if history <= 0 {
		history = 10
	}
	return &Reporter{store: store, history: history, now: time.Now}
}

// Progress returns nil, nil for an unknown job.
func (r *Reporter) Progress(ctx context.Context, jobID string) (*ProgressReport, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return nil, err
	}
	report := BuildReport(job, r.now())
	return &report, nil
}

func (r *Reporter) Status(ctx context.Context, orgID string) (*StatusSummary, error) {
	cfg, err := r.store.GetOrgConfig(ctx, orgID)
	if err != nil {
		return nil, err
	}
	jobs, err := r.store.ListJobs(ctx, orgID, r.history)
	if err != nil {
		return nil, err
	}
	audits, err := r.store.ListRunAudits(ctx, orgID, r.history*5)
	if err != nil {
		return nil, err
	}

	now := r.now()
	summary := &StatusSummary{
		Config:     cfg,
		RecentJobs: make([]ProgressReport, 0, len(jobs)),
		RunAudits:  audits,
	}
	if summary.RunAudits == nil {
		summary.RunAudits = []models.RunAudit{}
	}
	for i := range jobs {
		report := BuildReport(&jobs[i], now)
		summary.RecentJobs = append(summary.RecentJobs, report)
		if !jobs[i].Status.IsTerminal() && summary.ActiveJob == nil {
			active := report
			summary.ActiveJob = &active
		}
	}
	if len(summary.RecentJobs) > 0 {
		latest := summary.RecentJobs[0]
		summary.LatestJob = &latest
	}
	return summary, nil
}

// BuildReport derives the aggregate summary from a job snapshot.
func BuildReport(job *models.ScrapeJob, now time.Time) ProgressReport {
	report := ProgressReport{
		JobID:           job.ID,
		OrgID:           job.OrgID,
		Status:          job.Status,
		Platforms:       append([]string{}, job.Platforms...),
		CurrentPlatform: job.CurrentPlatform,
		CurrentAction:   job.CurrentAction,
		Progress:        make(map[string]models.PlatformProgress, len(job.Progress)),
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		Summary:         ProgressSummary{UniqueErrors: []string{}},
	}
	if job.ErrorMessage != "" {
		msg := job.ErrorMessage
		report.ErrorMessage = &msg
	}

	seen := make(map[string]bool)
	for _, platform := range orderedPlatforms(job) {
		p := job.Progress[platform].Clone()
		report.Progress[platform] = p
		report.Summary.TotalAnalyzed += p.Total
		report.Summary.TotalPassed += p.Passed
		report.Summary.TotalFailed += p.Failed
		for _, e := range p.Errors {
			if !seen[e] {
				seen[e] = true
				report.Summary.UniqueErrors = append(report.Summary.UniqueErrors, e)
			}
		}
	}

	if job.StartedAt != nil {
		end := now
		if job.CompletedAt != nil {
			end = *job.CompletedAt
		}
		elapsed := end.Sub(*job.StartedAt).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		report.ElapsedSeconds = math.Round(elapsed*10) / 10
	}
	return report
}

// orderedPlatforms lists the job's platforms in configured order, then any
// progress entries outside it.
func orderedPlatforms(job *models.ScrapeJob) []string {
	out := append([]string{}, job.Platforms...)
	listed := make(map[string]bool, len(out))
	for _, p := range out {
		listed[p] = true
	}
	for p := range job.Progress {
		if !listed[p] {
			out = append(out, p)
		}
	}
	return out
}
