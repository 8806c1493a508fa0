package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"market_intel/models"
)

var (
	// ErrNotCancellable is returned when cancelling a job that is already terminal.
	ErrNotCancellable = errors.New("job is not cancellable")
	// ErrJobTerminal is returned when writing progress to a job that is no longer active.
	ErrJobTerminal = errors.New("job is no longer active")
	// ErrJobNotFound is returned by transitions on an unknown job id.
	ErrJobNotFound = errors.New("job not found")
)

// ActiveJobError reports that the tenant already has a PENDING or RUNNING job.
type ActiveJobError struct {
	OrgID string
	JobID string
}

func (e *ActiveJobError) Error() string {
	return fmt.Sprintf("org %s already has an active scrape job %s", e.OrgID, e.JobID)
}

// JobStore persists scrape jobs. Status writes are conditional so that a
// terminal job is never modified again.
type JobStore interface {
	// CreateJob inserts a PENDING job, or returns *ActiveJobError when the
	// tenant already has an active one.
	CreateJob(ctx context.Context, job *models.ScrapeJob) error
	GetJob(ctx context.Context, id string) (*models.ScrapeJob, error)
	GetActiveJob(ctx context.Context, orgID string) (*models.ScrapeJob, error)
	ListJobs(ctx context.Context, orgID string, limit int) ([]models.ScrapeJob, error)
	// ListActiveJobs returns the PENDING and RUNNING jobs of every tenant that
	// were launched on the named substrate, oldest first.
	ListActiveJobs(ctx context.Context, substrate string) ([]models.ScrapeJob, error)
	// MarkJobRunning moves PENDING to RUNNING. It returns ErrJobTerminal if the job
	// is no longer pending.
	MarkJobRunning(ctx context.Context, id string, at time.Time) error
	// SaveJobProgress writes progress, current platform and action of an active job.
	SaveJobProgress(ctx context.Context, job *models.ScrapeJob) error
	// FinishJob writes the terminal status with the final progress of an active job.
	FinishJob(ctx context.Context, job *models.ScrapeJob) error
	CancelJob(ctx context.Context, id, message string, at time.Time) error
	SetExternalRunID(ctx context.Context, id, runID string) error
}

// ListingStore persists canonical listings keyed by (org, platform, source id).
type ListingStore interface {
	GetListing(ctx context.Context, key models.ListingKey) (*models.CanonicalListing, error)
	SaveListing(ctx context.Context, l *models.CanonicalListing) error
	ListActiveListingIDs(ctx context.Context, orgID, platform string) ([]string, error)
	DeactivateListings(ctx context.Context, orgID, platform string, ids []string, at time.Time) (int, error)
}

// AuditStore is the append-only per-platform run log.
type AuditStore interface {
	AppendRunAudit(ctx context.Context, audit *models.RunAudit) error
	ListRunAudits(ctx context.Context, orgID string, limit int) ([]models.RunAudit, error)
}

// OrgConfigStore holds tenant scrape configuration.
type OrgConfigStore interface {
	GetOrgConfig(ctx context.Context, orgID string) (*models.OrgScrapeConfig, error)
	SaveOrgConfig(ctx context.Context, cfg *models.OrgScrapeConfig) error
	// UpdateOrgRunStatus records the outcome of a run. Nil timestamps keep the stored value.
	UpdateOrgRunStatus(ctx context.Context, orgID string, status models.RunStatus, consecutiveFailures int, lastRunAt, nextRunAt *time.Time) error
	// ListDueOrgConfigs returns enabled, scheduled tenants whose next run is due
	// and whose failure streak is below maxFailures (0 disables the limit).
	ListDueOrgConfigs(ctx context.Context, now time.Time, maxFailures int) ([]models.OrgScrapeConfig, error)
}

// Store is the complete record store the orchestrator depends on.
type Store interface {
	JobStore
	ListingStore
	AuditStore
	OrgConfigStore
	Close() error
}

// New opens the store selected by driver.
func New(ctx context.Context, driver, databaseURL, dbPath string) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgresStore(ctx, databaseURL)
	case "sqlite":
		return NewSQLiteStore(dbPath)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}
