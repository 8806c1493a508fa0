package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"market_intel/models"
)

// MemoryStore is an in-process Store. It keeps the same conditional-write
// contract as the SQL stores and backs tests and STORE_DRIVER=memory.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.ScrapeJob
	jobOrder []string
	listings map[models.ListingKey]*models.CanonicalListing
	audits   []models.RunAudit
	orgs     map[string]*models.OrgScrapeConfig
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*models.ScrapeJob),
		listings: make(map[models.ListingKey]*models.CanonicalListing),
		orgs:     make(map[string]*models.OrgScrapeConfig),
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

// =============================================================================
// Jobs
// =============================================================================

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.ScrapeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if active := s.activeJobLocked(job.OrgID); active != nil {
		return &ActiveJobError{OrgID: job.OrgID, JobID: active.ID}
	}

	s.jobs[job.ID] = job.Clone()
	s.jobOrder = append(s.jobOrder, job.ID)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.ScrapeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Clone(), nil
}

func (s *MemoryStore) GetActiveJob(ctx context.Context, orgID string) (*models.ScrapeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeJobLocked(orgID).Clone(), nil
}

func (s *MemoryStore) activeJobLocked(orgID string) *models.ScrapeJob {
	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if j.OrgID == orgID && !j.Status.IsTerminal() {
			return j
		}
	}
	return nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, orgID string, limit int) ([]models.ScrapeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []models.ScrapeJob
	for i := len(s.jobOrder) - 1; i >= 0; i-- {
		j := s.jobs[s.jobOrder[i]]
		if j.OrgID != orgID {
			continue
		}
		jobs = append(jobs, *j.Clone())
		if limit > 0 && len(jobs) >= limit {
			break
		}
	}
	return jobs, nil
}

func (s *MemoryStore) ListActiveJobs(ctx context.Context, substrate string) ([]models.ScrapeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []models.ScrapeJob
	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if j.Substrate == substrate && !j.Status.IsTerminal() {
			jobs = append(jobs, *j.Clone())
		}
	}
	return jobs, nil
}

func (s *MemoryStore) MarkJobRunning(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.activeLocked(id)
	if err != nil {
		return err
	}
	j.Status = models.JobStatusRunning
	if j.StartedAt == nil {
		j.StartedAt = &at
	}
	return nil
}

func (s *MemoryStore) SaveJobProgress(ctx context.Context, job *models.ScrapeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.activeLocked(job.ID)
	if err != nil {
		return err
	}
	c := job.Clone()
	j.Progress = c.Progress
	j.CurrentPlatform = c.CurrentPlatform
	j.CurrentAction = c.CurrentAction
	return nil
}

func (s *MemoryStore) FinishJob(ctx context.Context, job *models.ScrapeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.activeLocked(job.ID)
	if err != nil {
		return err
	}
	c := job.Clone()
	j.Status = c.Status
	j.Progress = c.Progress
	j.CurrentPlatform = c.CurrentPlatform
	j.CurrentAction = c.CurrentAction
	j.CompletedAt = c.CompletedAt
	j.ErrorMessage = c.ErrorMessage
	if j.StartedAt == nil {
		j.StartedAt = c.StartedAt
	}
	return nil
}

func (s *MemoryStore) CancelJob(ctx context.Context, id, message string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return ErrNotCancellable
	}
	j.Status = models.JobStatusCancelled
	j.ErrorMessage = message
	j.CompletedAt = &at
	return nil
}

func (s *MemoryStore) SetExternalRunID(ctx context.Context, id, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.ExternalRunID = runID
	return nil
}

func (s *MemoryStore) activeLocked(id string) (*models.ScrapeJob, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return nil, ErrJobTerminal
	}
	return j, nil
}

// =============================================================================
// Listings
// =============================================================================

func (s *MemoryStore) GetListing(ctx context.Context, key models.ListingKey) (*models.CanonicalListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[key]
	if !ok {
		return nil, nil
	}
	return cloneListing(l), nil
}

func (s *MemoryStore) SaveListing(ctx context.Context, l *models.CanonicalListing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.Key()] = cloneListing(l)
	return nil
}

func (s *MemoryStore) ListActiveListingIDs(ctx context.Context, orgID, platform string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for key, l := range s.listings {
		if key.OrgID == orgID && key.Platform == platform && l.IsActive {
			ids = append(ids, key.SourceListingID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) DeactivateListings(ctx context.Context, orgID, platform string, ids []string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, id := range ids {
		l, ok := s.listings[models.ListingKey{OrgID: orgID, Platform: platform, SourceListingID: id}]
		if !ok || !l.IsActive {
			continue
		}
		l.IsActive = false
		t := at
		l.DeactivatedAt = &t
		count++
	}
	return count, nil
}

func cloneListing(l *models.CanonicalListing) *models.CanonicalListing {
	out := *l
	out.Images = append([]string{}, l.Images...)
	return &out
}

// =============================================================================
// Run audits
// =============================================================================

func (s *MemoryStore) AppendRunAudit(ctx context.Context, audit *models.RunAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := *audit
	a.Errors = append([]string{}, audit.Errors...)
	s.audits = append(s.audits, a)
	return nil
}

func (s *MemoryStore) ListRunAudits(ctx context.Context, orgID string, limit int) ([]models.RunAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.RunAudit
	for i := len(s.audits) - 1; i >= 0; i-- {
		if s.audits[i].OrgID != orgID {
			continue
		}
		out = append(out, s.audits[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// Org config
// =============================================================================

func (s *MemoryStore) GetOrgConfig(ctx context.Context, orgID string) (*models.OrgScrapeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.orgs[orgID]
	if !ok {
		return nil, nil
	}
	out := *cfg
	return &out, nil
}

func (s *MemoryStore) SaveOrgConfig(ctx context.Context, cfg *models.OrgScrapeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *cfg
	c.UpdatedAt = time.Now()
	s.orgs[cfg.OrgID] = &c
	return nil
}

func (s *MemoryStore) UpdateOrgRunStatus(ctx context.Context, orgID string, status models.RunStatus, consecutiveFailures int, lastRunAt, nextRunAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.orgs[orgID]
	if !ok {
		return nil
	}
	cfg.RunStatus = status
	cfg.ConsecutiveFailures = consecutiveFailures
	if lastRunAt != nil {
		t := *lastRunAt
		cfg.LastRunAt = &t
	}
	if nextRunAt != nil {
		t := *nextRunAt
		cfg.NextRunAt = &t
	}
	cfg.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListDueOrgConfigs(ctx context.Context, now time.Time, maxFailures int) ([]models.OrgScrapeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.OrgScrapeConfig
	for _, cfg := range s.orgs {
		if !cfg.Enabled || cfg.Schedule == "" {
			continue
		}
		if maxFailures > 0 && cfg.ConsecutiveFailures >= maxFailures {
			continue
		}
		if cfg.NextRunAt != nil && cfg.NextRunAt.After(now) {
			continue
		}
		due = append(due, *cfg)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].OrgID < due[j].OrgID })
	return due, nil
}
