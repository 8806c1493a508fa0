package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/robfig/cron/v3"

	"market_intel/config"
	"market_intel/models"
	"market_intel/scraper"
	"market_intel/services"
	"market_intel/storage"
)

// Submitter starts a scrape job for a tenant.
type Submitter interface {
	Submit(ctx context.Context, orgID string, platforms []string) (*models.ScrapeJob, error)
}

// Scheduler submits jobs for tenants whose cron schedule is due.
type Scheduler struct {
	cfg       config.SchedulerConfig
	store     storage.OrgConfigStore
	submitter Submitter
	cron      *cron.Cron
	now       func() time.Time

	mu sync.Mutex // one tick at a time
}

func New(cfg config.SchedulerConfig, store storage.OrgConfigStore, submitter Submitter) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		submitter: submitter,
		cron:      cron.New(),
		now:       time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Cron == "" {
		log.Info().Msg("No schedule configured, jobs start only on request")
		return nil
	}

	log.Info().Str("cron", s.cfg.Cron).Int("max_consecutive_failures", s.cfg.MaxConsecutiveFailures).Msg("Starting scheduler")
	_, err := s.cron.AddFunc(s.cfg.Cron, func() {
		if _, err := s.Tick(ctx); err != nil {
			log.Error().Err(err).Msg("Scheduled run error")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron and waits for a running tick to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Tick submits a job for every due tenant and returns the submitted job ids.
// Tenants with an active job or a broken configuration are skipped.
func (s *Scheduler) Tick(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	due, err := s.store.ListDueOrgConfigs(ctx, now, s.cfg.MaxConsecutiveFailures)
	if err != nil {
		return nil, fmt.Errorf("list due orgs: %w", err)
	}

	var submitted []string
	for i := range due {
		org := &due[i]
		job, err := s.submitter.Submit(ctx, org.OrgID, nil)
		var active *storage.ActiveJobError
		var cfgErr *scraper.ConfigError
		switch {
		case err == nil:
			submitted = append(submitted, job.ID)
			log.Info().Str("org_id", org.OrgID).Str("job_id", job.ID).Msg("Scheduled scrape submitted")
		case errors.As(err, &active):
			log.Info().Str("org_id", org.OrgID).Str("job_id", active.JobID).Msg("Scheduled scrape skipped, job already active")
		case errors.As(err, &cfgErr):
			log.Warn().Str("org_id", org.OrgID).Str("reason", cfgErr.Reason).Msg("Scheduled scrape skipped, invalid config")
			s.postpone(ctx, org, now)
		default:
			log.Error().Err(err).Str("org_id", org.OrgID).Msg("Scheduled scrape failed to start")
		}
	}
	return submitted, nil
}

// postpone moves a tenant that cannot run to its next slot so it is not
// retried on every tick.
func (s *Scheduler) postpone(ctx context.Context, org *models.OrgScrapeConfig, now time.Time) {
	next, err := services.NextRun(org.Schedule, now)
	if err != nil || next == nil {
		return
	}
	if err := s.store.UpdateOrgRunStatus(ctx, org.OrgID, org.RunStatus, org.ConsecutiveFailures, nil, next); err != nil {
		log.Warn().Err(err).Str("org_id", org.OrgID).Msg("Failed to postpone scheduled scrape")
	}
}
