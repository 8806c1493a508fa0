package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"market_intel/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS scrape_jobs (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		status TEXT NOT NULL,
		platforms TEXT[] NOT NULL,
		current_platform TEXT,
		current_action JSONB,
		progress JSONB NOT NULL DEFAULT '{}',
		substrate TEXT NOT NULL DEFAULT 'inline',
		external_run_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_scrape_jobs_one_active
		ON scrape_jobs(org_id) WHERE status IN ('PENDING', 'RUNNING');
	CREATE INDEX IF NOT EXISTS idx_scrape_jobs_org ON scrape_jobs(org_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS market_listings (
		org_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		source_listing_id TEXT NOT NULL,
		title TEXT,
		url TEXT,
		price BIGINT,
		price_text TEXT,
		previous_price BIGINT,
		address TEXT,
		area TEXT,
		size_m2 DOUBLE PRECISION,
		bedrooms INTEGER,
		property_type TEXT,
		transaction_type TEXT,
		images TEXT[],
		content_hash TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		price_changed_at TIMESTAMPTZ,
		deactivated_at TIMESTAMPTZ,
		PRIMARY KEY (org_id, platform, source_listing_id)
	);

	CREATE INDEX IF NOT EXISTS idx_market_listings_active ON market_listings(org_id, platform) WHERE is_active;

	CREATE TABLE IF NOT EXISTS scrape_run_audits (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		org_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL,
		listings_found INTEGER NOT NULL,
		listings_new INTEGER NOT NULL,
		updated INTEGER NOT NULL,
		price_changes INTEGER NOT NULL,
		deactivated INTEGER NOT NULL,
		errors_count INTEGER NOT NULL,
		errors JSONB NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_scrape_run_audits_org ON scrape_run_audits(org_id, finished_at DESC);

	CREATE TABLE IF NOT EXISTS org_scrape_configs (
		org_id TEXT PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		platforms TEXT[] NOT NULL,
		filters JSONB NOT NULL DEFAULT '{}',
		max_pages INTEGER NOT NULL DEFAULT 5,
		schedule TEXT NOT NULL DEFAULT '',
		failure_threshold DOUBLE PRECISION NOT NULL DEFAULT 1,
		run_status TEXT NOT NULL DEFAULT 'idle',
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_run_at TIMESTAMPTZ,
		next_run_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// Jobs
// =============================================================================

const jobColumns = `id, org_id, status, platforms, current_platform, current_action, progress,
	substrate, external_run_id, created_at, started_at, completed_at, error_message`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.ScrapeJob) error {
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	query := `
		INSERT INTO scrape_jobs (id, org_id, status, platforms, progress, substrate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = s.pool.Exec(ctx, query,
		job.ID, job.OrgID, job.Status, job.Platforms, progress, job.Substrate, job.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		active, getErr := s.GetActiveJob(ctx, job.OrgID)
		if getErr != nil {
			return fmt.Errorf("lookup active job: %w", getErr)
		}
		conflict := &ActiveJobError{OrgID: job.OrgID}
		if active != nil {
			conflict.JobID = active.ID
		}
		return conflict
	}
	return err
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.ScrapeJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func (s *PostgresStore) GetActiveJob(ctx context.Context, orgID string) (*models.ScrapeJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM scrape_jobs
		WHERE org_id = $1 AND status IN ('PENDING', 'RUNNING')
		ORDER BY created_at DESC LIMIT 1`, orgID)
	job, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func (s *PostgresStore) ListJobs(ctx context.Context, orgID string, limit int) ([]models.ScrapeJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM scrape_jobs
		WHERE org_id = $1 ORDER BY created_at DESC LIMIT NULLIF($2, 0)`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.ScrapeJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) ListActiveJobs(ctx context.Context, substrate string) ([]models.ScrapeJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM scrape_jobs
		WHERE substrate = $1 AND status IN ('PENDING', 'RUNNING')
		ORDER BY created_at`, substrate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.ScrapeJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) MarkJobRunning(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_jobs SET status = 'RUNNING', started_at = COALESCE(started_at, $2)
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')`, id, at)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, id, tag)
}

func (s *PostgresStore) SaveJobProgress(ctx context.Context, job *models.ScrapeJob) error {
	progress, action, err := marshalJobState(job)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_jobs SET progress = $2, current_platform = $3, current_action = $4
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')`,
		job.ID, progress, job.CurrentPlatform, action)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, job.ID, tag)
}

func (s *PostgresStore) FinishJob(ctx context.Context, job *models.ScrapeJob) error {
	progress, action, err := marshalJobState(job)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_jobs SET status = $2, progress = $3, current_platform = $4, current_action = $5,
			completed_at = $6, error_message = $7, started_at = COALESCE(started_at, $8)
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')`,
		job.ID, job.Status, progress, job.CurrentPlatform, action,
		job.CompletedAt, job.ErrorMessage, job.StartedAt)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, job.ID, tag)
}

func (s *PostgresStore) CancelJob(ctx context.Context, id, message string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_jobs SET status = 'CANCELLED', error_message = $2, completed_at = $3
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')`, id, message, at)
	if err != nil {
		return err
	}
	if err := s.checkTransition(ctx, id, tag); err != nil {
		if errors.Is(err, ErrJobTerminal) {
			return ErrNotCancellable
		}
		return err
	}
	return nil
}

func (s *PostgresStore) SetExternalRunID(ctx context.Context, id, runID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE scrape_jobs SET external_run_id = $2 WHERE id = $1`, id, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// checkTransition distinguishes an unknown job from a terminal one after a
// conditional update touched no rows.
func (s *PostgresStore) checkTransition(ctx context.Context, id string, tag pgconn.CommandTag) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM scrape_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrJobNotFound
	}
	return ErrJobTerminal
}

func scanJob(row pgx.Row) (*models.ScrapeJob, error) {
	var j models.ScrapeJob
	var action, progress []byte
	err := row.Scan(
		&j.ID, &j.OrgID, &j.Status, &j.Platforms, &j.CurrentPlatform, &action, &progress,
		&j.Substrate, &j.ExternalRunID, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJobState(&j, progress, action); err != nil {
		return nil, err
	}
	return &j, nil
}

func marshalJobState(job *models.ScrapeJob) (progress, action []byte, err error) {
	progress, err = json.Marshal(job.Progress)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal progress: %w", err)
	}
	if job.CurrentAction != nil {
		action, err = json.Marshal(job.CurrentAction)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal action: %w", err)
		}
	}
	return progress, action, nil
}

func unmarshalJobState(j *models.ScrapeJob, progress, action []byte) error {
	j.Progress = make(map[string]models.PlatformProgress)
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &j.Progress); err != nil {
			return fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	if len(action) > 0 {
		var a models.CurrentAction
		if err := json.Unmarshal(action, &a); err != nil {
			return fmt.Errorf("unmarshal action: %w", err)
		}
		j.CurrentAction = &a
	}
	return nil
}

// =============================================================================
// Listings
// =============================================================================

func (s *PostgresStore) GetListing(ctx context.Context, key models.ListingKey) (*models.CanonicalListing, error) {
	query := `
		SELECT org_id, platform, source_listing_id, title, url, price, price_text, previous_price,
			address, area, size_m2, bedrooms, property_type, transaction_type, images, content_hash,
			is_active, first_seen_at, last_seen_at, price_changed_at, deactivated_at
		FROM market_listings WHERE org_id = $1 AND platform = $2 AND source_listing_id = $3`

	var l models.CanonicalListing
	var title, url, priceText, address, area, propertyType, transactionType, contentHash *string
	err := s.pool.QueryRow(ctx, query, key.OrgID, key.Platform, key.SourceListingID).Scan(
		&l.OrgID, &l.Platform, &l.SourceListingID, &title, &url, &l.Price, &priceText, &l.PreviousPrice,
		&address, &area, &l.SizeM2, &l.Bedrooms, &propertyType, &transactionType, &l.Images, &contentHash,
		&l.IsActive, &l.FirstSeenAt, &l.LastSeenAt, &l.PriceChangedAt, &l.DeactivatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.Title = deref(title)
	l.URL = deref(url)
	l.PriceText = deref(priceText)
	l.Address = deref(address)
	l.Area = deref(area)
	l.PropertyType = deref(propertyType)
	l.TransactionType = deref(transactionType)
	l.ContentHash = deref(contentHash)
	return &l, nil
}

func (s *PostgresStore) SaveListing(ctx context.Context, l *models.CanonicalListing) error {
	query := `
		INSERT INTO market_listings (
			org_id, platform, source_listing_id, title, url, price, price_text, previous_price,
			address, area, size_m2, bedrooms, property_type, transaction_type, images, content_hash,
			is_active, first_seen_at, last_seen_at, price_changed_at, deactivated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21
		)
		ON CONFLICT (org_id, platform, source_listing_id) DO UPDATE SET
			title = EXCLUDED.title,
			url = EXCLUDED.url,
			price = EXCLUDED.price,
			price_text = EXCLUDED.price_text,
			previous_price = EXCLUDED.previous_price,
			address = EXCLUDED.address,
			area = EXCLUDED.area,
			size_m2 = EXCLUDED.size_m2,
			bedrooms = EXCLUDED.bedrooms,
			property_type = EXCLUDED.property_type,
			transaction_type = EXCLUDED.transaction_type,
			images = EXCLUDED.images,
			content_hash = EXCLUDED.content_hash,
			is_active = EXCLUDED.is_active,
			last_seen_at = EXCLUDED.last_seen_at,
			price_changed_at = EXCLUDED.price_changed_at,
			deactivated_at = EXCLUDED.deactivated_at`

	_, err := s.pool.Exec(ctx, query,
		l.OrgID, l.Platform, l.SourceListingID, l.Title, l.URL, l.Price, l.PriceText, l.PreviousPrice,
		l.Address, l.Area, l.SizeM2, l.Bedrooms, l.PropertyType, l.TransactionType, l.Images, l.ContentHash,
		l.IsActive, l.FirstSeenAt, l.LastSeenAt, l.PriceChangedAt, l.DeactivatedAt,
	)
	return err
}

func (s *PostgresStore) ListActiveListingIDs(ctx context.Context, orgID, platform string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_listing_id FROM market_listings
		WHERE org_id = $1 AND platform = $2 AND is_active
		ORDER BY source_listing_id`, orgID, platform)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) DeactivateListings(ctx context.Context, orgID, platform string, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE market_listings SET is_active = FALSE, deactivated_at = $4
		WHERE org_id = $1 AND platform = $2 AND source_listing_id = ANY($3) AND is_active`,
		orgID, platform, ids, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// =============================================================================
// Run audits
// =============================================================================

func (s *PostgresStore) AppendRunAudit(ctx context.Context, a *models.RunAudit) error {
	errs, err := json.Marshal(a.Errors)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO scrape_run_audits (
			id, job_id, org_id, platform, status, started_at, finished_at, duration_ms,
			listings_found, listings_new, updated, price_changes, deactivated, errors_count, errors
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = s.pool.Exec(ctx, query,
		a.ID, a.JobID, a.OrgID, a.Platform, a.Status, a.StartedAt, a.FinishedAt, a.DurationMS,
		a.ListingsFound, a.ListingsNew, a.Updated, a.PriceChanges, a.Deactivated, a.ErrorsCount, errs,
	)
	return err
}

func (s *PostgresStore) ListRunAudits(ctx context.Context, orgID string, limit int) ([]models.RunAudit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, org_id, platform, status, started_at, finished_at, duration_ms,
			listings_found, listings_new, updated, price_changes, deactivated, errors_count, errors
		FROM scrape_run_audits WHERE org_id = $1
		ORDER BY finished_at DESC LIMIT NULLIF($2, 0)`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []models.RunAudit
	for rows.Next() {
		var a models.RunAudit
		var errs []byte
		if err := rows.Scan(
			&a.ID, &a.JobID, &a.OrgID, &a.Platform, &a.Status, &a.StartedAt, &a.FinishedAt, &a.DurationMS,
			&a.ListingsFound, &a.ListingsNew, &a.Updated, &a.PriceChanges, &a.Deactivated, &a.ErrorsCount, &errs,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(errs, &a.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal audit errors: %w", err)
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

// =============================================================================
// Org config
// =============================================================================

const orgColumns = `org_id, enabled, platforms, filters, max_pages, schedule, failure_threshold,
	run_status, consecutive_failures, last_run_at, next_run_at, updated_at`

func (s *PostgresStore) GetOrgConfig(ctx context.Context, orgID string) (*models.OrgScrapeConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orgColumns+` FROM org_scrape_configs WHERE org_id = $1`, orgID)
	cfg, err := scanOrgConfig(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return cfg, err
}

func (s *PostgresStore) SaveOrgConfig(ctx context.Context, cfg *models.OrgScrapeConfig) error {
	filters, err := json.Marshal(cfg.Filters)
	if err != nil {
		return err
	}
	runStatus := cfg.RunStatus
	if runStatus == "" {
		runStatus = models.RunStatusIdle
	}
	query := `
		INSERT INTO org_scrape_configs (
			org_id, enabled, platforms, filters, max_pages, schedule, failure_threshold,
			run_status, consecutive_failures, last_run_at, next_run_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (org_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			platforms = EXCLUDED.platforms,
			filters = EXCLUDED.filters,
			max_pages = EXCLUDED.max_pages,
			schedule = EXCLUDED.schedule,
			failure_threshold = EXCLUDED.failure_threshold,
			next_run_at = EXCLUDED.next_run_at,
			updated_at = NOW()`

	_, err = s.pool.Exec(ctx, query,
		cfg.OrgID, cfg.Enabled, cfg.Platforms, filters, cfg.MaxPages, cfg.Schedule, cfg.FailureThreshold,
		runStatus, cfg.ConsecutiveFailures, cfg.LastRunAt, cfg.NextRunAt,
	)
	return err
}

func (s *PostgresStore) UpdateOrgRunStatus(ctx context.Context, orgID string, status models.RunStatus, consecutiveFailures int, lastRunAt, nextRunAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE org_scrape_configs SET
			run_status = $2,
			consecutive_failures = $3,
			last_run_at = COALESCE($4, last_run_at),
			next_run_at = COALESCE($5, next_run_at),
			updated_at = NOW()
		WHERE org_id = $1`, orgID, status, consecutiveFailures, lastRunAt, nextRunAt)
	return err
}

func (s *PostgresStore) ListDueOrgConfigs(ctx context.Context, now time.Time, maxFailures int) ([]models.OrgScrapeConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orgColumns+` FROM org_scrape_configs
		WHERE enabled AND schedule <> ''
			AND (next_run_at IS NULL OR next_run_at <= $1)
			AND ($2 <= 0 OR consecutive_failures < $2)
		ORDER BY org_id`, now, maxFailures)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []models.OrgScrapeConfig
	for rows.Next() {
		cfg, err := scanOrgConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

func scanOrgConfig(row pgx.Row) (*models.OrgScrapeConfig, error) {
	var cfg models.OrgScrapeConfig
	var filters []byte
	err := row.Scan(
		&cfg.OrgID, &cfg.Enabled, &cfg.Platforms, &filters, &cfg.MaxPages, &cfg.Schedule, &cfg.FailureThreshold,
		&cfg.RunStatus, &cfg.ConsecutiveFailures, &cfg.LastRunAt, &cfg.NextRunAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &cfg.Filters); err != nil {
			return nil, fmt.Errorf("unmarshal filters: %w", err)
		}
	}
	return &cfg, nil
}
