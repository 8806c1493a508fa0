package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"market_intel/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scrape_jobs (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		status TEXT NOT NULL,
		platforms JSON NOT NULL,
		current_platform TEXT,
		current_action JSON,
		progress JSON NOT NULL DEFAULT '{}',
		substrate TEXT NOT NULL DEFAULT 'inline',
		external_run_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS market_listings (
		org_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		source_listing_id TEXT NOT NULL,
		data JSON NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		deactivated_at DATETIME,
		PRIMARY KEY (org_id, platform, source_listing_id)
	);

	CREATE TABLE IF NOT EXISTS scrape_run_audits (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		org_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		duration_ms INTEGER,
		listings_found INTEGER,
		listings_new INTEGER,
		updated INTEGER,
		price_changes INTEGER,
		deactivated INTEGER,
		errors_count INTEGER,
		errors JSON
	);

	CREATE TABLE IF NOT EXISTS org_scrape_configs (
		org_id TEXT PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		platforms JSON NOT NULL,
		filters JSON NOT NULL DEFAULT '{}',
		max_pages INTEGER NOT NULL DEFAULT 5,
		schedule TEXT NOT NULL DEFAULT '',
		failure_threshold REAL NOT NULL DEFAULT 1,
		run_status TEXT NOT NULL DEFAULT 'idle',
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_run_at DATETIME,
		next_run_at DATETIME,
		updated_at DATETIME
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active ON scrape_jobs(org_id) WHERE status IN ('PENDING', 'RUNNING');
	CREATE INDEX IF NOT EXISTS idx_jobs_org ON scrape_jobs(org_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_listings_active ON market_listings(org_id, platform, is_active);
	CREATE INDEX IF NOT EXISTS idx_audits_org ON scrape_run_audits(org_id, finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Jobs
// =============================================================================

const sqliteJobColumns = `id, org_id, status, platforms, current_platform, current_action, progress,
	substrate, external_run_id, created_at, started_at, completed_at, error_message`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.ScrapeJob) error {
	platforms, err := json.Marshal(job.Platforms)
	if err != nil {
		return fmt.Errorf("marshal platforms: %w", err)
	}
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scrape_jobs (id, org_id, status, platforms, progress, substrate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OrgID, string(job.Status), string(platforms), string(progress), job.Substrate, job.CreatedAt)

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
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

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.ScrapeJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM scrape_jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func (s *SQLiteStore) GetActiveJob(ctx context.Context, orgID string) (*models.ScrapeJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteJobColumns+` FROM scrape_jobs
		WHERE org_id = ? AND status IN ('PENDING', 'RUNNING')
		ORDER BY created_at DESC LIMIT 1`, orgID)
	job, err := scanSQLiteJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, orgID string, limit int) ([]models.ScrapeJob, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteJobColumns+` FROM scrape_jobs
		WHERE org_id = ? ORDER BY created_at DESC LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.ScrapeJob
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) ListActiveJobs(ctx context.Context, substrate string) ([]models.ScrapeJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteJobColumns+` FROM scrape_jobs
		WHERE substrate = ? AND status IN ('PENDING', 'RUNNING')
		ORDER BY created_at`, substrate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.ScrapeJob
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) MarkJobRunning(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scrape_jobs SET status = 'RUNNING', started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status IN ('PENDING', 'RUNNING')`, at, id)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, id, res)
}

func (s *SQLiteStore) SaveJobProgress(ctx context.Context, job *models.ScrapeJob) error {
	progress, action, err := marshalJobState(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scrape_jobs SET progress = ?, current_platform = ?, current_action = ?
		WHERE id = ? AND status IN ('PENDING', 'RUNNING')`,
		string(progress), job.CurrentPlatform, nullableJSON(action), job.ID)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, job.ID, res)
}

func (s *SQLiteStore) FinishJob(ctx context.Context, job *models.ScrapeJob) error {
	progress, action, err := marshalJobState(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scrape_jobs SET status = ?, progress = ?, current_platform = ?, current_action = ?,
			completed_at = ?, error_message = ?, started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status IN ('PENDING', 'RUNNING')`,
		string(job.Status), string(progress), job.CurrentPlatform, nullableJSON(action),
		job.CompletedAt, job.ErrorMessage, job.StartedAt, job.ID)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, job.ID, res)
}

func (s *SQLiteStore) CancelJob(ctx context.Context, id, message string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scrape_jobs SET status = 'CANCELLED', error_message = ?, completed_at = ?
		WHERE id = ? AND status IN ('PENDING', 'RUNNING')`, message, at, id)
	if err != nil {
		return err
	}
	if err := s.checkTransition(ctx, id, res); err != nil {
		if errors.Is(err, ErrJobTerminal) {
			return ErrNotCancellable
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) SetExternalRunID(ctx context.Context, id, runID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scrape_jobs SET external_run_id = ? WHERE id = ?`, runID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLiteStore) checkTransition(ctx context.Context, id string, res sql.Result) error {
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM scrape_jobs WHERE id = ?)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrJobNotFound
	}
	return ErrJobTerminal
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*models.ScrapeJob, error) {
	var j models.ScrapeJob
	var platforms string
	var currentPlatform, action sql.NullString
	var progress string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.OrgID, &j.Status, &platforms, &currentPlatform, &action, &progress,
		&j.Substrate, &j.ExternalRunID, &j.CreatedAt, &startedAt, &completedAt, &j.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(platforms), &j.Platforms); err != nil {
		return nil, fmt.Errorf("unmarshal platforms: %w", err)
	}
	if currentPlatform.Valid {
		j.CurrentPlatform = &currentPlatform.String
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	var actionBytes []byte
	if action.Valid {
		actionBytes = []byte(action.String)
	}
	if err := unmarshalJobState(&j, []byte(progress), actionBytes); err != nil {
		return nil, err
	}
	return &j, nil
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// =============================================================================
// Listings
// =============================================================================

// Listings are stored as a JSON document next to the key and activity columns,
// which are the only ones queried.

func (s *SQLiteStore) GetListing(ctx context.Context, key models.ListingKey) (*models.CanonicalListing, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM market_listings WHERE org_id = ? AND platform = ? AND source_listing_id = ?`,
		key.OrgID, key.Platform, key.SourceListingID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var l models.CanonicalListing
	if err := json.Unmarshal([]byte(data), &l); err != nil {
		return nil, fmt.Errorf("unmarshal listing: %w", err)
	}
	return &l, nil
}

func (s *SQLiteStore) SaveListing(ctx context.Context, l *models.CanonicalListing) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO market_listings (org_id, platform, source_listing_id, data, is_active, deactivated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, platform, source_listing_id) DO UPDATE SET
			data = excluded.data,
			is_active = excluded.is_active,
			deactivated_at = excluded.deactivated_at`,
		l.OrgID, l.Platform, l.SourceListingID, string(data), l.IsActive, l.DeactivatedAt)
	return err
}

func (s *SQLiteStore) ListActiveListingIDs(ctx context.Context, orgID, platform string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_listing_id FROM market_listings
		WHERE org_id = ? AND platform = ? AND is_active = TRUE
		ORDER BY source_listing_id`, orgID, platform)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) DeactivateListings(ctx context.Context, orgID, platform string, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stamp, err := json.Marshal(at)
	if err != nil {
		return 0, fmt.Errorf("marshal deactivated_at: %w", err)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{at, string(stamp), orgID, platform}
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE market_listings SET
			is_active = FALSE,
			deactivated_at = ?,
			data = json_set(data, '$.is_active', json('false'), '$.deactivated_at', json(?))
		WHERE org_id = ? AND platform = ? AND is_active = TRUE
			AND source_listing_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

// =============================================================================
// Run audits
// =============================================================================

func (s *SQLiteStore) AppendRunAudit(ctx context.Context, a *models.RunAudit) error {
	errs, err := json.Marshal(a.Errors)
	if err != nil {
		return fmt.Errorf("marshal audit errors: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scrape_run_audits (
			id, job_id, org_id, platform, status, started_at, finished_at, duration_ms,
			listings_found, listings_new, updated, price_changes, deactivated, errors_count, errors
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.JobID, a.OrgID, a.Platform, string(a.Status), a.StartedAt, a.FinishedAt, a.DurationMS,
		a.ListingsFound, a.ListingsNew, a.Updated, a.PriceChanges, a.Deactivated, a.ErrorsCount, string(errs))
	return err
}

func (s *SQLiteStore) ListRunAudits(ctx context.Context, orgID string, limit int) ([]models.RunAudit, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, org_id, platform, status, started_at, finished_at, duration_ms,
			listings_found, listings_new, updated, price_changes, deactivated, errors_count, errors
		FROM scrape_run_audits WHERE org_id = ?
		ORDER BY finished_at DESC LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []models.RunAudit
	for rows.Next() {
		var a models.RunAudit
		var errs sql.NullString
		if err := rows.Scan(
			&a.ID, &a.JobID, &a.OrgID, &a.Platform, &a.Status, &a.StartedAt, &a.FinishedAt, &a.DurationMS,
			&a.ListingsFound, &a.ListingsNew, &a.Updated, &a.PriceChanges, &a.Deactivated, &a.ErrorsCount, &errs,
		); err != nil {
			return nil, err
		}
		if errs.Valid && errs.String != "" {
			json.Unmarshal([]byte(errs.String), &a.Errors)
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

// =============================================================================
// Org config
// =============================================================================

const sqliteOrgColumns = `org_id, enabled, platforms, filters, max_pages, schedule, failure_threshold,
	run_status, consecutive_failures, last_run_at, next_run_at, updated_at`

func (s *SQLiteStore) GetOrgConfig(ctx context.Context, orgID string) (*models.OrgScrapeConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteOrgColumns+` FROM org_scrape_configs WHERE org_id = ?`, orgID)
	cfg, err := scanSQLiteOrgConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cfg, err
}

func (s *SQLiteStore) SaveOrgConfig(ctx context.Context, cfg *models.OrgScrapeConfig) error {
	platforms, err := json.Marshal(cfg.Platforms)
	if err != nil {
		return fmt.Errorf("marshal platforms: %w", err)
	}
	filters, err := json.Marshal(cfg.Filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	runStatus := cfg.RunStatus
	if runStatus == "" {
		runStatus = models.RunStatusIdle
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO org_scrape_configs (
			org_id, enabled, platforms, filters, max_pages, schedule, failure_threshold,
			run_status, consecutive_failures, last_run_at, next_run_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id) DO UPDATE SET
			enabled = excluded.enabled,
			platforms = excluded.platforms,
			filters = excluded.filters,
			max_pages = excluded.max_pages,
			schedule = excluded.schedule,
			failure_threshold = excluded.failure_threshold,
			next_run_at = excluded.next_run_at,
			updated_at = excluded.updated_at`,
		cfg.OrgID, cfg.Enabled, string(platforms), string(filters), cfg.MaxPages, cfg.Schedule, cfg.FailureThreshold,
		string(runStatus), cfg.ConsecutiveFailures, utc(cfg.LastRunAt), utc(cfg.NextRunAt), time.Now().UTC())
	return err
}

func (s *SQLiteStore) UpdateOrgRunStatus(ctx context.Context, orgID string, status models.RunStatus, consecutiveFailures int, lastRunAt, nextRunAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE org_scrape_configs SET
			run_status = ?,
			consecutive_failures = ?,
			last_run_at = COALESCE(?, last_run_at),
			next_run_at = COALESCE(?, next_run_at),
			updated_at = ?
		WHERE org_id = ?`,
		string(status), consecutiveFailures, utc(lastRunAt), utc(nextRunAt), time.Now().UTC(), orgID)
	return err
}

func (s *SQLiteStore) ListDueOrgConfigs(ctx context.Context, now time.Time, maxFailures int) ([]models.OrgScrapeConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteOrgColumns+` FROM org_scrape_configs
		WHERE enabled = TRUE AND schedule != ''
			AND (next_run_at IS NULL OR next_run_at <= ?)
			AND (? <= 0 OR consecutive_failures < ?)
		ORDER BY org_id`, now.UTC(), maxFailures, maxFailures)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []models.OrgScrapeConfig
	for rows.Next() {
		cfg, err := scanSQLiteOrgConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

// utc normalizes stored timestamps so that text comparisons in SQLite order correctly.
func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func scanSQLiteOrgConfig(row rowScanner) (*models.OrgScrapeConfig, error) {
	var cfg models.OrgScrapeConfig
	var platforms, filters string
	var lastRunAt, nextRunAt, updatedAt sql.NullTime
	err := row.Scan(
		&cfg.OrgID, &cfg.Enabled, &platforms, &filters, &cfg.MaxPages, &cfg.Schedule, &cfg.FailureThreshold,
		&cfg.RunStatus, &cfg.ConsecutiveFailures, &lastRunAt, &nextRunAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(platforms), &cfg.Platforms)
	json.Unmarshal([]byte(filters), &cfg.Filters)
	if lastRunAt.Valid {
		cfg.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		cfg.NextRunAt = &nextRunAt.Time
	}
	if updatedAt.Valid {
		cfg.UpdatedAt = updatedAt.Time
	}
	return &cfg, nil
}
