package models

import "time"

// RunAudit is the append-only record of one platform pass.
type RunAudit struct {
	ID            string         `json:"id" db:"id"`
	JobID         string         `json:"job_id" db:"job_id"`
	OrgID         string         `json:"org_id" db:"org_id"`
	Platform      string         `json:"platform" db:"platform"`
	Status        PlatformStatus `json:"status" db:"status"`
	StartedAt     time.Time      `json:"started_at" db:"started_at"`
	FinishedAt    time.Time      `json:"finished_at" db:"finished_at"`
	DurationMS    int64          `json:"duration_ms" db:"duration_ms"`
	ListingsFound int            `json:"listings_found" db:"listings_found"`
	ListingsNew   int            `json:"listings_new" db:"listings_new"`
	Updated       int            `json:"updated" db:"updated"`
	PriceChanges  int            `json:"price_changes" db:"price_changes"`
	Deactivated   int            `json:"deactivated" db:"deactivated"`
	ErrorsCount   int            `json:"errors_count" db:"errors_count"`
	Errors        []string       `json:"errors" db:"errors"`
}

// PassStats accumulates reconciliation outcomes during one platform pass.
type PassStats struct {
	Found        int
	New          int
	Updated      int
	PriceChanges int
	Reactivated  int
	Unchanged    int
	Errors       int
}
