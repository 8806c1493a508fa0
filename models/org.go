package models

import "time"

type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// ScrapeFilters narrows what a platform is asked for.
type ScrapeFilters struct {
	Areas            []string `json:"areas" yaml:"areas"`
	Municipalities   []string `json:"municipalities" yaml:"municipalities"`
	TransactionTypes []string `json:"transaction_types" yaml:"transaction_types" validate:"dive,oneof=sale rent"`
	PropertyTypes    []string `json:"property_types" yaml:"property_types"`
	PriceMin         *int64   `json:"price_min" yaml:"price_min" validate:"omitempty,gte=0"`
	PriceMax         *int64   `json:"price_max" yaml:"price_max" validate:"omitempty,gte=0"`
}

// OrgScrapeConfig is the per-tenant market-intelligence configuration.
type OrgScrapeConfig struct {
	OrgID               string        `json:"org_id" db:"org_id" validate:"required"`
	Enabled             bool          `json:"enabled" db:"enabled"`
	Platforms           []string      `json:"platforms" db:"platforms" validate:"required,min=1,dive,required"`
	Filters             ScrapeFilters `json:"filters" db:"filters"`
	MaxPages            int           `json:"max_pages" db:"max_pages" validate:"min=1,max=100"`
	Schedule            string        `json:"schedule" db:"schedule"`
	FailureThreshold    float64       `json:"failure_threshold" db:"failure_threshold" validate:"gte=0,lte=1"`
	RunStatus           RunStatus     `json:"run_status" db:"run_status"`
	ConsecutiveFailures int           `json:"consecutive_failures" db:"consecutive_failures"`
	LastRunAt           *time.Time    `json:"last_run_at" db:"last_run_at"`
	NextRunAt           *time.Time    `json:"next_run_at" db:"next_run_at"`
	UpdatedAt           time.Time     `json:"updated_at" db:"updated_at"`
}

// HasPlatform reports whether the tenant enabled the given platform.
func (c *OrgScrapeConfig) HasPlatform(id string) bool {
	return containsString(c.Platforms, id)
}

// EffectiveFailureThreshold treats an unset threshold as "every platform failed".
func (c *OrgScrapeConfig) EffectiveFailureThreshold() float64 {
	if c.FailureThreshold <= 0 {
		return 1
	}
	return c.FailureThreshold
}
