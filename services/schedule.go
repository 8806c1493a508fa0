package services

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"market_intel/models"
)

// NextRun returns the next activation of a tenant schedule after from, or nil
// when the tenant has no schedule.
func NextRun(schedule string, from time.Time) (*time.Time, error) {
	if schedule == "" {
		return nil, nil
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	next := sched.Next(from)
	return &next, nil
}

// RunStatusFor maps a terminal job status onto the tenant run status and the
// new consecutive failure count.
func RunStatusFor(status models.JobStatus, errorMessage string, consecutiveFailures int) (models.RunStatus, int) {
	switch status {
	case models.JobStatusCompleted:
		if errorMessage != "" {
			return models.RunStatusPartial, 0
		}
		return models.RunStatusSuccess, 0
	case models.JobStatusCancelled:
		return models.RunStatusCancelled, consecutiveFailures
	default:
		return models.RunStatusFailed, consecutiveFailures + 1
	}
}
