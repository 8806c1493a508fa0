package services

import (
	"fmt"
	"sync"
	"time"

	"market_intel/models"
)

// JobTracker owns the in-flight state of one job. Every progress update goes
// through Apply, so counters only grow and statuses only advance.
type JobTracker struct {
	mu         sync.Mutex
	job        *models.ScrapeJob
	flushEvery int
	pending    int
}

func NewJobTracker(job *models.ScrapeJob, flushEvery int) *JobTracker {
	if flushEvery <= 0 {
		flushEvery = 1
	}
	j := job.Clone()
	if j.Progress == nil {
		j.Progress = models.NewProgress(j.Platforms)
	}
	return &JobTracker{job: j, flushEvery: flushEvery}
}

func (t *JobTracker) JobID() string {
	return t.job.ID
}

func (t *JobTracker) OrgID() string {
	return t.job.OrgID
}

func (t *JobTracker) Platforms() []string {
	return append([]string{}, t.job.Platforms...)
}

// Apply merges a delta into the platform's progress and returns the result.
func (t *JobTracker) Apply(d models.ProgressDelta) models.PlatformProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	merged := t.job.Progress[d.Platform].Merge(d)
	t.job.Progress[d.Platform] = merged
	if d.Total > 0 {
		t.pending += d.Total
	}
	return merged.Clone()
}

// StartPlatform marks the platform running and makes it current.
func (t *JobTracker) StartPlatform(platform string) models.PlatformProgress {
	progress := t.Apply(models.ProgressDelta{Platform: platform, Status: models.PlatformStatusRunning})

	t.mu.Lock()
	defer t.mu.Unlock()
	p := platform
	t.job.CurrentPlatform = &p
	return progress
}

func (t *JobTracker) SetAction(a models.CurrentAction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job.CurrentAction = &a
}

func (t *JobTracker) MarkRunning(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job.Status = models.JobStatusRunning
	if t.job.StartedAt == nil {
		t.job.StartedAt = &at
	}
}

// ShouldFlush reports whether enough records were processed since the last
// persisted snapshot.
func (t *JobTracker) ShouldFlush() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending >= t.flushEvery
}

// Snapshot returns a copy for persisting and resets the flush counter.
func (t *JobTracker) Snapshot() *models.ScrapeJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = 0
	return t.job.Clone()
}

// PlatformCounts returns how many platforms failed out of the job's total.
func (t *JobTracker) PlatformCounts() (failed, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.job.Platforms {
		if t.job.Progress[p].Status == models.PlatformStatusFailed {
			failed++
		}
	}
	return failed, len(t.job.Platforms)
}

// Outcome decides the terminal status. The job fails when the failed share of
// platforms reaches threshold; otherwise it completes, noting any failures.
func (t *JobTracker) Outcome(threshold float64) (models.JobStatus, string) {
	failed, total := t.PlatformCounts()
	if threshold <= 0 {
		threshold = 1
	}
	if total > 0 && float64(failed)/float64(total) >= threshold {
		if failed == total {
			return models.JobStatusFailed, "All platforms failed to scrape"
		}
		return models.JobStatusFailed, fmt.Sprintf("%d of %d platforms failed to scrape", failed, total)
	}
	if failed > 0 {
		return models.JobStatusCompleted, fmt.Sprintf("%d of %d platforms failed to scrape", failed, total)
	}
	return models.JobStatusCompleted, ""
}

// Finish moves the tracked job to a terminal status and returns the final snapshot.
func (t *JobTracker) Finish(status models.JobStatus, message string, at time.Time) *models.ScrapeJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job.Status = status
	t.job.ErrorMessage = message
	t.job.CompletedAt = &at
	t.job.CurrentPlatform = nil
	t.job.CurrentAction = nil
	t.pending = 0
	return t.job.Clone()
}
