package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market_intel/models"
)

func trackerFor(platforms ...string) *JobTracker {
	return NewJobTracker(&models.ScrapeJob{
		ID:        "job-1",
		OrgID:     "org-1",
		Status:    models.JobStatusPending,
		Platforms: platforms,
		Progress:  models.NewProgress(platforms),
	}, 3)
}

func TestJobTracker_ProgressIsMonotonic(t *testing.T) {
	tr := trackerFor("a")
	tr.StartPlatform("a")

	var prev models.PlatformProgress
	deltas := []models.ProgressDelta{
		{Platform: "a", Total: 1, Passed: 1},
		{Platform: "a", Total: 1, Failed: 1, Error: "bad record"},
		{Platform: "a", Total: 1, Failed: 1, Error: "bad record"},
		{Platform: "a", Status: models.PlatformStatusCompleted},
		{Platform: "a", Status: models.PlatformStatusRunning, Total: -5},
	}
	for _, d := range deltas {
		p := tr.Apply(d)
		assert.GreaterOrEqual(t, p.Total, prev.Total)
		assert.GreaterOrEqual(t, p.Passed, prev.Passed)
		assert.GreaterOrEqual(t, p.Failed, prev.Failed)
		assert.GreaterOrEqual(t, p.Total, p.Passed+p.Failed)
		prev = p
	}

	assert.Equal(t, models.PlatformStatusCompleted, prev.Status, "status never moves backwards")
	assert.Equal(t, []string{"bad record"}, prev.Errors)
	assert.Equal(t, 3, prev.Total)
}

func TestJobTracker_ErrorsAreCapped(t *testing.T) {
	tr := trackerFor("a")
	for i := 0; i < models.MaxPlatformErrors+10; i++ {
		tr.Apply(models.ProgressDelta{Platform: "a", Total: 1, Failed: 1, Error: time.Duration(i).String()})
	}
	snap := tr.Snapshot()
	assert.Len(t, snap.Progress["a"].Errors, models.MaxPlatformErrors)
	assert.Equal(t, models.MaxPlatformErrors+10, snap.Progress["a"].Failed)
}

func TestJobTracker_FlushPolicy(t *testing.T) {
	tr := trackerFor("a")
	tr.Apply(models.ProgressDelta{Platform: "a", Total: 1, Passed: 1})
	tr.Apply(models.ProgressDelta{Platform: "a", Total: 1, Passed: 1})
	assert.False(t, tr.ShouldFlush())
	tr.Apply(models.ProgressDelta{Platform: "a", Total: 1, Passed: 1})
	assert.True(t, tr.ShouldFlush())

	tr.Snapshot()
	assert.False(t, tr.ShouldFlush())
}

func TestJobTracker_SnapshotIsIsolated(t *testing.T) {
	tr := trackerFor("a")
	snap := tr.Snapshot()
	tr.Apply(models.ProgressDelta{Platform: "a", Total: 1, Passed: 1, Error: "x"})
	assert.Equal(t, 0, snap.Progress["a"].Total)
	assert.Empty(t, snap.Progress["a"].Errors)
}

func TestJobTracker_Outcome(t *testing.T) {
	fail := models.ProgressDelta{Status: models.PlatformStatusFailed}
	done := models.ProgressDelta{Status: models.PlatformStatusCompleted}

	cases := []struct {
		name      string
		results   map[string]models.ProgressDelta
		threshold float64
		status    models.JobStatus
		message   string
	}{
		{"all succeed", map[string]models.ProgressDelta{"a": done, "b": done}, 0, models.JobStatusCompleted, ""},
		{"degraded", map[string]models.ProgressDelta{"a": done, "b": fail}, 0, models.JobStatusCompleted, "1 of 2 platforms failed to scrape"},
		{"all fail", map[string]models.ProgressDelta{"a": fail, "b": fail}, 0, models.JobStatusFailed, "All platforms failed to scrape"},
		{"strict threshold", map[string]models.ProgressDelta{"a": done, "b": fail}, 0.5, models.JobStatusFailed, "1 of 2 platforms failed to scrape"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := trackerFor("a", "b")
			for platform, d := range tc.results {
				d.Platform = platform
				tr.Apply(d)
			}
			status, msg := tr.Outcome(tc.threshold)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.message, msg)
		})
	}
}

func TestJobTracker_Finish(t *testing.T) {
	tr := trackerFor("a")
	tr.MarkRunning(time.Now())
	tr.StartPlatform("a")
	tr.SetAction(models.CurrentAction{Type: models.ActionSaving, Message: "Saving"})

	at := time.Now()
	final := tr.Finish(models.JobStatusCompleted, "", at)
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)
	require.NotNil(t, final.StartedAt)
	assert.Nil(t, final.CurrentPlatform)
	assert.Nil(t, final.CurrentAction)
}
