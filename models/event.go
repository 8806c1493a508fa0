package models

import "time"

type EventType string

const (
	EventJobStatus      EventType = "job_status"
	EventPlatformStatus EventType = "platform_status"
	EventProgress       EventType = "progress"
	EventAction         EventType = "action"
)

// ProgressEvent is the small message pushed to tenant subscribers.
// Intermediate events may be dropped, so Progress carries the platform's
// cumulative counters and Delta only the change that produced them.
type ProgressEvent struct {
	Type     EventType         `json:"type"`
	JobID    string            `json:"jobId"`
	OrgID    string            `json:"orgId"`
	Status   JobStatus         `json:"status,omitempty"`
	Delta    *ProgressDelta    `json:"delta,omitempty"`
	Progress *PlatformProgress `json:"progress,omitempty"`
	Action   *CurrentAction    `json:"action,omitempty"`
	At       time.Time         `json:"at"`
}

// Final reports whether the event closes a job or platform and must not be throttled.
func (e ProgressEvent) Final() bool {
	if e.Type == EventJobStatus {
		return true
	}
	return e.Type == EventPlatformStatus && e.Delta != nil && e.Delta.Status.IsDone()
}
