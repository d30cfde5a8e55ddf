package domain

import "time"

// JobState is the queue-side lifecycle of a dispatch job.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	// JobFailed is terminal: the attempt cap was exhausted (or the failure
	// was non-retryable). Rows stay inspectable until explicitly cleaned.
	JobFailed JobState = "failed"
)

// DispatchJob is the ephemeral unit of work a worker consumes.
//
// Content may be pre-rendered by the scheduler; if empty the worker renders
// the campaign step itself. Delivery is at-least-once: duplicates after a
// crash are absorbed by the Message natural key (campaign, contact, step).
type DispatchJob struct {
	ID         string
	CampaignID string
	ContactID  string
	Channel    Channel
	Step       int
	Content    string

	ScheduledFor time.Time
	Priority     int
	Attempts     int
	MaxAttempts  int

	State     JobState
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}
