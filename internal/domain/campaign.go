package domain

import (
	"fmt"
	"strings"
	"time"
)

// CampaignType selects the fan-out strategy for a campaign.
type CampaignType int

const (
	// CampaignImmediate fans out once when the start time is reached.
	CampaignImmediate CampaignType = iota
	// CampaignSequence drips ordered template steps per contact, each step
	// offset by a delay from the previous send.
	CampaignSequence
	// CampaignRecurring re-runs an immediate-style fan-out on a calendar
	// interval (daily/weekly/monthly).
	CampaignRecurring
)

func (t CampaignType) String() string {
	switch t {
	case CampaignImmediate:
		return "immediate"
	case CampaignSequence:
		return "sequence"
	case CampaignRecurring:
		return "recurring"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

func ParseCampaignType(s string) (CampaignType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "immediate":
		return CampaignImmediate, nil
	case "sequence":
		return CampaignSequence, nil
	case "recurring":
		return CampaignRecurring, nil
	default:
		return 0, fmt.Errorf("unknown campaign type %q", s)
	}
}

// CampaignStatus is the campaign lifecycle state.
//
// Transitions are monotonic except paused<->active. Completed, cancelled and
// failed are terminal; failed additionally carries a recorded error.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignFailed    CampaignStatus = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s CampaignStatus) Terminal() bool {
	switch s {
	case CampaignCompleted, CampaignCancelled, CampaignFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s -> to is a legal lifecycle move.
func (s CampaignStatus) CanTransition(to CampaignStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case CampaignDraft:
		return to == CampaignScheduled || to == CampaignCancelled
	case CampaignScheduled:
		return to == CampaignActive || to == CampaignCancelled || to == CampaignFailed
	case CampaignActive:
		return to == CampaignPaused || to == CampaignCompleted || to == CampaignCancelled || to == CampaignFailed
	case CampaignPaused:
		return to == CampaignActive || to == CampaignCancelled
	default:
		return false
	}
}

// RecurringInterval is the calendar cadence of a recurring campaign.
type RecurringInterval string

const (
	IntervalDaily   RecurringInterval = "daily"
	IntervalWeekly  RecurringInterval = "weekly"
	IntervalMonthly RecurringInterval = "monthly"
)

// TemplateStep is one ordered message template of a campaign.
//
// Delay is the offset from the previous step's send; it is zero for the
// first step and ignored for immediate/recurring campaigns.
type TemplateStep struct {
	Index int
	Body  string
	Delay time.Duration
}

// Schedule constrains when a campaign may fan out.
//
// The daily window is expressed as local HH:MM bounds in the scheduler's
// timezone; an empty window means "any time of day". WorkingDays is a
// weekday allowlist (empty = every day).
type Schedule struct {
	StartAt     time.Time
	EndAt       time.Time // zero = open-ended
	WindowFrom  string    // "09:00"; empty = no window
	WindowTo    string    // "17:30"
	WorkingDays []time.Weekday
	DailyCap    int // max messages fanned out per calendar day; 0 = unlimited

	Interval RecurringInterval // recurring campaigns only
}

// InWindow reports whether t falls inside the daily window and working days.
func (s Schedule) InWindow(t time.Time) bool {
	if len(s.WorkingDays) > 0 {
		ok := false
		for _, wd := range s.WorkingDays {
			if t.Weekday() == wd {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if s.WindowFrom == "" || s.WindowTo == "" {
		return true
	}
	from, err1 := minuteOfDay(s.WindowFrom)
	to, err2 := minuteOfDay(s.WindowTo)
	if err1 != nil || err2 != nil {
		// Malformed window: fail open rather than silently stalling fan-out.
		return true
	}
	cur := t.Hour()*60 + t.Minute()
	if from <= to {
		return cur >= from && cur <= to
	}
	// Window crossing midnight, e.g. 22:00-06:00.
	return cur >= from || cur <= to
}

func minuteOfDay(hhmm string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(hhmm), "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q", hhmm)
	}
	return h*60 + m, nil
}

// CampaignStats are the aggregate delivery counters of a campaign.
//
// They are mutated with atomic database increments only; workers never
// read-modify-write the whole struct.
type CampaignStats struct {
	Sent      int64
	Delivered int64
	Read      int64
	Replied   int64
	Failed    int64
}

// Campaign is an outbound campaign owned by a tenant account.
type Campaign struct {
	ID      string
	OwnerID string
	Name    string
	Channel Channel
	Type    CampaignType
	Status  CampaignStatus

	Schedule Schedule
	Steps    []TemplateStep

	Stats CampaignStats

	StartedAt   time.Time
	CompletedAt time.Time
	LastRunAt   time.Time // recurring campaigns: last successful fan-out
	LastError   string    // set when Status == failed

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Step returns the template step at index, or false when the sequence is
// exhausted.
func (c *Campaign) Step(index int) (TemplateStep, bool) {
	if index < 0 || index >= len(c.Steps) {
		return TemplateStep{}, false
	}
	return c.Steps[index], true
}
