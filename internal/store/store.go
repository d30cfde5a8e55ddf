// Package store persists campaigns, contacts and message outcomes in sqlite.
//
// The schema keeps aggregate campaign stats as plain integer columns so
// concurrent dispatch workers can bump them with atomic UPDATE increments
// instead of read-modify-write on a serialized blob.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"outreachd/internal/domain"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrClosed   = errors.New("store closed")
)

// Stat names one campaign aggregate counter.
type Stat string

const (
	StatSent      Stat = "sent"
	StatDelivered Stat = "delivered"
	StatRead      Stat = "read"
	StatReplied   Stat = "replied"
	StatFailed    Stat = "failed"
)

// Store is the persistence API the pipeline consumes.
//
// Campaign/contact creation is normally done by the surrounding CRM; the
// create methods exist for seeding and tests.
type Store interface {
	CreateCampaign(ctx context.Context, c *domain.Campaign) error
	Campaign(ctx context.Context, id string) (*domain.Campaign, error)

	// DueScheduled returns campaigns with status=scheduled whose start time
	// has passed (immediate fan-out candidates).
	DueScheduled(ctx context.Context, now time.Time) ([]domain.Campaign, error)
	// ActiveByType returns campaigns with status=active of the given type.
	ActiveByType(ctx context.Context, t domain.CampaignType) ([]domain.Campaign, error)

	// Transition moves a campaign between lifecycle states, enforcing the
	// status machine. It returns ErrNotFound for unknown ids and an error
	// for illegal transitions.
	Transition(ctx context.Context, id string, to domain.CampaignStatus) error
	MarkStarted(ctx context.Context, id string, at time.Time) error
	MarkCompleted(ctx context.Context, id string, at time.Time) error
	// MarkCampaignFailed records the unrecoverable fan-out error.
	MarkCampaignFailed(ctx context.Context, id, reason string) error
	SetLastRun(ctx context.Context, id string, at time.Time) error

	// IncrementStat atomically bumps one aggregate counter.
	IncrementStat(ctx context.Context, campaignID string, s Stat) error

	CreateContact(ctx context.Context, c *domain.Contact) error
	Contact(ctx context.Context, id string) (*domain.Contact, error)
	Enroll(ctx context.Context, campaignID, contactID string) error
	// Enrollments returns every enrolled contact with its sequence cursor.
	Enrollments(ctx context.Context, campaignID string) ([]domain.Enrollment, error)
	// AdvanceCursor records that stepIndex was enqueued for the contact at
	// sentAt and moves the cursor to the next step.
	AdvanceCursor(ctx context.Context, campaignID, contactID string, stepIndex int, sentAt time.Time) error

	// MarkMessageSent upserts the outcome record by its natural key
	// (campaign, contact, step). It reports whether the record newly reached
	// a sent state: false means a duplicate delivery of an already-terminal
	// job, and the caller must not bump the sent counter again.
	MarkMessageSent(ctx context.Context, m *domain.Message) (newly bool, err error)
	// MarkMessageFailed upserts a failed outcome unless the record already
	// reached a sent state.
	MarkMessageFailed(ctx context.Context, m *domain.Message) error

	// ApplyReceipt reconciles an async delivery/read receipt by provider
	// message id. Transitions are monotonic; stale or duplicate receipts
	// report applied=false. A newly-applied delivered/read receipt also
	// bumps the matching campaign counter.
	ApplyReceipt(ctx context.Context, providerID string, status domain.MessageStatus, at time.Time) (applied bool, err error)

	Messages(ctx context.Context, campaignID string) ([]domain.Message, error)

	// DB exposes the underlying handle so the job queue shares the single
	// writer connection (and thus its claim serialization).
	DB() *sql.DB

	Close() error
}
