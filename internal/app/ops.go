package app

import (
	"context"
	"time"

	"outreachd/internal/campaign"
	"outreachd/internal/domain"
	"outreachd/internal/eventbus"
	"outreachd/internal/queue"
	"outreachd/internal/ratelimit"
	"outreachd/internal/store"
)

// Ops is the operator surface: queue inspection and repair, campaign
// lifecycle controls, receipt ingestion and quota visibility. It is what a
// CLI or admin API binds to.
type Ops struct {
	store   store.Store
	queue   *queue.Queue
	limiter *ratelimit.Limiter
	sched   *campaign.Service
	bus     eventbus.Bus
}

// --- queue ---

func (o *Ops) QueueStats(ctx context.Context) (queue.Stats, error) {
	return o.queue.Stats(ctx)
}

func (o *Ops) Job(ctx context.Context, id string) (*domain.DispatchJob, error) {
	return o.queue.Job(ctx, id)
}

// RetryJob returns a terminally failed job to the queue.
func (o *Ops) RetryJob(ctx context.Context, id string) error {
	return o.queue.Retry(ctx, id)
}

// CleanJobs deletes completed/failed jobs older than age and reports how
// many were removed.
func (o *Ops) CleanJobs(ctx context.Context, age time.Duration, states ...domain.JobState) (int64, error) {
	return o.queue.Clean(ctx, age, states...)
}

func (o *Ops) PauseChannel(ch domain.Channel)       { o.queue.PauseChannel(ch) }
func (o *Ops) ResumeChannel(ch domain.Channel)      { o.queue.ResumeChannel(ch) }
func (o *Ops) ChannelPaused(ch domain.Channel) bool { return o.queue.ChannelPaused(ch) }

// --- campaigns ---

func (o *Ops) Campaign(ctx context.Context, id string) (*domain.Campaign, error) {
	return o.store.Campaign(ctx, id)
}

func (o *Ops) ScheduleCampaign(ctx context.Context, id string) error {
	return o.sched.Schedule(ctx, id)
}

func (o *Ops) PauseCampaign(ctx context.Context, id string) error {
	return o.sched.Pause(ctx, id)
}

func (o *Ops) ResumeCampaign(ctx context.Context, id string) error {
	return o.sched.Resume(ctx, id)
}

func (o *Ops) CancelCampaign(ctx context.Context, id string) error {
	return o.sched.Cancel(ctx, id)
}

// CampaignStats returns the live aggregate counters.
func (o *Ops) CampaignStats(ctx context.Context, id string) (domain.CampaignStats, error) {
	c, err := o.store.Campaign(ctx, id)
	if err != nil {
		return domain.CampaignStats{}, err
	}
	return c.Stats, nil
}

func (o *Ops) Messages(ctx context.Context, campaignID string) ([]domain.Message, error) {
	return o.store.Messages(ctx, campaignID)
}

// --- receipts ---

// ApplyReceipt reconciles an async provider receipt (delivered/read/bounced)
// into the message record and campaign counters.
func (o *Ops) ApplyReceipt(ctx context.Context, providerID string, status domain.MessageStatus, at time.Time) (bool, error) {
	applied, err := o.store.ApplyReceipt(ctx, providerID, status, at)
	if err == nil && applied && o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: eventbus.TypeReceiptApplied, Data: providerID})
	}
	return applied, err
}

// --- quotas ---

// RateUsage snapshots the per-channel quota windows.
func (o *Ops) RateUsage() []ratelimit.Usage {
	return o.limiter.Snapshot()
}
