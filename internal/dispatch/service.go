// Package dispatch runs the per-channel worker pools that drain the job
// queue and push messages through the registered providers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"outreachd/internal/channel"
	"outreachd/internal/domain"
	"outreachd/internal/eventbus"
	"outreachd/internal/personalize"
	"outreachd/internal/queue"
	"outreachd/internal/ratelimit"
	"outreachd/internal/store"
	logx "outreachd/pkg/logx"
)

// Config tunes the worker pools.
type Config struct {
	// Workers is the pool size per channel. Default 5.
	Workers int
	// RatePerSec paces sends across all workers of a channel, independent
	// of the per-window caps. 0 disables pacing.
	RatePerSec float64
	// SendTimeout bounds a single provider call. Default 30s.
	SendTimeout time.Duration
	// BlockedRequeueDelay is how long a job waits when its channel is
	// paused, disconnected or its campaign is paused. Default 30s.
	BlockedRequeueDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.BlockedRequeueDelay <= 0 {
		c.BlockedRequeueDelay = 30 * time.Second
	}
	return c
}

// jobEvent is the Data payload of dispatch.* bus events.
type jobEvent struct {
	JobID      string `json:"job_id"`
	CampaignID string `json:"campaign_id"`
	ContactID  string `json:"contact_id"`
	Channel    string `json:"channel"`
	Reason     string `json:"reason,omitempty"`
}

type Service struct {
	cfg      Config
	queue    *queue.Queue
	store    store.Store
	registry *channel.Registry
	limiter  *ratelimit.Limiter
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	pacers map[domain.Channel]*rate.Limiter
}

func New(cfg Config, q *queue.Queue, st store.Store, reg *channel.Registry, lim *ratelimit.Limiter, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:      cfg,
		queue:    q,
		store:    st,
		registry: reg,
		limiter:  lim,
		bus:      bus,
		log:      log,
		now:      time.Now,
		pacers:   make(map[domain.Channel]*rate.Limiter),
	}
	for _, ch := range domain.Channels() {
		s.pacers[ch] = rate.NewLimiter(pacerLimit(cfg.RatePerSec), 1)
	}
	return s
}

func pacerLimit(perSec float64) rate.Limit {
	if perSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSec)
}

// ApplyRate re-paces all channel workers without a restart. SetLimit is safe
// against concurrent Wait calls, so this can run from the config apply loop.
func (s *Service) ApplyRate(perSec float64) {
	for _, p := range s.pacers {
		p.SetLimit(pacerLimit(perSec))
	}
}

// SetNow overrides the clock for tests.
func (s *Service) SetNow(fn func() time.Time) { s.now = fn }

// Run spins up the worker pools and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, ch := range domain.Channels() {
		for i := 0; i < s.cfg.Workers; i++ {
			wg.Add(1)
			go func(ch domain.Channel, n int) {
				defer wg.Done()
				s.workerLoop(ctx, ch, n)
			}(ch, i)
		}
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Service) workerLoop(ctx context.Context, ch domain.Channel, n int) {
	log := s.log.With(logx.String("channel", ch.String()), logx.Int("worker", n))
	t := time.NewTicker(s.queue.PollInterval())
	defer t.Stop()
	for {
		job, err := s.queue.Claim(ctx, ch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim failed", logx.Err(err))
		}
		if job != nil {
			s.process(ctx, log, job)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-s.queue.Wakeup():
		}
	}
}

// process runs one claimed job to a terminal outcome: acked, released back
// to waiting, or failed.
func (s *Service) process(ctx context.Context, log logx.Logger, job *domain.DispatchJob) {
	camp, err := s.store.Campaign(ctx, job.CampaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.fail(ctx, log, job, nil, NoRetry(fmt.Errorf("campaign %s gone", job.CampaignID)))
			return
		}
		s.fail(ctx, log, job, nil, err)
		return
	}

	switch camp.Status {
	case domain.CampaignPaused:
		// Paused campaigns keep their queued work; it resumes where it left off.
		s.release(ctx, log, job, s.cfg.BlockedRequeueDelay, "campaign paused")
		return
	case domain.CampaignActive:
	default:
		// Terminal campaign: drop the job without sending.
		s.skip(ctx, log, job, "campaign "+string(camp.Status))
		return
	}

	if !s.registry.Ready(job.Channel) {
		s.release(ctx, log, job, s.cfg.BlockedRequeueDelay, "channel not ready")
		return
	}

	// Reserve a window slot before anything else; a released job gives the
	// slot to the next claimant for free since reservations only count
	// actual sends.
	if err := s.limiter.CheckAndReserve(job.Channel); err != nil {
		var rle *ratelimit.RateLimitedError
		if errors.As(err, &rle) {
			s.release(ctx, log, job, rle.RetryAfter, "rate capped: "+rle.Window)
			return
		}
		s.fail(ctx, log, job, camp, err)
		return
	}

	contact, err := s.store.Contact(ctx, job.ContactID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.fail(ctx, log, job, camp, NoRetry(fmt.Errorf("contact %s gone", job.ContactID)))
			return
		}
		s.fail(ctx, log, job, camp, err)
		return
	}
	if contact.OptedOut[job.Channel] {
		s.fail(ctx, log, job, camp, NoRetry(fmt.Errorf("contact %s opted out of %s", contact.ID, job.Channel)))
		return
	}
	addr := contact.Address(job.Channel)
	if addr == "" {
		s.fail(ctx, log, job, camp, NoRetry(fmt.Errorf("contact %s has no %s address", contact.ID, job.Channel)))
		return
	}

	content := job.Content
	if content == "" {
		step, ok := camp.Step(job.Step)
		if !ok {
			s.fail(ctx, log, job, camp, NoRetry(fmt.Errorf("campaign %s has no step %d", camp.ID, job.Step)))
			return
		}
		content = step.Body
	}
	content = personalize.Render(content, contact)

	if p := s.pacers[job.Channel]; p != nil {
		if err := p.Wait(ctx); err != nil {
			s.release(ctx, log, job, 0, "shutting down")
			return
		}
	}

	sender, err := s.registry.Sender(job.Channel)
	if err != nil {
		s.release(ctx, log, job, s.cfg.BlockedRequeueDelay, "channel not registered")
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	res, err := sender.Send(sendCtx, addr, content)
	cancel()
	if err != nil {
		s.fail(ctx, log, job, camp, fmt.Errorf("send: %w", err))
		return
	}

	msg := &domain.Message{
		ID:         job.ID,
		CampaignID: job.CampaignID,
		ContactID:  job.ContactID,
		Channel:    job.Channel,
		Step:       job.Step,
		Content:    content,
		ProviderID: res.ProviderID,
		Cost:       res.Cost,
		SentAt:     s.now(),
	}
	newly, err := s.store.MarkMessageSent(ctx, msg)
	if err != nil {
		// The provider accepted the send; do not retry the job, that would
		// message the contact twice.
		log.Error("persisting sent message failed", logx.String("job", job.ID), logx.Err(err))
	}
	if newly {
		if err := s.store.IncrementStat(ctx, job.CampaignID, store.StatSent); err != nil {
			log.Error("sent counter", logx.String("campaign", job.CampaignID), logx.Err(err))
		}
	} else {
		log.Debug("duplicate delivery absorbed", logx.String("job", job.ID))
	}
	if err := s.queue.Ack(ctx, job.ID); err != nil {
		log.Error("ack", logx.String("job", job.ID), logx.Err(err))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchSent, Data: jobEvent{
		JobID: job.ID, CampaignID: job.CampaignID, ContactID: job.ContactID, Channel: job.Channel.String(),
	}})
	log.Info("message sent",
		logx.String("campaign", job.CampaignID),
		logx.String("contact", job.ContactID),
		logx.Int("step", job.Step))
}

func (s *Service) release(ctx context.Context, log logx.Logger, job *domain.DispatchJob, delay time.Duration, reason string) {
	if err := s.queue.Release(ctx, job.ID, delay); err != nil {
		log.Error("release", logx.String("job", job.ID), logx.Err(err))
		return
	}
	log.Debug("job deferred", logx.String("job", job.ID), logx.String("reason", reason), logx.Duration("delay", delay))
}

// skip acks a job whose campaign ended before the job was dispatched.
func (s *Service) skip(ctx context.Context, log logx.Logger, job *domain.DispatchJob, reason string) {
	if err := s.queue.Ack(ctx, job.ID); err != nil {
		log.Error("ack skipped job", logx.String("job", job.ID), logx.Err(err))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchSkipped, Data: jobEvent{
		JobID: job.ID, CampaignID: job.CampaignID, ContactID: job.ContactID,
		Channel: job.Channel.String(), Reason: reason,
	}})
	log.Info("job skipped", logx.String("job", job.ID), logx.String("reason", reason))
}

// fail records a failed attempt. Terminal failures (non-retryable, or the
// attempt cap is spent) also persist a failed message row and bump the
// campaign's failed counter.
func (s *Service) fail(ctx context.Context, log logx.Logger, job *domain.DispatchJob, camp *domain.Campaign, cause error) {
	retryable := !IsNoRetry(cause)
	var after time.Duration
	var ra RetryAfterError
	if errors.As(cause, &ra) {
		after = ra.RetryAfter()
	}
	terminal := !retryable || job.Attempts >= job.MaxAttempts

	if terminal {
		m := &domain.Message{
			ID:         job.ID,
			CampaignID: job.CampaignID,
			ContactID:  job.ContactID,
			Channel:    job.Channel,
			Step:       job.Step,
			Content:    job.Content,
			FailReason: cause.Error(),
			FailedAt:   s.now(),
		}
		if err := s.store.MarkMessageFailed(ctx, m); err != nil {
			log.Error("persisting failed message", logx.String("job", job.ID), logx.Err(err))
		}
		if err := s.store.IncrementStat(ctx, job.CampaignID, store.StatFailed); err != nil {
			log.Error("failed counter", logx.String("campaign", job.CampaignID), logx.Err(err))
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchFailed, Data: jobEvent{
			JobID: job.ID, CampaignID: job.CampaignID, ContactID: job.ContactID,
			Channel: job.Channel.String(), Reason: cause.Error(),
		}})
	}
	if err := s.queue.Fail(ctx, job.ID, cause.Error(), retryable, after); err != nil {
		log.Error("fail job", logx.String("job", job.ID), logx.Err(err))
	}
	log.Warn("dispatch attempt failed",
		logx.String("job", job.ID),
		logx.Int("attempt", job.Attempts),
		logx.Bool("terminal", terminal),
		logx.Err(cause))
}
