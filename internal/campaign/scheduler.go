// Package campaign drives fan-out: it activates due campaigns on cron ticks
// and turns enrollments into dispatch jobs.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"outreachd/internal/domain"
	"outreachd/internal/eventbus"
	"outreachd/internal/queue"
	"outreachd/internal/store"
	logx "outreachd/pkg/logx"
)

// Config tunes the scheduler cadences. The specs are standard cron
// expressions or descriptors (@every 5m).
type Config struct {
	Enabled  bool
	Timezone string // default UTC

	ImmediateSpec string // default @every 1m
	SequenceSpec  string // default @every 5m
	RecurringSpec string // default @every 1h
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.ImmediateSpec) == "" {
		c.ImmediateSpec = "@every 1m"
	}
	if strings.TrimSpace(c.SequenceSpec) == "" {
		c.SequenceSpec = "@every 5m"
	}
	if strings.TrimSpace(c.RecurringSpec) == "" {
		c.RecurringSpec = "@every 1h"
	}
	return c
}

type Service struct {
	cfg   Config
	store store.Store
	queue *queue.Queue
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	mu  sync.Mutex
	c   *cron.Cron
	loc *time.Location

	// Overlap guards: a slow tick is skipped by the next one, never stacked.
	immediateBusy atomic.Bool
	sequenceBusy  atomic.Bool
	recurringBusy atomic.Bool

	// Per-campaign fan-out counts for the current calendar day, backing the
	// daily cap. In-memory: a restart resets the count, which errs on the
	// side of sending and is acceptable for a soft cap.
	capMu   sync.Mutex
	capDay  string
	capUsed map[string]int
}

func New(cfg Config, st store.Store, q *queue.Queue, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		store:   st,
		queue:   q,
		bus:     bus,
		log:     log,
		now:     time.Now,
		capUsed: map[string]int{},
	}
}

// SetNow overrides the clock for tests.
func (s *Service) SetNow(fn func() time.Time) { s.now = fn }

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc == nil {
		s.loc = s.loadLocation()
	}
	return s.loc
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// Start registers the three cadences and starts cron. No-op when disabled.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.loc = s.loadLocation()
	s.c = cron.New(cron.WithLocation(s.loc))

	add := func(spec string, fn func()) error {
		_, err := s.c.AddFunc(spec, fn)
		if err != nil {
			return fmt.Errorf("cron spec %q: %w", spec, err)
		}
		return nil
	}
	if err := add(s.cfg.ImmediateSpec, func() { s.tick(ctx, "immediate", &s.immediateBusy, s.TickImmediate) }); err != nil {
		return err
	}
	if err := add(s.cfg.SequenceSpec, func() { s.tick(ctx, "sequence", &s.sequenceBusy, s.TickSequence) }); err != nil {
		return err
	}
	if err := add(s.cfg.RecurringSpec, func() { s.tick(ctx, "recurring", &s.recurringBusy, s.TickRecurring) }); err != nil {
		return err
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.String("tz", s.loc.String()),
		logx.String("immediate", s.cfg.ImmediateSpec),
		logx.String("sequence", s.cfg.SequenceSpec),
		logx.String("recurring", s.cfg.RecurringSpec))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) tick(ctx context.Context, name string, busy *atomic.Bool, fn func(context.Context) error) {
	if !busy.CompareAndSwap(false, true) {
		s.log.Warn("tick overlap, skipping", logx.String("cadence", name))
		return
	}
	defer busy.Store(false)
	start := time.Now()
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("tick failed", logx.String("cadence", name), logx.Err(err))
		return
	}
	s.log.Debug("tick done", logx.String("cadence", name), logx.Duration("took", time.Since(start)))
}

// TickImmediate activates due scheduled campaigns and fans out the ones that
// send everything at once. Per-campaign errors are isolated: one broken
// campaign never blocks the rest of the batch.
func (s *Service) TickImmediate(ctx context.Context) error {
	now := s.now().In(s.location())
	due, err := s.store.DueScheduled(ctx, now)
	if err != nil {
		return err
	}
	for i := range due {
		c := &due[i]
		if err := s.activate(ctx, c, now); err != nil {
			s.log.Error("activation failed", logx.String("campaign", c.ID), logx.Err(err))
			continue
		}
		if c.Type != domain.CampaignImmediate {
			continue
		}
		s.fanOutOrFail(ctx, c, now)
	}

	// Resume immediate campaigns whose fan-out was cut short by the daily
	// cap or a crash. Fully fanned-out campaigns completed above, so only
	// interrupted ones are still active.
	active, err := s.store.ActiveByType(ctx, domain.CampaignImmediate)
	if err != nil {
		return err
	}
	for i := range active {
		s.fanOutOrFail(ctx, &active[i], now)
	}
	return nil
}

// fanOutOrFail runs one fan-out pass. Only a malformed campaign is marked
// failed; store or queue errors leave it active so the next tick retries,
// with the enrollment cursor preventing duplicate jobs on resume.
func (s *Service) fanOutOrFail(ctx context.Context, c *domain.Campaign, now time.Time) {
	err := s.fanOutImmediate(ctx, c, now)
	switch {
	case err == nil:
	case errors.Is(err, errNoSteps):
		s.failCampaign(ctx, c.ID, err)
	default:
		s.log.Error("fan-out interrupted, will retry next tick",
			logx.String("campaign", c.ID), logx.Err(err))
	}
}

func (s *Service) activate(ctx context.Context, c *domain.Campaign, now time.Time) error {
	if err := s.store.MarkStarted(ctx, c.ID, now); err != nil {
		return err
	}
	c.Status = domain.CampaignActive
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeCampaignStarted, Data: c.ID})
	s.log.Info("campaign started",
		logx.String("campaign", c.ID),
		logx.String("name", c.Name),
		logx.String("type", c.Type.String()))
	return nil
}

// fanOutImmediate enqueues step 0 for every enrolled contact that has not
// received it yet (the enrollment cursor doubles as the durable fan-out
// marker), then completes the campaign. Delivery is asynchronous; completion
// means the fan-out is durable, not that every message went out.
func (s *Service) fanOutImmediate(ctx context.Context, c *domain.Campaign, now time.Time) error {
	step, ok := c.Step(0)
	if !ok {
		return errNoSteps
	}
	ens, err := s.store.Enrollments(ctx, c.ID)
	if err != nil {
		return err
	}
	if len(ens) == 0 {
		// Stay active: a blast with nobody enrolled yet fans out once
		// contacts arrive.
		s.log.Warn("campaign has no enrolled contacts", logx.String("campaign", c.ID))
		return nil
	}
	enqueued := 0
	for i := range ens {
		en := &ens[i]
		if en.Cursor.StepIndex > 0 {
			continue
		}
		if !s.capAllows(c, now) {
			s.log.Warn("daily cap reached, deferring rest of fan-out",
				logx.String("campaign", c.ID),
				logx.Int("enqueued", enqueued))
			return nil // stay active; the next tick picks up the remainder
		}
		if err := s.enqueueStep(ctx, c, &en.Contact, step, now); err != nil {
			return err
		}
		s.capCharge(c, now)
		enqueued++
		if err := s.store.AdvanceCursor(ctx, c.ID, en.Contact.ID, 0, now); err != nil {
			s.log.Error("advance cursor failed",
				logx.String("campaign", c.ID),
				logx.String("contact", en.Contact.ID),
				logx.Err(err))
		}
	}
	if err := s.store.MarkCompleted(ctx, c.ID, now); err != nil {
		return err
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeCampaignCompleted, Data: c.ID})
	s.log.Info("campaign fan-out complete", logx.String("campaign", c.ID), logx.Int("contacts", len(ens)))
	return nil
}

// TickSequence advances drip campaigns: for each enrolled contact whose next
// step delay has elapsed, enqueue the step and move the cursor. The cursor
// advances when the job is enqueued, not when delivery is confirmed, so a
// send that ultimately fails does not stall the rest of the sequence.
func (s *Service) TickSequence(ctx context.Context) error {
	now := s.now().In(s.location())
	active, err := s.store.ActiveByType(ctx, domain.CampaignSequence)
	if err != nil {
		return err
	}
	for i := range active {
		c := &active[i]
		if err := s.advanceSequence(ctx, c, now); err != nil {
			s.log.Error("sequence advance failed", logx.String("campaign", c.ID), logx.Err(err))
		}
	}
	return nil
}

func (s *Service) advanceSequence(ctx context.Context, c *domain.Campaign, now time.Time) error {
	if !c.Schedule.EndAt.IsZero() && now.After(c.Schedule.EndAt) {
		return s.complete(ctx, c.ID, now, "end date reached")
	}
	if !c.Schedule.InWindow(now) {
		return nil
	}
	ens, err := s.store.Enrollments(ctx, c.ID)
	if err != nil {
		return err
	}
	exhausted := 0
	for i := range ens {
		en := &ens[i]
		step, ok := c.Step(en.Cursor.StepIndex)
		if !ok {
			exhausted++
			continue
		}
		if en.Cursor.StepIndex > 0 && now.Sub(en.Cursor.LastSentAt) < step.Delay {
			continue
		}
		if !s.capAllows(c, now) {
			s.log.Debug("daily cap reached", logx.String("campaign", c.ID))
			break
		}
		if err := s.enqueueStep(ctx, c, &en.Contact, step, now); err != nil {
			s.log.Error("enqueue step failed",
				logx.String("campaign", c.ID),
				logx.String("contact", en.Contact.ID),
				logx.Err(err))
			continue
		}
		s.capCharge(c, now)
		if err := s.store.AdvanceCursor(ctx, c.ID, en.Contact.ID, en.Cursor.StepIndex, now); err != nil {
			s.log.Error("advance cursor failed",
				logx.String("campaign", c.ID),
				logx.String("contact", en.Contact.ID),
				logx.Err(err))
		}
	}
	if len(ens) > 0 && exhausted == len(ens) {
		return s.complete(ctx, c.ID, now, "all contacts finished")
	}
	return nil
}

// TickRecurring re-fans-out active recurring campaigns once per calendar
// period (day/week/month) in the scheduler's timezone.
func (s *Service) TickRecurring(ctx context.Context) error {
	now := s.now().In(s.location())
	active, err := s.store.ActiveByType(ctx, domain.CampaignRecurring)
	if err != nil {
		return err
	}
	for i := range active {
		c := &active[i]
		switch err := s.runRecurring(ctx, c, now); {
		case err == nil:
		case errors.Is(err, errNoSteps):
			s.failCampaign(ctx, c.ID, err)
		default:
			s.log.Error("recurring run failed", logx.String("campaign", c.ID), logx.Err(err))
		}
	}
	return nil
}

func (s *Service) runRecurring(ctx context.Context, c *domain.Campaign, now time.Time) error {
	if !c.Schedule.EndAt.IsZero() && now.After(c.Schedule.EndAt) {
		return s.complete(ctx, c.ID, now, "end date reached")
	}
	if !c.Schedule.InWindow(now) {
		return nil
	}
	if !c.LastRunAt.IsZero() && samePeriod(c.Schedule.Interval, c.LastRunAt.In(s.location()), now) {
		return nil
	}
	step, ok := c.Step(0)
	if !ok {
		return errNoSteps
	}
	ens, err := s.store.Enrollments(ctx, c.ID)
	if err != nil {
		return err
	}
	for i := range ens {
		if !s.capAllows(c, now) {
			s.log.Warn("daily cap reached during recurring run", logx.String("campaign", c.ID))
			break
		}
		if err := s.enqueueStep(ctx, c, &ens[i].Contact, step, now); err != nil {
			s.log.Error("enqueue failed",
				logx.String("campaign", c.ID),
				logx.String("contact", ens[i].Contact.ID),
				logx.Err(err))
			continue
		}
		s.capCharge(c, now)
	}
	if err := s.store.SetLastRun(ctx, c.ID, now); err != nil {
		return err
	}
	s.log.Info("recurring fan-out done",
		logx.String("campaign", c.ID),
		logx.Int("contacts", len(ens)),
		logx.String("interval", string(c.Schedule.Interval)))
	return nil
}

// samePeriod reports whether a and b fall in the same calendar period for
// the interval. Unknown intervals compare as daily.
func samePeriod(iv domain.RecurringInterval, a, b time.Time) bool {
	switch iv {
	case domain.IntervalWeekly:
		ay, aw := a.ISOWeek()
		by, bw := b.ISOWeek()
		return ay == by && aw == bw
	case domain.IntervalMonthly:
		return a.Year() == b.Year() && a.Month() == b.Month()
	default:
		return a.Year() == b.Year() && a.YearDay() == b.YearDay()
	}
}

func (s *Service) enqueueStep(ctx context.Context, c *domain.Campaign, contact *domain.Contact, step domain.TemplateStep, now time.Time) error {
	job := &domain.DispatchJob{
		CampaignID:   c.ID,
		ContactID:    contact.ID,
		Channel:      c.Channel,
		Step:         step.Index,
		ScheduledFor: now,
	}
	return s.queue.Enqueue(ctx, job)
}

func (s *Service) complete(ctx context.Context, id string, now time.Time, reason string) error {
	if err := s.store.MarkCompleted(ctx, id, now); err != nil {
		return err
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeCampaignCompleted, Data: id})
	s.log.Info("campaign completed", logx.String("campaign", id), logx.String("reason", reason))
	return nil
}

func (s *Service) failCampaign(ctx context.Context, id string, cause error) {
	if err := s.store.MarkCampaignFailed(ctx, id, cause.Error()); err != nil {
		s.log.Error("marking campaign failed", logx.String("campaign", id), logx.Err(err))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeCampaignFailed, Data: id})
	s.log.Error("campaign failed", logx.String("campaign", id), logx.Err(cause))
}

// --- daily cap bookkeeping ---

func (s *Service) capAllows(c *domain.Campaign, now time.Time) bool {
	if c.Schedule.DailyCap <= 0 {
		return true
	}
	s.capMu.Lock()
	defer s.capMu.Unlock()
	s.rollCapDayLocked(now)
	return s.capUsed[c.ID] < c.Schedule.DailyCap
}

func (s *Service) capCharge(c *domain.Campaign, now time.Time) {
	if c.Schedule.DailyCap <= 0 {
		return
	}
	s.capMu.Lock()
	defer s.capMu.Unlock()
	s.rollCapDayLocked(now)
	s.capUsed[c.ID]++
}

func (s *Service) rollCapDayLocked(now time.Time) {
	day := now.Format("2006-01-02")
	if day != s.capDay {
		s.capDay = day
		s.capUsed = map[string]int{}
	}
}
