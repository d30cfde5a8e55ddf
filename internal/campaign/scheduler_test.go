package campaign

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"outreachd/internal/domain"
	"outreachd/internal/eventbus"
	"outreachd/internal/queue"
	"outreachd/internal/store"
	logx "outreachd/pkg/logx"
)

type fixture struct {
	store store.Store
	queue *queue.Queue
	svc   *Service
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "s.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	q := queue.New(st.DB(), queue.Config{}, logx.Nop())
	f := &fixture{
		store: st,
		queue: q,
		// A weekday well inside any business-hours window.
		now: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC), // Wednesday
	}
	f.svc = New(Config{Enabled: true}, st, q, eventbus.New(), logx.Nop())
	f.svc.SetNow(func() time.Time { return f.now })
	q.SetNow(func() time.Time { return f.now })
	return f
}

func (f *fixture) createCampaign(t *testing.T, c *domain.Campaign) {
	t.Helper()
	if c.Schedule.StartAt.IsZero() {
		c.Schedule.StartAt = f.now.Add(-time.Minute)
	}
	if err := f.store.CreateCampaign(context.Background(), c); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
}

func (f *fixture) enrollContacts(t *testing.T, campaignID string, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		ct := &domain.Contact{ID: id, FirstName: "N" + id, Phone: "+1555" + id, Email: id + "@test"}
		if err := f.store.CreateContact(ctx, ct); err != nil {
			t.Fatalf("contact %s: %v", id, err)
		}
		if err := f.store.Enroll(ctx, campaignID, id); err != nil {
			t.Fatalf("enroll %s: %v", id, err)
		}
	}
}

// drainJobs claims everything runnable right now for the channel.
func (f *fixture) drainJobs(t *testing.T, ch domain.Channel) []*domain.DispatchJob {
	t.Helper()
	var out []*domain.DispatchJob
	for {
		job, err := f.queue.Claim(context.Background(), ch)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if job == nil {
			return out
		}
		out = append(out, job)
	}
}

func TestImmediateFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createCampaign(t, &domain.Campaign{
		ID: "c1", Name: "blast", Channel: domain.ChannelWhatsApp,
		Type: domain.CampaignImmediate, Status: domain.CampaignScheduled,
		Steps: []domain.TemplateStep{{Index: 0, Body: "Hi {{firstName}}"}},
	})
	f.enrollContacts(t, "c1", "p1", "p2", "p3")

	if err := f.svc.TickImmediate(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	jobs := f.drainJobs(t, domain.ChannelWhatsApp)
	if len(jobs) != 3 {
		t.Fatalf("fanned out %d jobs, want 3", len(jobs))
	}
	for _, j := range jobs {
		if j.CampaignID != "c1" || j.Step != 0 {
			t.Fatalf("bad job: %+v", j)
		}
	}
	c, _ := f.store.Campaign(ctx, "c1")
	if c.Status != domain.CampaignCompleted {
		t.Fatalf("status after fan-out: %s", c.Status)
	}

	// A second tick must not re-enqueue anything.
	if err := f.svc.TickImmediate(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if extra := f.drainJobs(t, domain.ChannelWhatsApp); len(extra) != 0 {
		t.Fatalf("second tick enqueued %d jobs", len(extra))
	}
}

func TestImmediateNotDueYet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createCampaign(t, &domain.Campaign{
		ID: "c1", Channel: domain.ChannelEmail,
		Type: domain.CampaignImmediate, Status: domain.CampaignScheduled,
		Schedule: domain.Schedule{StartAt: f.now.Add(time.Hour)},
		Steps:    []domain.TemplateStep{{Index: 0, Body: "hello"}},
	})
	f.enrollContacts(t, "c1", "p1")

	if err := f.svc.TickImmediate(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if jobs := f.drainJobs(t, domain.ChannelEmail); len(jobs) != 0 {
		t.Fatalf("future campaign fanned out %d jobs", len(jobs))
	}
	c, _ := f.store.Campaign(ctx, "c1")
	if c.Status != domain.CampaignScheduled {
		t.Fatalf("status: %s", c.Status)
	}
}

func TestImmediateDailyCapResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createCampaign(t, &domain.Campaign{
		ID: "c1", Channel: domain.ChannelSMS,
		Type: domain.CampaignImmediate, Status: domain.CampaignScheduled,
		Schedule: domain.Schedule{StartAt: f.now.Add(-time.Minute), DailyCap: 2},
		Steps:    []domain.TemplateStep{{Index: 0, Body: "promo"}},
	})
	f.enrollContacts(t, "c1", "p1", "p2", "p3")

	if err := f.svc.TickImmediate(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if jobs := f.drainJobs(t, domain.ChannelSMS); len(jobs) != 2 {
		t.Fatalf("capped fan-out enqueued %d, want 2", len(jobs))
	}
	c, _ := f.store.Campaign(ctx, "c1")
	if c.Status != domain.CampaignActive {
		t.Fatalf("interrupted campaign should stay active, got %s", c.Status)
	}

	// Next calendar day the remainder goes out and the campaign completes.
	f.now = f.now.Add(24 * time.Hour)
	if err := f.svc.TickImmediate(ctx); err != nil {
		t.Fatalf("next-day tick: %v", err)
	}
	if jobs := f.drainJobs(t, domain.ChannelSMS); len(jobs) != 1 {
		t.Fatalf("resumed fan-out enqueued %d, want 1", len(jobs))
	}
	c, _ = f.store.Campaign(ctx, "c1")
	if c.Status != domain.CampaignCompleted {
		t.Fatalf("status after resume: %s", c.Status)
	}
}

func TestImmediateQueueOutageLeavesCampaignActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createCampaign(t, &domain.Campaign{
		ID: "c1", Channel: domain.ChannelEmail,
		Type: domain.CampaignImmediate, Status: domain.CampaignScheduled,
		Steps: []domain.TemplateStep{{Index: 0, Body: "hello"}},
	})
	f.enrollContacts(t, "c1", "p1")

	// Simulate the queue being unreachable mid-tick.
	if _, err := f.store.DB().Exec(`DROP TABLE jobs`); err != nil {
		t.Fatalf("drop jobs: %v", err)
	}
	if err := f.svc.TickImmediate(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	c, err := f.store.Campaign(ctx, "c1")
	if err != nil {
		t.Fatalf("campaign: %v", err)
	}
	if c.Status != domain.CampaignActive {
		t.Fatalf("campaign should stay active for the next tick, got %s (lastError=%q)", c.Status, c.LastError)
	}
}

func TestImmediateWithoutContactsStaysActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createCampaign(t, &domain.Campaign{
		ID: "c1", Channel: domain.ChannelEmail,
		Type: domain.CampaignImmediate, Status: domain.CampaignScheduled,
		Steps: []domain.TemplateStep{{Index: 0, Body: "hello"}},
	})

	if err := f.svc.TickImmediate(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	c, _ := f.store.Campaign(ctx, "c1")
	if c.Status != domain.CampaignActive {
		t.Fatalf("empty campaign should idle active, got %s", c.Status)
	}

	// Contacts enrolled later are picked up by the next tick.
	f.enrollContacts(t, "c1", "p1")
	if err := f.svc.TickImmediate(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if jobs := f.drainJobs(t, domain.ChannelEmail); len(jobs) != 1 {
		t.Fatalf("late enrollment fanned out %d jobs, want 1", len(jobs))
	}
	c, _ = f.store.Campaign(ctx, "c1")
	if c.Status != domain.CampaignCompleted {
		t.Fatalf("status after late fan-out: %s", c.Status)
	}
}

func TestImmediateWithoutStepsFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createCampaign(t, &domain.Campaign{
		ID: "c1", Channel: domain.ChannelEmail,
		Type: domain.CampaignImmediate, Status: domain.CampaignScheduled,
	})
	f.enrollContacts(t, "c1", "p1")

	if err := f.svc.TickImmediate(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	c, _ := f.store.Campaign(ctx, "c1")
	if c.Status != domain.CampaignFailed {
		t.Fatalf("status: %s", c.Status)
	}
	if c.LastError == "" {
		t.Fatal("failed campaign should record the cause")
	}
}

func TestSequenceAdvancesWithDelays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createCampaign(t, &domain.Campaign{
		ID: "c1", Channel: domain.ChannelEmail,
		Type: domain.CampaignSequence, Status: domain.CampaignActive,
		Steps: []domain.TemplateStep{
			{Index: 0, Body: "intro"},
			{Index: 1, Body: "follow-up", Delay: 24 * time.Hour},
		},
	})
	f.enrollContacts(t, "c1", "p1", "p2")

	if err := f.svc.TickSequence(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	jobs := f.drainJobs(t, domain.ChannelEmail)
	if len(jobs) != 2 {
		t.Fatalf("step 0 jobs: %d", len(jobs))
	}
	for _, j := range jobs {
		if j.Step != 0 {
			t.Fatalf("expected step 0, got %d", j.Step)
		}
	}

	// Same time: the follow-up delay has not elapsed.
	if err := f.svc.TickSequence(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if extra := f.drainJobs(t, domain.ChannelEmail); len(extra) != 0 {
		t.Fatalf("follow-up sent early: %d jobs", len(extra))
	}

	f.now = f.now.Add(25 * time.Hour)
	if err := f.svc.TickSequence(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	jobs = f.drainJobs(t, domain.ChannelEmail)
	if len(jobs) != 2 {
		t.Fatalf("step 1 jobs: %d", len(jobs))
	}
	for _, j := range jobs {
		if j.Step != 1 {
			t.Fatalf("expected step 1, got %d", j.Step)
		}
	}

	// All steps exhausted: the next tick completes the campaign.
	if err := f.svc.TickSequence(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	c, _ := f.store.Campaign(ctx, "c1")
	if c.Status != domain.CampaignCompleted {
		t.Fatalf("status: %s", c.Status)
	}
}

func TestSequenceRespectsWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createCampaign(t, &domain.Campaign{
		ID: "c1", Channel: domain.ChannelEmail,
		Type: domain.CampaignSequence, Status: domain.CampaignActive,
		Schedule: domain.Schedule{
			StartAt:    f.now.Add(-time.Hour),
			WindowFrom: "09:00",
			WindowTo:   "17:00",
		},
		Steps: []domain.TemplateStep{{Index: 0, Body: "intro"}},
	})
	f.enrollContacts(t, "c1", "p1")

	// 22:00 is outside the window.
	f.now = time.Date(2026, 3, 4, 22, 0, 0, 0, time.UTC)
	if err := f.svc.TickSequence(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if jobs := f.drainJobs(t, domain.ChannelEmail); len(jobs) != 0 {
		t.Fatalf("window ignored: %d jobs", len(jobs))
	}

	f.now = time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	if err := f.svc.TickSequence(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if jobs := f.drainJobs(t, domain.ChannelEmail); len(jobs) != 1 {
		t.Fatalf("in-window tick enqueued %d", len(jobs))
	}
}

func TestPausedCampaignNoFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createCampaign(t, &domain.Campaign{
		ID: "c1", Channel: domain.ChannelWhatsApp,
		Type: domain.CampaignSequence, Status: domain.CampaignActive,
		Steps: []domain.TemplateStep{{Index: 0, Body: "hello"}},
	})
	f.enrollContacts(t, "c1", "p1")

	if err := f.svc.Pause(ctx, "c1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.svc.TickSequence(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if jobs := f.drainJobs(t, domain.ChannelWhatsApp); len(jobs) != 0 {
		t.Fatalf("paused campaign fanned out %d jobs", len(jobs))
	}

	if err := f.svc.Resume(ctx, "c1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := f.svc.TickSequence(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if jobs := f.drainJobs(t, domain.ChannelWhatsApp); len(jobs) != 1 {
		t.Fatalf("resumed campaign enqueued %d", len(jobs))
	}
}

func TestRecurringOncePerDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createCampaign(t, &domain.Campaign{
		ID: "c1", Channel: domain.ChannelWhatsApp,
		Type: domain.CampaignRecurring, Status: domain.CampaignActive,
		Schedule: domain.Schedule{
			StartAt:  f.now.Add(-time.Hour),
			Interval: domain.IntervalDaily,
		},
		Steps: []domain.TemplateStep{{Index: 0, Body: "daily digest"}},
	})
	f.enrollContacts(t, "c1", "p1", "p2")

	if err := f.svc.TickRecurring(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if jobs := f.drainJobs(t, domain.ChannelWhatsApp); len(jobs) != 2 {
		t.Fatalf("first run enqueued %d", len(jobs))
	}

	// Later the same calendar day: no re-run.
	f.now = f.now.Add(6 * time.Hour)
	if err := f.svc.TickRecurring(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if jobs := f.drainJobs(t, domain.ChannelWhatsApp); len(jobs) != 0 {
		t.Fatalf("same-day re-run enqueued %d", len(jobs))
	}

	// Next day runs again.
	f.now = f.now.Add(24 * time.Hour)
	if err := f.svc.TickRecurring(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if jobs := f.drainJobs(t, domain.ChannelWhatsApp); len(jobs) != 2 {
		t.Fatalf("next-day run enqueued %d", len(jobs))
	}
}

func TestRecurringEndDateCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createCampaign(t, &domain.Campaign{
		ID: "c1", Channel: domain.ChannelEmail,
		Type: domain.CampaignRecurring, Status: domain.CampaignActive,
		Schedule: domain.Schedule{
			StartAt:  f.now.Add(-48 * time.Hour),
			EndAt:    f.now.Add(-time.Hour),
			Interval: domain.IntervalDaily,
		},
		Steps: []domain.TemplateStep{{Index: 0, Body: "digest"}},
	})
	f.enrollContacts(t, "c1", "p1")

	if err := f.svc.TickRecurring(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if jobs := f.drainJobs(t, domain.ChannelEmail); len(jobs) != 0 {
		t.Fatalf("expired campaign enqueued %d", len(jobs))
	}
	c, _ := f.store.Campaign(ctx, "c1")
	if c.Status != domain.CampaignCompleted {
		t.Fatalf("status: %s", c.Status)
	}
}

func TestSamePeriod(t *testing.T) {
	mon := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		iv   domain.RecurringInterval
		a, b time.Time
		want bool
	}{
		{"same day", domain.IntervalDaily, mon, mon.Add(10 * time.Hour), true},
		{"next day", domain.IntervalDaily, mon, mon.Add(24 * time.Hour), false},
		{"same iso week", domain.IntervalWeekly, mon, mon.Add(4 * 24 * time.Hour), true},
		{"next week", domain.IntervalWeekly, mon, mon.Add(7 * 24 * time.Hour), false},
		{"same month", domain.IntervalMonthly, mon, mon.Add(20 * 24 * time.Hour), true},
		{"next month", domain.IntervalMonthly, mon, mon.Add(31 * 24 * time.Hour), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := samePeriod(tc.iv, tc.a, tc.b); got != tc.want {
				t.Fatalf("samePeriod(%s, %v, %v) = %v", tc.iv, tc.a, tc.b, got)
			}
		})
	}
}
