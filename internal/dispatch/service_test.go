package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
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

type fixture struct {
	store store.Store
	queue *queue.Queue
	mock  *channel.Mock
	svc   *Service
	bus   eventbus.Bus
}

func newFixture(t *testing.T, caps ratelimit.Caps) *fixture {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "d.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	q := queue.New(st.DB(), queue.Config{}, logx.Nop())
	mock := channel.NewMock()
	reg := channel.NewRegistry()
	for _, ch := range domain.Channels() {
		reg.Register(ch, mock)
	}
	lim := ratelimit.New(map[domain.Channel]ratelimit.Caps{
		domain.ChannelWhatsApp: caps,
		domain.ChannelEmail:    caps,
		domain.ChannelSMS:      caps,
		domain.ChannelLinkedIn: caps,
	})
	bus := eventbus.New()
	svc := New(Config{Workers: 1}, q, st, reg, lim, bus, logx.Nop())
	return &fixture{store: st, queue: q, mock: mock, svc: svc, bus: bus}
}

func (f *fixture) seed(t *testing.T, campStatus domain.CampaignStatus) {
	t.Helper()
	ctx := context.Background()
	c := &domain.Campaign{
		ID: "c1", Name: "launch", Channel: domain.ChannelWhatsApp,
		Type: domain.CampaignImmediate, Status: campStatus,
		Steps: []domain.TemplateStep{{Index: 0, Body: "Hi {{firstName}}"}},
	}
	if err := f.store.CreateCampaign(ctx, c); err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	ct := &domain.Contact{ID: "p1", FirstName: "Asha", Phone: "+15550001", Email: "asha@acme.test"}
	if err := f.store.CreateContact(ctx, ct); err != nil {
		t.Fatalf("seed contact: %v", err)
	}
}

// claimAndProcess drives one job through the worker path.
func (f *fixture) claimAndProcess(t *testing.T, ch domain.Channel) *domain.DispatchJob {
	t.Helper()
	ctx := context.Background()
	job, err := f.queue.Claim(ctx, ch)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil {
		t.Fatal("no job runnable")
	}
	f.svc.process(ctx, logx.Nop(), job)
	return job
}

func TestProcessSendsAndCounts(t *testing.T) {
	f := newFixture(t, ratelimit.Caps{})
	f.seed(t, domain.CampaignActive)
	ctx := context.Background()

	job := &domain.DispatchJob{CampaignID: "c1", ContactID: "p1", Channel: domain.ChannelWhatsApp, Step: 0}
	if err := f.queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.claimAndProcess(t, domain.ChannelWhatsApp)

	sent := f.mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].Address != "+15550001" || sent[0].Content != "Hi Asha" {
		t.Fatalf("delivery: %+v", sent[0])
	}

	got, err := f.queue.Job(ctx, job.ID)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if got.State != domain.JobCompleted {
		t.Fatalf("job state: %s", got.State)
	}
	c, _ := f.store.Campaign(ctx, "c1")
	if c.Stats.Sent != 1 {
		t.Fatalf("sent stat: %d", c.Stats.Sent)
	}
	msgs, _ := f.store.Messages(ctx, "c1")
	if len(msgs) != 1 || msgs[0].Status != domain.MessageSent {
		t.Fatalf("messages: %+v", msgs)
	}
}

func TestDuplicateDeliveryCountsOnce(t *testing.T) {
	f := newFixture(t, ratelimit.Caps{})
	f.seed(t, domain.CampaignActive)
	ctx := context.Background()

	// Two jobs for the same (campaign, contact, step): what a visibility
	// timeout redelivery looks like after the first send's ack was lost.
	for _, id := range []string{"j1", "j2"} {
		job := &domain.DispatchJob{ID: id, CampaignID: "c1", ContactID: "p1", Channel: domain.ChannelWhatsApp}
		if err := f.queue.Enqueue(ctx, job); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	f.claimAndProcess(t, domain.ChannelWhatsApp)
	f.claimAndProcess(t, domain.ChannelWhatsApp)

	c, _ := f.store.Campaign(ctx, "c1")
	if c.Stats.Sent != 1 {
		t.Fatalf("sent stat after duplicate: %d, want 1", c.Stats.Sent)
	}
	msgs, _ := f.store.Messages(ctx, "c1")
	if len(msgs) != 1 {
		t.Fatalf("message rows: %d, want 1", len(msgs))
	}
}

func TestOptedOutContactFailsTerminally(t *testing.T) {
	f := newFixture(t, ratelimit.Caps{})
	f.seed(t, domain.CampaignActive)
	ctx := context.Background()

	opted := &domain.Contact{
		ID: "p2", FirstName: "Omar", Phone: "+15550002",
		OptedOut: map[domain.Channel]bool{domain.ChannelWhatsApp: true},
	}
	if err := f.store.CreateContact(ctx, opted); err != nil {
		t.Fatalf("contact: %v", err)
	}
	job := &domain.DispatchJob{CampaignID: "c1", ContactID: "p2", Channel: domain.ChannelWhatsApp}
	if err := f.queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	events, unsub := f.bus.Subscribe(4)
	defer unsub()
	f.claimAndProcess(t, domain.ChannelWhatsApp)

	if n := len(f.mock.Sent()); n != 0 {
		t.Fatalf("opted-out contact received %d sends", n)
	}
	// Consent denied is terminal on the first attempt; no retry budget spent
	// probing a contact who asked not to be messaged.
	got, _ := f.queue.Job(ctx, job.ID)
	if got.State != domain.JobFailed {
		t.Fatalf("job state: %s", got.State)
	}
	msgs, _ := f.store.Messages(ctx, "c1")
	if len(msgs) != 1 || msgs[0].Status != domain.MessageFailed {
		t.Fatalf("messages: %+v", msgs)
	}
	if msgs[0].FailReason == "" {
		t.Fatal("failed message should record the opt-out reason")
	}
	c, _ := f.store.Campaign(ctx, "c1")
	if c.Stats.Failed != 1 {
		t.Fatalf("failed stat: %d", c.Stats.Failed)
	}
	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeDispatchFailed {
			t.Fatalf("event type: %s", ev.Type)
		}
	default:
		t.Fatal("no failure event published")
	}
}

func TestRateCapReleasesWithoutAttempt(t *testing.T) {
	f := newFixture(t, ratelimit.Caps{PerMinute: 1})
	f.seed(t, domain.CampaignActive)
	ctx := context.Background()

	for _, id := range []string{"j1", "j2"} {
		job := &domain.DispatchJob{
			ID: id, CampaignID: "c1", ContactID: "p1",
			Channel: domain.ChannelWhatsApp, Step: 0,
		}
		// Distinct steps so the second send is not absorbed as a duplicate.
		if id == "j2" {
			job.Content = "second"
		}
		if err := f.queue.Enqueue(ctx, job); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	f.claimAndProcess(t, domain.ChannelWhatsApp)
	f.claimAndProcess(t, domain.ChannelWhatsApp)

	if n := len(f.mock.Sent()); n != 1 {
		t.Fatalf("cap 1/minute allowed %d sends", n)
	}
	deferred, _ := f.queue.Job(ctx, "j2")
	if deferred.State != domain.JobWaiting {
		t.Fatalf("capped job state: %s", deferred.State)
	}
	if deferred.Attempts != 0 {
		t.Fatalf("capped job charged an attempt: %d", deferred.Attempts)
	}
	if !deferred.ScheduledFor.After(time.Now()) {
		t.Fatal("capped job should be delayed until the window resets")
	}
}

func TestPausedCampaignDefersJob(t *testing.T) {
	f := newFixture(t, ratelimit.Caps{})
	f.seed(t, domain.CampaignPaused)
	ctx := context.Background()

	job := &domain.DispatchJob{CampaignID: "c1", ContactID: "p1", Channel: domain.ChannelWhatsApp}
	if err := f.queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.claimAndProcess(t, domain.ChannelWhatsApp)

	if n := len(f.mock.Sent()); n != 0 {
		t.Fatalf("paused campaign sent %d messages", n)
	}
	got, _ := f.queue.Job(ctx, job.ID)
	if got.State != domain.JobWaiting || got.Attempts != 0 {
		t.Fatalf("deferred job: %+v", got)
	}
}

func TestCancelledCampaignDropsJob(t *testing.T) {
	f := newFixture(t, ratelimit.Caps{})
	f.seed(t, domain.CampaignCancelled)
	ctx := context.Background()

	job := &domain.DispatchJob{CampaignID: "c1", ContactID: "p1", Channel: domain.ChannelWhatsApp}
	if err := f.queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.claimAndProcess(t, domain.ChannelWhatsApp)

	if n := len(f.mock.Sent()); n != 0 {
		t.Fatalf("cancelled campaign sent %d messages", n)
	}
	got, _ := f.queue.Job(ctx, job.ID)
	if got.State != domain.JobCompleted {
		t.Fatalf("dropped job state: %s", got.State)
	}
	c, _ := f.store.Campaign(ctx, "c1")
	if c.Stats.Sent != 0 || c.Stats.Failed != 0 {
		t.Fatalf("stats touched for dropped job: %+v", c.Stats)
	}
}

func TestDisconnectedChannelDefersJob(t *testing.T) {
	f := newFixture(t, ratelimit.Caps{})
	f.seed(t, domain.CampaignActive)
	ctx := context.Background()
	f.mock.SetConnected(false)

	job := &domain.DispatchJob{CampaignID: "c1", ContactID: "p1", Channel: domain.ChannelWhatsApp}
	if err := f.queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.claimAndProcess(t, domain.ChannelWhatsApp)

	if n := len(f.mock.Sent()); n != 0 {
		t.Fatalf("disconnected channel sent %d messages", n)
	}
	got, _ := f.queue.Job(ctx, job.ID)
	if got.State != domain.JobWaiting || got.Attempts != 0 {
		t.Fatalf("deferred job: %+v", got)
	}
}

func TestApplyRateRepacesWorkers(t *testing.T) {
	f := newFixture(t, ratelimit.Caps{})

	// Pacing disabled: every channel pacer admits immediately.
	for _, ch := range domain.Channels() {
		if got := f.svc.pacers[ch].Limit(); got != rate.Inf {
			t.Fatalf("%s pacer limit = %v, want Inf", ch, got)
		}
	}

	f.svc.ApplyRate(2)
	for _, ch := range domain.Channels() {
		if got := f.svc.pacers[ch].Limit(); got != rate.Limit(2) {
			t.Fatalf("%s pacer limit = %v, want 2", ch, got)
		}
	}

	f.svc.ApplyRate(0)
	if got := f.svc.pacers[domain.ChannelEmail].Limit(); got != rate.Inf {
		t.Fatalf("pacer limit = %v after disabling, want Inf", got)
	}
}

func TestMissingAddressFailsTerminally(t *testing.T) {
	f := newFixture(t, ratelimit.Caps{})
	f.seed(t, domain.CampaignActive)
	ctx := context.Background()

	bare := &domain.Contact{ID: "p3", FirstName: "Lena"}
	if err := f.store.CreateContact(ctx, bare); err != nil {
		t.Fatalf("contact: %v", err)
	}
	job := &domain.DispatchJob{CampaignID: "c1", ContactID: "p3", Channel: domain.ChannelEmail}
	if err := f.queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.claimAndProcess(t, domain.ChannelEmail)

	got, _ := f.queue.Job(ctx, job.ID)
	if got.State != domain.JobFailed {
		t.Fatalf("job state: %s", got.State)
	}
	c, _ := f.store.Campaign(ctx, "c1")
	if c.Stats.Failed != 1 {
		t.Fatalf("failed stat: %d", c.Stats.Failed)
	}
	msgs, _ := f.store.Messages(ctx, "c1")
	if len(msgs) != 1 || msgs[0].Status != domain.MessageFailed {
		t.Fatalf("messages: %+v", msgs)
	}
}

func TestRetryableSendErrorRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, ratelimit.Caps{})
	f.seed(t, domain.CampaignActive)
	ctx := context.Background()

	f.mock.FailWith(errors.New("gateway 502"), 1)
	job := &domain.DispatchJob{ID: "j1", CampaignID: "c1", ContactID: "p1", Channel: domain.ChannelWhatsApp}
	if err := f.queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f.claimAndProcess(t, domain.ChannelWhatsApp)
	got, _ := f.queue.Job(ctx, "j1")
	if got.State != domain.JobWaiting || got.Attempts != 1 {
		t.Fatalf("after first attempt: %+v", got)
	}
	c, _ := f.store.Campaign(ctx, "c1")
	if c.Stats.Failed != 0 {
		t.Fatal("non-terminal failure must not bump the failed counter")
	}

	// Make the retry runnable now and try again.
	base := time.Now().Add(time.Hour)
	f.queue.SetNow(func() time.Time { return base })
	f.claimAndProcess(t, domain.ChannelWhatsApp)

	if n := len(f.mock.Sent()); n != 1 {
		t.Fatalf("sends after retry: %d", n)
	}
	got, _ = f.queue.Job(ctx, "j1")
	if got.State != domain.JobCompleted {
		t.Fatalf("job state after retry: %s", got.State)
	}
	c, _ = f.store.Campaign(ctx, "c1")
	if c.Stats.Sent != 1 {
		t.Fatalf("sent stat: %d", c.Stats.Sent)
	}
}

func TestRenderUsesStepTemplate(t *testing.T) {
	asha := &domain.Contact{FirstName: "Asha", Company: ""}
	got := personalize.Render("Hi {{firstName}}, from {{company}}", asha)
	if got != "Hi Asha, from your company" {
		t.Fatalf("render: %q", got)
	}
}
