package campaign

import (
	"context"
	"errors"

	"outreachd/internal/domain"
	logx "outreachd/pkg/logx"
)

var errNoSteps = errors.New("campaign has no template steps")

// Operator-facing lifecycle controls. Queued jobs for a paused campaign stay
// queued; the dispatch worker defers them until the campaign resumes.

func (s *Service) Pause(ctx context.Context, id string) error {
	if err := s.store.Transition(ctx, id, domain.CampaignPaused); err != nil {
		return err
	}
	s.log.Info("campaign paused", logx.String("campaign", id))
	return nil
}

func (s *Service) Resume(ctx context.Context, id string) error {
	if err := s.store.Transition(ctx, id, domain.CampaignActive); err != nil {
		return err
	}
	s.log.Info("campaign resumed", logx.String("campaign", id))
	return nil
}

// Cancel terminally stops a campaign. Already-queued jobs are dropped by the
// workers when they see the terminal status.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.store.Transition(ctx, id, domain.CampaignCancelled); err != nil {
		return err
	}
	s.log.Info("campaign cancelled", logx.String("campaign", id))
	return nil
}

// Schedule moves a draft campaign into the scheduled state after validating
// it has at least one step. The start time was set at creation; the
// immediate tick picks the campaign up once it arrives.
func (s *Service) Schedule(ctx context.Context, id string) error {
	c, err := s.store.Campaign(ctx, id)
	if err != nil {
		return err
	}
	if len(c.Steps) == 0 {
		return errNoSteps
	}
	if err := s.store.Transition(ctx, id, domain.CampaignScheduled); err != nil {
		return err
	}
	s.log.Info("campaign scheduled", logx.String("campaign", id))
	return nil
}
