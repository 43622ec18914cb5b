package service

import (
	"context"
	"time"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

// StateMachine owns campaign status. Every change is a compare-and-set on the
// status the caller last observed.
type StateMachine struct {
	Campaigns repository.CampaignRepositoryInterface
	Now       func() time.Time
}

func NewStateMachine(campaigns repository.CampaignRepositoryInterface) *StateMachine {
	return &StateMachine{Campaigns: campaigns, Now: time.Now}
}

// Fire applies event to a campaign believed to be in status from and returns
// the new status.
func (sm *StateMachine) Fire(ctx context.Context, id string, from model.Status, event model.Event) (model.Status, error) {
	return sm.fire(ctx, id, from, event, nil)
}

// Schedule moves a draft campaign to scheduled with the given run time.
func (sm *StateMachine) Schedule(ctx context.Context, id string, from model.Status, at time.Time) error {
	_, err := sm.fire(ctx, id, from, model.EventSchedule, &at)
	return err
}

func (sm *StateMachine) fire(ctx context.Context, id string, from model.Status, event model.Event, scheduledFor *time.Time) (model.Status, error) {
	to, ok := from.Next(event)
	if !ok {
		return from, appErrors.NewInvalidTransition(id, from.String(), event.String())
	}
	err := sm.Campaigns.CompareAndSetStatus(ctx, repository.Transition{
		CampaignID:   id,
		From:         from,
		To:           to,
		Event:        event,
		At:           sm.Now(),
		ScheduledFor: scheduledFor,
	})
	if err != nil {
		return from, err
	}
	return to, nil
}
