// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/ratelimit"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

// ContactLookup resolves a single contact for previews. A missing contact is
// reported as (nil, nil).
type ContactLookup interface {
	GetByID(ctx context.Context, id string) (*model.Contact, error)
}

// CampaignService is the engine's control surface. Status changes go through
// the state machine first; the coordinator is only told once the
// compare-and-set has committed. Control operations on one campaign are
// serialized, so a status change and the matching coordinator call are never
// interleaved with another operation's.
type CampaignService struct {
	Campaigns   repository.CampaignRepositoryInterface
	Jobs        repository.DispatchJobRepositoryInterface
	Contacts    ContactLookup
	Machine     *StateMachine
	Coordinator *Coordinator
	Logger      *zap.Logger
	Now         func() time.Time

	locks sync.Map // campaign id -> *sync.Mutex
}

// Constructor
func NewCampaignService(store repository.Store, contacts ContactLookup, machine *StateMachine, coord *Coordinator, logger *zap.Logger) *CampaignService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CampaignService{
		Campaigns:   store,
		Jobs:        store,
		Contacts:    contacts,
		Machine:     machine,
		Coordinator: coord,
		Logger:      logger,
		Now:         time.Now,
	}
}

// Create stores a new draft campaign. One with ScheduledFor set is stored as
// scheduled.
func (s *CampaignService) Create(ctx context.Context, spec model.CampaignSpec) (*model.Campaign, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	if err := validateContent(spec.Name, spec.Template); err != nil {
		return nil, err
	}

	c := &model.Campaign{
		Name:        spec.Name,
		Description: spec.Description,
		Template:    spec.Template,
		Tags:        spec.Tags,
		Status:      model.StatusDraft,
		Audience:    spec.Audience,
		CreatedAt:   s.Now(),
	}
	if spec.ScheduledFor != nil {
		if spec.ScheduledFor.IsZero() {
			return nil, fmt.Errorf("%w: scheduled_for is required", appErrors.ErrValidation)
		}
		at := *spec.ScheduledFor
		c.Status = model.StatusScheduled
		c.ScheduledFor = &at
	}

	if err := s.Campaigns.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	s.Logger.Info("campaign created",
		zap.String("campaign_id", c.ID),
		zap.String("status", c.Status.String()),
		zap.Strings("placeholders", Placeholders(c.Template)))
	return s.Campaigns.GetByID(ctx, c.ID)
}

func validateContent(name, template string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", appErrors.ErrValidation)
	}
	if strings.TrimSpace(template) == "" {
		return fmt.Errorf("%w: message template cannot be empty", appErrors.ErrValidation)
	}
	if strings.Count(template, "{{") > countTokens(template) {
		return fmt.Errorf("%w: template has a malformed {{placeholder}}", appErrors.ErrValidation)
	}
	return nil
}

// Update edits the content and audience of a draft or scheduled campaign.
// Nil fields are left unchanged.
func (s *CampaignService) Update(ctx context.Context, id string, patch model.CampaignPatch) (*model.Campaign, error) {
	unlock := s.lock(id)
	defer unlock()

	c, err := s.live(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.Editable() {
		return nil, appErrors.NewInvalidTransition(id, c.Status.String(), "update")
	}

	if patch.Name != nil {
		c.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		c.Description = *patch.Description
	}
	if patch.Template != nil {
		c.Template = *patch.Template
	}
	if patch.Tags != nil {
		c.Tags = *patch.Tags
	}
	if patch.Audience != nil {
		c.Audience = *patch.Audience
	}
	if err := validateContent(c.Name, c.Template); err != nil {
		return nil, err
	}

	now := s.Now()
	c.UpdatedAt = &now
	if err := s.Campaigns.Update(ctx, c); err != nil {
		return nil, err
	}
	s.Logger.Info("campaign updated",
		zap.String("campaign_id", id),
		zap.Strings("placeholders", Placeholders(c.Template)))
	return s.Campaigns.GetByID(ctx, id)
}

// lock serializes control operations on one campaign.
func (s *CampaignService) lock(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// countTokens counts well-formed placeholder occurrences, repeats included.
func countTokens(template string) int {
	return len(placeholder.FindAllStringIndex(template, -1))
}

// GetStatus returns the campaign with its live counters.
func (s *CampaignService) GetStatus(ctx context.Context, id string) (*model.Campaign, error) {
	return s.Campaigns.GetByID(ctx, id)
}

// live fetches a campaign that has not been deleted.
func (s *CampaignService) live(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := s.Campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Deleted() {
		return nil, appErrors.NewCampaignDeleted(id)
	}
	return c, nil
}

// Run activates a draft, scheduled or paused campaign and starts dispatch.
// An active campaign with no running dispatch (left over from a restart) is
// started again; one that is already running fails with AlreadyRunning.
func (s *CampaignService) Run(ctx context.Context, id string) (*Handle, error) {
	return s.run(ctx, id, nil)
}

// Resume is Run restricted to paused campaigns.
func (s *CampaignService) Resume(ctx context.Context, id string) (*Handle, error) {
	return s.run(ctx, id, requireStatus(model.StatusPaused, "resume"))
}

func requireStatus(want model.Status, op string) func(*model.Campaign) error {
	return func(c *model.Campaign) error {
		if c.Status != want {
			return appErrors.NewInvalidTransition(c.ID, c.Status.String(), op)
		}
		return nil
	}
}

// run re-reads the campaign under its lock, so check and the transition see
// the status left by any operation that finished first.
func (s *CampaignService) run(ctx context.Context, id string, check func(*model.Campaign) error) (*Handle, error) {
	unlock := s.lock(id)
	defer unlock()

	c, err := s.live(ctx, id)
	if err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(c); err != nil {
			return nil, err
		}
	}

	if _, running := s.Coordinator.Running(c.ID); running {
		return nil, appErrors.NewAlreadyRunning(c.ID)
	}
	if c.Status != model.StatusActive {
		status, err := s.Machine.Fire(ctx, c.ID, c.Status, model.EventRun)
		if err != nil {
			return nil, err
		}
		c.Status = status
	}

	h, err := s.Coordinator.Start(c)
	if err != nil {
		return nil, err
	}
	s.Logger.Info("campaign running", zap.String("campaign_id", c.ID))
	return h, nil
}

// Pause stops admission for an active campaign and returns once in-flight
// sends have finished.
func (s *CampaignService) Pause(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()

	c, err := s.live(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.Machine.Fire(ctx, id, c.Status, model.EventPause); err != nil {
		return err
	}

	if h, ok := s.Coordinator.Running(id); ok {
		if err := s.Coordinator.Pause(h); err != nil {
			s.Logger.Warn("dispatch ended with error while pausing", zap.String("campaign_id", id), zap.Error(err))
		}
	}
	s.Logger.Info("campaign paused", zap.String("campaign_id", id))
	return nil
}

// Cancel moves a non-terminal campaign to cancelled and discards its unsent
// jobs. Sends already accepted by the transport are kept.
func (s *CampaignService) Cancel(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()
	return s.cancel(ctx, id)
}

func (s *CampaignService) cancel(ctx context.Context, id string) error {
	c, err := s.Campaigns.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.Machine.Fire(ctx, id, c.Status, model.EventCancel); err != nil {
		return err
	}

	if h, ok := s.Coordinator.Running(id); ok {
		if err := s.Coordinator.Cancel(h); err != nil {
			s.Logger.Warn("dispatch ended with error while cancelling", zap.String("campaign_id", id), zap.Error(err))
		}
	} else {
		n, err := s.Jobs.DiscardPending(ctx, id)
		if err != nil {
			return fmt.Errorf("discard pending jobs: %w", err)
		}
		s.Logger.Info("discarded pending jobs", zap.String("campaign_id", id), zap.Int("count", n))
	}
	s.Logger.Info("campaign cancelled", zap.String("campaign_id", id))
	return nil
}

// Schedule sets the run time of a draft campaign.
func (s *CampaignService) Schedule(ctx context.Context, id string, at time.Time) error {
	unlock := s.lock(id)
	defer unlock()

	c, err := s.live(ctx, id)
	if err != nil {
		return err
	}
	if at.IsZero() {
		return fmt.Errorf("%w: scheduled_for is required", appErrors.ErrValidation)
	}
	return s.Machine.Schedule(ctx, id, c.Status, at)
}

// Delete cancels a campaign that is still live and hides it from listings.
// Jobs and counters are preserved.
func (s *CampaignService) Delete(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()

	c, err := s.Campaigns.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !c.Status.Terminal() {
		if err := s.cancel(ctx, id); err != nil && !appErrors.IsInvalidTransition(err) {
			return err
		}
	}
	return s.Campaigns.SoftDelete(ctx, id, s.Now())
}

// List fetches campaigns with pagination
func (s *CampaignService) List(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	if status != "" {
		if _, err := model.ParseStatus(status); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", appErrors.ErrValidation, err)
		}
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.Campaigns.ListCampaigns(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// Preview renders the campaign message for one contact. A non-blank override
// replaces the stored template.
func (s *CampaignService) Preview(ctx context.Context, campaignID, contactID string, overrideTemplate *string) (string, error) {
	campaign, err := s.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return "", err
	}

	contact, err := s.Contacts.GetByID(ctx, contactID)
	if err != nil {
		return "", err
	}
	if contact == nil {
		return "", fmt.Errorf("%w: contact %s not found", appErrors.ErrValidation, contactID)
	}

	template := campaign.Template
	if overrideTemplate != nil && strings.TrimSpace(*overrideTemplate) != "" {
		template = *overrideTemplate
	}

	return RenderTemplate(template, contact.Recipient().Attributes)
}

// RunDue starts every scheduled campaign whose run time is not after now. It
// returns how many were started; a campaign another caller already moved is
// skipped.
func (s *CampaignService) RunDue(ctx context.Context, now time.Time) (int, error) {
	scheduled, err := s.Campaigns.ListByStatus(ctx, model.StatusScheduled)
	if err != nil {
		return 0, fmt.Errorf("list scheduled campaigns: %w", err)
	}

	started := 0
	var errs []error
	for _, c := range scheduled {
		if c.ScheduledFor == nil || c.ScheduledFor.After(now) {
			continue
		}
		if _, err := s.run(ctx, c.ID, requireStatus(model.StatusScheduled, "run")); err != nil {
			if appErrors.IsInvalidTransition(err) || appErrors.IsAlreadyRunning(err) || appErrors.IsDeleted(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("campaign %s: %w", c.ID, err))
			continue
		}
		started++
	}
	return started, errors.Join(errs...)
}

// Recover restarts dispatch for active campaigns that have no running
// handle, such as after a process restart.
func (s *CampaignService) Recover(ctx context.Context) (int, error) {
	active, err := s.Campaigns.ListByStatus(ctx, model.StatusActive)
	if err != nil {
		return 0, fmt.Errorf("list active campaigns: %w", err)
	}

	resumed := 0
	var errs []error
	for _, c := range active {
		if _, err := s.run(ctx, c.ID, requireStatus(model.StatusActive, "recover")); err != nil {
			if appErrors.IsAlreadyRunning(err) || appErrors.IsInvalidTransition(err) || appErrors.IsDeleted(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("campaign %s: %w", c.ID, err))
			continue
		}
		resumed++
	}
	if resumed > 0 {
		s.Logger.Info("recovered active campaigns", zap.Int("count", resumed))
	}
	return resumed, errors.Join(errs...)
}

// Limits returns the admission gate's current configuration.
func (s *CampaignService) Limits() ratelimit.Limits {
	return s.Coordinator.Gate.Limits()
}

// SetLimits reconfigures the shared admission gate at runtime.
func (s *CampaignService) SetLimits(l ratelimit.Limits) error {
	if err := s.Coordinator.Gate.Reconfigure(l); err != nil {
		return fmt.Errorf("%w: %v", appErrors.ErrValidation, err)
	}
	s.Logger.Info("dispatch limits updated",
		zap.Float64("rate", l.Rate), zap.Int("burst", l.Burst), zap.Int("max_in_flight", l.MaxInFlight))
	return nil
}

// Shutdown stops every running dispatch. Campaign status is untouched, so
// active campaigns resume through Recover on the next start.
func (s *CampaignService) Shutdown(ctx context.Context) error {
	return s.Coordinator.Shutdown(ctx)
}
