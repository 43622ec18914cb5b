package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

type jobKey struct {
	campaignID string
	address    string
}

// MemoryStore is an in-process Store. All methods serialize on one mutex, so
// each call is atomic with respect to the others.
type MemoryStore struct {
	mu sync.Mutex

	campaigns     map[string]*model.Campaign
	campaignOrder []string

	jobs        map[string]*model.DispatchJob
	jobByKey    map[jobKey]string
	jobsByCamp  map[string][]string
	jobByMsgID  map[string]string
	inbound     map[string]*model.InboundRecord
	inboundSeen []string

	// deliveredSeq orders delivered jobs for reply attribution.
	deliveredSeq map[string]int64
	seq          int64

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:  make(map[string]*model.Campaign),
		jobs:       make(map[string]*model.DispatchJob),
		jobByKey:   make(map[jobKey]string),
		jobsByCamp: make(map[string][]string),
		jobByMsgID: make(map[string]string),
		inbound:    make(map[string]*model.InboundRecord),

		deliveredSeq: make(map[string]int64),
		now:          time.Now,
	}
}

// ====================== Campaigns ======================

func (s *MemoryStore) Create(_ context.Context, c *model.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, ok := s.campaigns[c.ID]; ok {
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.campaigns[c.ID] = cloneCampaign(c)
	s.campaignOrder = append(s.campaignOrder, c.ID)
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return cloneCampaign(c), nil
}

// ListCampaigns returns newest first, like the Postgres repository.
func (s *MemoryStore) ListCampaigns(_ context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var filtered []*model.Campaign
	for i := len(s.campaignOrder) - 1; i >= 0; i-- {
		c := s.campaigns[s.campaignOrder[i]]
		if c.Deleted() {
			continue
		}
		if status != "" && c.Status.String() != status {
			continue
		}
		filtered = append(filtered, c)
	}

	total := len(filtered)
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*model.Campaign, 0, end-offset)
	for _, c := range filtered[offset:end] {
		out = append(out, cloneCampaign(c))
	}
	return out, total, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status model.Status) ([]*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Campaign
	for _, id := range s.campaignOrder {
		c := s.campaigns[id]
		if c.Status == status && !c.Deleted() {
			out = append(out, cloneCampaign(c))
		}
	}
	return out, nil
}

func (s *MemoryStore) CompareAndSetStatus(_ context.Context, t Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[t.CampaignID]
	if !ok {
		return appErrors.NewCampaignNotFound(t.CampaignID)
	}
	if c.Status != t.From {
		return appErrors.NewInvalidTransition(t.CampaignID, c.Status.String(), t.Event.String())
	}

	at := t.At
	c.Status = t.To
	c.UpdatedAt = &at
	if t.ScheduledFor != nil {
		sf := *t.ScheduledFor
		c.ScheduledFor = &sf
	}
	if t.To == model.StatusActive && c.StartedAt == nil {
		c.StartedAt = &at
	}
	if t.To.Terminal() {
		c.CompletedAt = &at
	}
	return nil
}

func (s *MemoryStore) IncrementCounter(_ context.Context, id string, counter model.Counter, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.Counters.Add(counter, delta)
	return nil
}

func (s *MemoryStore) SaveCursor(_ context.Context, id, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.Cursor = cursor
	return nil
}

func (s *MemoryStore) SoftDelete(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if c.DeletedAt == nil {
		c.DeletedAt = &at
	}
	return nil
}

func (s *MemoryStore) Update(_ context.Context, c *model.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.campaigns[c.ID]
	if !ok {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	if cur.Deleted() {
		return appErrors.NewCampaignDeleted(c.ID)
	}
	if !cur.Status.Editable() {
		return appErrors.NewInvalidTransition(c.ID, cur.Status.String(), "update")
	}

	upd := cloneCampaign(c)
	cur.Name = upd.Name
	cur.Description = upd.Description
	cur.Template = upd.Template
	cur.Tags = upd.Tags
	cur.Audience = upd.Audience
	if c.UpdatedAt != nil {
		at := *c.UpdatedAt
		cur.UpdatedAt = &at
	}
	return nil
}

// ====================== Dispatch jobs ======================

// Idempotent insert
func (s *MemoryStore) CreateJob(_ context.Context, job *model.DispatchJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[job.CampaignID]
	if !ok {
		return false, appErrors.NewCampaignNotFound(job.CampaignID)
	}

	key := jobKey{job.CampaignID, job.Address}
	if id, exists := s.jobByKey[key]; exists {
		*job = *s.jobs[id]
		return false, nil
	}

	now := s.now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Outcome = model.OutcomePending
	job.CreatedAt = now
	job.UpdatedAt = now

	stored := *job
	s.jobs[job.ID] = &stored
	s.jobByKey[key] = job.ID
	s.jobsByCamp[job.CampaignID] = append(s.jobsByCamp[job.CampaignID], job.ID)
	c.Counters.Targeted++
	return true, nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*model.DispatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("dispatch job %s not found", id)
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, campaignID string) ([]*model.DispatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filterJobs(campaignID, func(*model.DispatchJob) bool { return true }), nil
}

func (s *MemoryStore) ListPending(_ context.Context, campaignID string) ([]*model.DispatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.filterJobs(campaignID, func(j *model.DispatchJob) bool {
		return j.Outcome == model.OutcomePending
	}), nil
}

func (s *MemoryStore) CountPending(ctx context.Context, campaignID string) (int, error) {
	pending, err := s.ListPending(ctx, campaignID)
	return len(pending), err
}

func (s *MemoryStore) filterJobs(campaignID string, keep func(*model.DispatchJob) bool) []*model.DispatchJob {
	var out []*model.DispatchJob
	for _, id := range s.jobsByCamp[campaignID] {
		j, ok := s.jobs[id]
		if !ok || !keep(j) {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	return out
}

func (s *MemoryStore) pendingJob(id string) (*model.DispatchJob, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not found: %w", id, appErrors.ErrJobNotPending)
	}
	if j.Outcome != model.OutcomePending {
		return nil, fmt.Errorf("job %s is %s: %w", id, j.Outcome, appErrors.ErrJobNotPending)
	}
	return j, nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, id string, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.pendingJob(id)
	if err != nil {
		return err
	}
	j.Attempts = attempts
	j.LastError = lastError
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id string, attempts int, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.pendingJob(id)
	if err != nil {
		return err
	}
	c, ok := s.campaigns[j.CampaignID]
	if !ok {
		return appErrors.NewCampaignNotFound(j.CampaignID)
	}

	j.Outcome = model.OutcomeSent
	j.Attempts = attempts
	j.MessageID = messageID
	j.LastError = ""
	j.UpdatedAt = s.now()
	if messageID != "" {
		s.jobByMsgID[messageID] = j.ID
	}
	c.Counters.Sent++
	return nil
}

func (s *MemoryStore) MarkPermanentlyFailed(_ context.Context, id string, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.pendingJob(id)
	if err != nil {
		return err
	}
	c, ok := s.campaigns[j.CampaignID]
	if !ok {
		return appErrors.NewCampaignNotFound(j.CampaignID)
	}

	j.Outcome = model.OutcomePermanentlyFailed
	j.Attempts = attempts
	j.LastError = lastError
	j.UpdatedAt = s.now()
	c.Counters.Sent++
	c.Counters.Failed++
	return nil
}

// DiscardPending removes pending jobs. Their recipients stay counted in targeted.
func (s *MemoryStore) DiscardPending(_ context.Context, campaignID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.jobsByCamp[campaignID][:0]
	discarded := 0
	for _, id := range s.jobsByCamp[campaignID] {
		j := s.jobs[id]
		if j.Outcome == model.OutcomePending {
			delete(s.jobs, id)
			delete(s.jobByKey, jobKey{j.CampaignID, j.Address})
			discarded++
			continue
		}
		kept = append(kept, id)
	}
	s.jobsByCamp[campaignID] = kept
	return discarded, nil
}

func (s *MemoryStore) ApplyReceipt(_ context.Context, r model.DeliveryReceipt) (*model.DispatchJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.jobByMsgID[r.MessageID]
	if !ok {
		return nil, false, fmt.Errorf("message %s: %w", r.MessageID, appErrors.ErrUnknownMessage)
	}
	j := s.jobs[id]
	if j.Outcome != model.OutcomeSent {
		cp := *j
		return &cp, false, nil
	}
	c, ok := s.campaigns[j.CampaignID]
	if !ok {
		return nil, false, appErrors.NewCampaignNotFound(j.CampaignID)
	}

	if r.Status == model.ReceiptDelivered {
		j.Outcome = model.OutcomeDelivered
		c.Counters.Delivered++
		s.seq++
		s.deliveredSeq[j.ID] = s.seq
	} else {
		j.Outcome = model.OutcomeFailed
		c.Counters.Failed++
	}
	j.UpdatedAt = s.now()
	cp := *j
	return &cp, true, nil
}

// ====================== Inbound events ======================

func (s *MemoryStore) RecordInbound(_ context.Context, ev model.InboundEvent, at time.Time) (*model.InboundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.inbound[ev.ID]; seen {
		return nil, fmt.Errorf("event %s: %w", ev.ID, appErrors.ErrDuplicateEvent)
	}

	rec := &model.InboundRecord{InboundEvent: ev, RecordedAt: at}
	if j := s.latestDelivered(ev.From); j != nil {
		rec.CampaignID = j.CampaignID
		rec.JobID = j.ID
		if !j.Responded {
			j.Responded = true
			j.UpdatedAt = at
			if c, ok := s.campaigns[j.CampaignID]; ok {
				c.Counters.Responded++
			}
		}
	}

	s.inbound[ev.ID] = rec
	s.inboundSeen = append(s.inboundSeen, ev.ID)
	cp := *rec
	return &cp, nil
}

// latestDelivered finds the job for address whose delivery receipt arrived last.
func (s *MemoryStore) latestDelivered(address string) *model.DispatchJob {
	var (
		best    *model.DispatchJob
		bestSeq int64
	)
	for id, seq := range s.deliveredSeq {
		j, ok := s.jobs[id]
		if !ok || j.Address != address {
			continue
		}
		if seq > bestSeq {
			best, bestSeq = j, seq
		}
	}
	return best
}

func (s *MemoryStore) ListUnattributed(_ context.Context, limit int) ([]*model.InboundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.InboundRecord
	for _, id := range s.inboundSeen {
		rec := s.inbound[id]
		if rec.Attributed() {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func cloneCampaign(c *model.Campaign) *model.Campaign {
	cp := *c
	cp.Tags = append([]string(nil), c.Tags...)
	cp.Audience.ContactIDs = append([]string(nil), c.Audience.ContactIDs...)
	cp.Audience.Tags = append([]string(nil), c.Audience.Tags...)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
