package appErrors

import (
	"errors"
	"fmt"
)

var (
	// ErrUnattributedEvent marks an inbound event that matched no delivered job.
	ErrUnattributedEvent = errors.New("inbound event could not be attributed to a campaign")
	// ErrUnknownMessage is returned for receipts whose message id was never recorded.
	ErrUnknownMessage = errors.New("no dispatch job for message id")
	// ErrDuplicateEvent is returned when an inbound event id was already ingested.
	ErrDuplicateEvent = errors.New("inbound event already ingested")
	// ErrJobNotPending is returned when a job update expects a pending job.
	ErrJobNotPending = errors.New("dispatch job is not pending")
	// ErrValidation wraps caller input problems.
	ErrValidation = errors.New("validation failed")
)

// CampaignNotFoundError is returned when no campaign exists for an id.
type CampaignNotFoundError struct {
	CampaignID string
}

func (e *CampaignNotFoundError) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id string) error {
	return &CampaignNotFoundError{CampaignID: id}
}

// InvalidTransitionError is returned when the requested lifecycle event is not
// legal from the campaign's status, or the expected status was stale.
type InvalidTransitionError struct {
	CampaignID string
	From       string
	Event      string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("campaign %s: cannot %s from status %s", e.CampaignID, e.Event, e.From)
}

func NewInvalidTransition(id, from, event string) error {
	return &InvalidTransitionError{CampaignID: id, From: from, Event: event}
}

// AlreadyRunningError is returned when a dispatch run already exists for a campaign.
type AlreadyRunningError struct {
	CampaignID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("campaign %s is already running", e.CampaignID)
}

func NewAlreadyRunning(id string) error {
	return &AlreadyRunningError{CampaignID: id}
}

// CampaignDeletedError is returned when acting on a soft-deleted campaign.
type CampaignDeletedError struct {
	CampaignID string
}

func (e *CampaignDeletedError) Error() string {
	return fmt.Sprintf("campaign %s has been deleted", e.CampaignID)
}

func NewCampaignDeleted(id string) error {
	return &CampaignDeletedError{CampaignID: id}
}

// MissingAttributeError is the render failure for an unresolved {{token}}.
type MissingAttributeError struct {
	Name string
}

func (e *MissingAttributeError) Error() string {
	return fmt.Sprintf("render: missing attribute %q", e.Name)
}

func NewMissingAttribute(name string) error {
	return &MissingAttributeError{Name: name}
}

// TransportError classifies a failed send as retryable or not.
type TransportError struct {
	Permanent bool
	Err       error
}

func (e *TransportError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("transport %s error: %v", kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func NewTransientError(err error) error {
	return &TransportError{Err: err}
}

func NewPermanentError(err error) error {
	return &TransportError{Permanent: true, Err: err}
}

// IsPermanent reports whether err is a TransportError that must not be retried.
// Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Permanent
}

func IsNotFound(err error) bool {
	var nf *CampaignNotFoundError
	return errors.As(err, &nf)
}

func IsInvalidTransition(err error) bool {
	var it *InvalidTransitionError
	return errors.As(err, &it)
}

func IsAlreadyRunning(err error) bool {
	var ar *AlreadyRunningError
	return errors.As(err, &ar)
}

func IsRenderError(err error) bool {
	var ma *MissingAttributeError
	return errors.As(err, &ma)
}

func IsDeleted(err error) bool {
	var cd *CampaignDeletedError
	return errors.As(err, &cd)
}
