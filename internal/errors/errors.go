// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyAudience       = errors.New("audience has no recipients")
	ErrTemplateNotApproved = errors.New("template is not approved")
	ErrNothingToRetry      = errors.New("campaign has no failed messages to retry")
	ErrRunSuperseded       = errors.New("dispatch run no longer holds the campaign lease")
	ErrNoCredentials       = errors.New("no gateway credentials for tenant")
)

// NotFoundError is returned when a tenant-scoped record does not exist.
type NotFoundError struct {
	Resource string
	ID       any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %v not found", e.Resource, e.ID)
}

func NewNotFound(resource string, id any) error {
	return &NotFoundError{Resource: resource, ID: id}
}

func NewCampaignNotFound(id int) error {
	return NewNotFound("campaign", id)
}

// ValidationError blocks an action before any state changes.
type ValidationError struct {
	Problems []string
	Unmapped []string
	Err      error
}

func (e *ValidationError) Error() string {
	msgs := append([]string{}, e.Problems...)
	if len(e.Unmapped) > 0 {
		msgs = append(msgs, "unmapped variables: "+strings.Join(e.Unmapped, ", "))
	}
	if len(msgs) == 0 && e.Err != nil {
		return e.Err.Error()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() error { return e.Err }

func NewValidation(err error) error {
	return &ValidationError{Problems: []string{err.Error()}, Err: err}
}

// StateConflictError means the campaign's status does not allow the action,
// including a second run while one is already sending.
type StateConflictError struct {
	CampaignID int
	Status     string
	Action     string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("campaign %d cannot %s while %s", e.CampaignID, e.Action, e.Status)
}

func NewStateConflict(id int, status, action string) error {
	return &StateConflictError{CampaignID: id, Status: status, Action: action}
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsStateConflict(err error) bool {
	var e *StateConflictError
	return errors.As(err, &e)
}
