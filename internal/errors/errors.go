// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid campaign status transition")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrTickInProgress    = errors.New("dispatch tick already in progress")
)

// ErrCampaignNotFound is returned when a campaign id has no row
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrLeadNotFound struct {
	CampaignID int
	LeadID     int
}

func (e *ErrLeadNotFound) Error() string {
	if e.CampaignID != 0 {
		return fmt.Sprintf("lead %d is not part of campaign %d", e.LeadID, e.CampaignID)
	}
	return fmt.Sprintf("lead with ID %d not found", e.LeadID)
}

func NewLeadNotFound(campaignID, leadID int) error {
	return &ErrLeadNotFound{CampaignID: campaignID, LeadID: leadID}
}

// IsNotFound reports whether err is one of the not-found errors above.
func IsNotFound(err error) bool {
	var c *ErrCampaignNotFound
	var l *ErrLeadNotFound
	return errors.As(err, &c) || errors.As(err, &l)
}

// HTTPStatus maps an error from the service layer to a response code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTickInProgress):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
