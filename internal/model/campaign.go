// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	CampaignDraft    CampaignStatus = "DRAFT"
	CampaignActive   CampaignStatus = "ACTIVE"
	CampaignStopped  CampaignStatus = "STOPPED"
	CampaignFinished CampaignStatus = "FINISHED"
)

func (s CampaignStatus) IsValid() bool {
	switch s {
	case CampaignDraft, CampaignActive, CampaignStopped, CampaignFinished:
		return true
	}
	return false
}

type CampaignType string

const (
	CampaignEmail    CampaignType = "EMAIL"
	CampaignSMS      CampaignType = "SMS"
	CampaignWhatsApp CampaignType = "WHATSAPP"
)

func (t CampaignType) IsValid() bool {
	switch t {
	case CampaignEmail, CampaignSMS, CampaignWhatsApp:
		return true
	}
	return false
}

type Campaign struct {
	ID        int            `db:"id" json:"id"`
	Name      string         `db:"name" json:"name"`
	Type      CampaignType   `db:"type" json:"type"`
	Status    CampaignStatus `db:"status" json:"status"`
	StartDate time.Time      `db:"start_date" json:"start_date"`
	EndDate   *time.Time     `db:"end_date" json:"end_date,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

// CanTransition reports whether an operator may move a campaign from one
// status to another. FINISHED is owned by the dispatcher and is terminal.
func CanTransition(from, to CampaignStatus) bool {
	switch from {
	case CampaignDraft:
		return to == CampaignActive || to == CampaignStopped
	case CampaignActive:
		return to == CampaignStopped
	case CampaignStopped:
		return to == CampaignActive
	}
	return false
}
