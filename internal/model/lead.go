// internal/model/lead.go
package model

import "time"

type Lead struct {
	ID            int       `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	Address       string    `db:"address" json:"address,omitempty"`
	Phone         string    `db:"phone" json:"phone,omitempty"`
	Mobile        string    `db:"mobile" json:"mobile,omitempty"`
	Email         string    `db:"email" json:"email,omitempty"`
	ContactPerson string    `db:"contact_person" json:"contact_person,omitempty"`
	Area          string    `db:"area" json:"area"`
	IsSurveyLead  bool      `db:"is_survey_lead" json:"is_survey_lead"`
	Details       string    `db:"details" json:"details,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// LeadFilter selects leads when a campaign is built from a filter instead
// of an explicit id list.
type LeadFilter struct {
	Area          string `json:"area,omitempty"`
	Search        string `json:"search,omitempty"`
	IsSurveyLead  *bool  `json:"is_survey_lead,omitempty"`
	EmailNotNull  bool   `json:"email_not_null,omitempty"`
	MobileNotNull bool   `json:"mobile_not_null,omitempty"`
}
