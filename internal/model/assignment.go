// internal/model/assignment.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type AssignmentStatus string

const (
	AssignmentReady  AssignmentStatus = "READY"
	AssignmentSent   AssignmentStatus = "SENT"
	AssignmentFailed AssignmentStatus = "FAILED"
)

func (s AssignmentStatus) IsValid() bool {
	switch s {
	case AssignmentReady, AssignmentSent, AssignmentFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status is a dispatch outcome.
func (s AssignmentStatus) IsTerminal() bool {
	return s == AssignmentSent || s == AssignmentFailed
}

// Assignment is one lead's membership in a campaign, keyed by
// (CampaignID, LeadID).
type Assignment struct {
	CampaignID        int              `db:"campaign_id" json:"campaign_id"`
	LeadID            int              `db:"lead_id" json:"lead_id"`
	Status            AssignmentStatus `db:"status" json:"status"` // READY, SENT, FAILED
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updated_at"`
	UpdatedBy         string           `db:"updated_by" json:"updated_by,omitempty"`
	TentativeSendDate *time.Time       `db:"tentative_send_date" json:"tentative_send_date,omitempty"`
	ExtraData         ExtraData        `db:"extra_data" json:"extra_data"`
	FollowUpCallDate  *time.Time       `db:"follow_up_call_date" json:"follow_up_call_date,omitempty"`
	Remarks           string           `db:"remarks" json:"remarks,omitempty"`
}

// CampaignLead is an assignment joined with the lead's contact fields.
type CampaignLead struct {
	Assignment
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	Mobile        string `json:"mobile,omitempty"`
	ContactPerson string `json:"contact_person,omitempty"`
}

type ExtraKind string

const (
	ExtraNone     ExtraKind = ""
	ExtraDelivery ExtraKind = "delivery"
	ExtraError    ExtraKind = "error"
)

// DeliveryInfo is what a provider reported for an accepted message.
type DeliveryInfo struct {
	Provider  string   `json:"provider,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
	Response  string   `json:"response,omitempty"`
	Accepted  []string `json:"accepted,omitempty"`
	Rejected  []string `json:"rejected,omitempty"`
}

// ExtraData holds either delivery metadata or an error detail, never both.
// It is stored as {"info": {...}} or {"error": "..."}.
type ExtraData struct {
	info   *DeliveryInfo
	errMsg string
}

func DeliveryExtra(info DeliveryInfo) ExtraData {
	return ExtraData{info: &info}
}

// ErrorExtra records a failure. A blank message is stored as "unknown error"
// so the value still reads back as an error.
func ErrorExtra(msg string) ExtraData {
	if strings.TrimSpace(msg) == "" {
		msg = "unknown error"
	}
	return ExtraData{errMsg: msg}
}

func (e ExtraData) Kind() ExtraKind {
	switch {
	case e.info != nil:
		return ExtraDelivery
	case e.errMsg != "":
		return ExtraError
	}
	return ExtraNone
}

func (e ExtraData) Delivery() (DeliveryInfo, bool) {
	if e.info == nil {
		return DeliveryInfo{}, false
	}
	return *e.info, true
}

func (e ExtraData) ErrorDetail() (string, bool) {
	return e.errMsg, e.errMsg != ""
}

type extraWire struct {
	Info  *DeliveryInfo `json:"info,omitempty"`
	Error string        `json:"error,omitempty"`
}

func (e ExtraData) MarshalJSON() ([]byte, error) {
	if e.Kind() == ExtraNone {
		return []byte("null"), nil
	}
	return json.Marshal(extraWire{Info: e.info, Error: e.errMsg})
}

func (e *ExtraData) UnmarshalJSON(b []byte) error {
	if string(b) == "null" || len(b) == 0 {
		*e = ExtraData{}
		return nil
	}
	var w extraWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch {
	case w.Info != nil:
		*e = ExtraData{info: w.Info}
	default:
		*e = ExtraData{errMsg: w.Error}
	}
	return nil
}

// Value implements driver.Valuer; an empty value is stored as NULL.
func (e ExtraData) Value() (driver.Value, error) {
	if e.Kind() == ExtraNone {
		return nil, nil
	}
	b, err := e.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (e *ExtraData) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*e = ExtraData{}
		return nil
	case []byte:
		return e.UnmarshalJSON(v)
	case string:
		return e.UnmarshalJSON([]byte(v))
	}
	return fmt.Errorf("extra_data: unsupported type %T", src)
}
