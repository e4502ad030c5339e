package queue

import (
	"strconv"
	"time"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// OutcomeTopic is the default topic for dispatch outcomes.
const OutcomeTopic = "campaign_outcomes"

// OutcomeEvent is published after each dispatched assignment.
type OutcomeEvent struct {
	TickID     string                 `json:"tick_id"`
	CampaignID int                    `json:"campaign_id"`
	LeadID     int                    `json:"lead_id"`
	Channel    model.CampaignType     `json:"channel"`
	Status     model.AssignmentStatus `json:"status"`
	Extra      model.ExtraData        `json:"extra_data"`
	At         time.Time              `json:"at"`
}

// PartitionKey keeps one campaign's events ordered on keyed transports.
func (e OutcomeEvent) PartitionKey() string {
	return strconv.Itoa(e.CampaignID)
}

// Keyed payloads choose their own partition key.
type Keyed interface {
	PartitionKey() string
}
