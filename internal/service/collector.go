package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// ActiveCampaigns is what the collector needs from the campaign store.
type ActiveCampaigns interface {
	ListActive(ctx context.Context) ([]*model.Campaign, error)
	FinishIfActive(ctx context.Context, campaignID int) (bool, error)
}

// ReadyAssignments is what the collector needs from the assignment store.
type ReadyAssignments interface {
	ListByStatus(ctx context.Context, campaignID int, statuses []model.AssignmentStatus, limit, offset int) ([]model.CampaignLead, error)
}

// BatchItem is one assignment to send, tagged with its campaign.
type BatchItem struct {
	Campaign model.Campaign
	Lead     model.CampaignLead
}

// Batch is the result of one collection pass.
type Batch struct {
	Items []BatchItem
	// Finished lists campaigns retired during this pass.
	Finished []int
}

type BatchCollector struct {
	Campaigns   ActiveCampaigns
	Assignments ReadyAssignments
	Log         *logrus.Entry
}

func NewBatchCollector(campaigns ActiveCampaigns, assignments ReadyAssignments) *BatchCollector {
	return &BatchCollector{
		Campaigns:   campaigns,
		Assignments: assignments,
		Log:         logrus.WithField("component", "collector"),
	}
}

// Collect gathers up to maxBatch READY assignments across ACTIVE campaigns,
// oldest start_date first. A campaign with no READY assignment left is
// finished on the spot and contributes nothing. tentative_send_date is not
// consulted.
//
// A store error on a single campaign skips that campaign for this pass;
// failing to list campaigns fails the whole pass.
func (c *BatchCollector) Collect(ctx context.Context, maxBatch int) (Batch, error) {
	var batch Batch
	if maxBatch <= 0 {
		return batch, nil
	}

	campaigns, err := c.Campaigns.ListActive(ctx)
	if err != nil {
		return batch, fmt.Errorf("list active campaigns: %w", err)
	}

	for _, campaign := range campaigns {
		if len(batch.Items) >= maxBatch {
			break
		}
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		log := c.logger().WithField("campaign_id", campaign.ID)

		want := maxBatch - len(batch.Items)
		leads, err := c.Assignments.ListByStatus(ctx, campaign.ID, []model.AssignmentStatus{model.AssignmentReady}, want, 0)
		if err != nil {
			log.WithError(err).Error("Failed to list READY assignments, skipping campaign this tick")
			continue
		}

		if len(leads) == 0 {
			finished, err := c.Campaigns.FinishIfActive(ctx, campaign.ID)
			if err != nil {
				log.WithError(err).Error("Failed to finish campaign")
				continue
			}
			if finished {
				log.Info("Campaign finished, no READY leads left")
				batch.Finished = append(batch.Finished, campaign.ID)
			}
			continue
		}

		if len(leads) > want {
			leads = leads[:want]
		}
		for _, lead := range leads {
			batch.Items = append(batch.Items, BatchItem{Campaign: *campaign, Lead: lead})
		}
		log.WithField("count", len(leads)).Debug("Collected READY assignments")
	}

	return batch, nil
}

func (c *BatchCollector) logger() *logrus.Entry {
	if c.Log != nil {
		return c.Log
	}
	return logrus.WithField("component", "collector")
}
