// internal/service/campaign_service.go
package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
)

type CampaignService struct {
	CampaignRepo   repository.CampaignRepositoryInterface
	LeadRepo       repository.LeadRepositoryInterface
	AssignmentRepo repository.AssignmentRepositoryInterface

	// Planning parameters for tentative send dates.
	PlanDailyCap int
	PlanSpacing  time.Duration

	// Location is used to format dates in exports.
	Location *time.Location
	Now      func() time.Time
}

func NewCampaignService(campaigns repository.CampaignRepositoryInterface, leads repository.LeadRepositoryInterface, assignments repository.AssignmentRepositoryInterface) *CampaignService {
	return &CampaignService{
		CampaignRepo:   campaigns,
		LeadRepo:       leads,
		AssignmentRepo: assignments,
		PlanDailyCap:   300,
		PlanSpacing:    5 * time.Second,
		Location:       time.Local,
		Now:            time.Now,
	}
}

// NewCampaign is the input for CreateCampaign. Leads come from LeadIDs when
// given, otherwise from Filter; with neither the campaign starts empty.
type NewCampaign struct {
	Name      string             `json:"name"`
	Type      model.CampaignType `json:"type"`
	StartDate *time.Time         `json:"start_date,omitempty"`
	EndDate   *time.Time         `json:"end_date,omitempty"`
	LeadIDs   []int              `json:"lead_ids,omitempty"`
	Filter    *model.LeadFilter  `json:"filter,omitempty"`
}

func (n NewCampaign) Validate() error {
	return validation.ValidateStruct(&n,
		validation.Field(&n.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&n.Type, validation.Required,
			validation.In(model.CampaignEmail, model.CampaignSMS, model.CampaignWhatsApp)),
		validation.Field(&n.EndDate, validation.By(func(value interface{}) error {
			end, _ := value.(*time.Time)
			if end == nil || n.StartDate == nil {
				return nil
			}
			if end.Before(*n.StartDate) {
				return fmt.Errorf("must not be before start_date")
			}
			return nil
		})),
		validation.Field(&n.LeadIDs, validation.Each(validation.Min(1))),
	)
}

type CreateCampaignResult struct {
	Campaign      *model.Campaign `json:"campaign"`
	LeadsAssigned int             `json:"leads_assigned"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats map[string]int `json:"stats"`
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// CreateCampaign stores a DRAFT campaign and assigns its leads as READY in
// one transaction.
func (s *CampaignService) CreateCampaign(ctx context.Context, in NewCampaign) (*CreateCampaignResult, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", appErrors.ErrInvalidArgument, err)
	}

	c := &model.Campaign{
		Name:    in.Name,
		Type:    in.Type,
		Status:  model.CampaignDraft,
		EndDate: in.EndDate,
	}
	if in.StartDate != nil {
		c.StartDate = *in.StartDate
	} else {
		c.StartDate = s.now()
	}

	leadIDs, err := s.resolveLeads(ctx, in.LeadIDs, in.Filter)
	if err != nil {
		return nil, err
	}

	dates, err := s.plan(c, leadIDs)
	if err != nil {
		return nil, err
	}
	inserted, err := s.CampaignRepo.CreateWithAssignments(ctx, c, leadIDs, dates)
	if err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"campaign_id": c.ID,
		"type":        c.Type,
		"leads":       inserted,
	}).Info("Campaign created")

	return &CreateCampaignResult{Campaign: c, LeadsAssigned: inserted}, nil
}

// AttachLeads adds leads to an existing campaign. Leads already in the
// campaign are skipped; the count of new assignments is returned.
func (s *CampaignService) AttachLeads(ctx context.Context, campaignID int, leadIDs []int) (int, error) {
	if len(leadIDs) == 0 {
		return 0, fmt.Errorf("%w: lead_ids must not be empty", appErrors.ErrInvalidArgument)
	}
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if c.Status == model.CampaignFinished {
		return 0, fmt.Errorf("%w: campaign %d is FINISHED", appErrors.ErrInvalidTransition, campaignID)
	}

	ids, err := s.resolveLeads(ctx, leadIDs, nil)
	if err != nil {
		return 0, err
	}
	return s.assign(ctx, c, ids)
}

func (s *CampaignService) resolveLeads(ctx context.Context, leadIDs []int, filter *model.LeadFilter) ([]int, error) {
	switch {
	case len(leadIDs) > 0:
		ids, err := s.LeadRepo.FilterExisting(ctx, dedupe(leadIDs))
		if err != nil {
			return nil, fmt.Errorf("resolve leads: %w", err)
		}
		return ids, nil
	case filter != nil:
		ids, err := s.LeadRepo.ListIDs(ctx, *filter)
		if err != nil {
			return nil, fmt.Errorf("select leads: %w", err)
		}
		return ids, nil
	}
	return nil, nil
}

// plan spreads tentative send dates from the campaign start, or from now
// when the start has already passed.
func (s *CampaignService) plan(c *model.Campaign, leadIDs []int) ([]time.Time, error) {
	if len(leadIDs) == 0 {
		return nil, nil
	}
	start := c.StartDate
	if now := s.now(); now.After(start) {
		start = now
	}
	return Allocate(leadIDs, s.PlanDailyCap, s.PlanSpacing, start)
}

func (s *CampaignService) assign(ctx context.Context, c *model.Campaign, leadIDs []int) (int, error) {
	if len(leadIDs) == 0 {
		return 0, nil
	}
	dates, err := s.plan(c, leadIDs)
	if err != nil {
		return 0, err
	}
	inserted, err := s.AssignmentRepo.BulkCreate(ctx, c.ID, leadIDs, dates)
	if err != nil {
		return 0, fmt.Errorf("assign leads to campaign %d: %w", c.ID, err)
	}
	return inserted, nil
}

func dedupe(ids []int) []int {
	seen := make(map[int]bool, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// SetStatus applies an operator transition. FINISHED is never accepted as
// a source or a target.
func (s *CampaignService) SetStatus(ctx context.Context, campaignID int, status model.CampaignStatus) (*model.Campaign, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: %q", appErrors.ErrInvalidStatus, status)
	}
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(c.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", appErrors.ErrInvalidTransition, c.Status, status)
	}

	ok, err := s.CampaignRepo.TransitionStatus(ctx, campaignID, c.Status, status)
	if err != nil {
		return nil, err
	}
	if !ok {
		// status moved underneath us, most likely to FINISHED
		return nil, fmt.Errorf("%w: campaign %d changed status concurrently", appErrors.ErrInvalidTransition, campaignID)
	}

	logrus.WithFields(logrus.Fields{
		"campaign_id": campaignID,
		"from":        c.Status,
		"to":          status,
	}).Info("Campaign status changed")

	return s.CampaignRepo.GetByID(ctx, campaignID)
}

func pageBounds(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize, (page - 1) * pageSize
}

func pagination(page, pageSize, total int) map[string]int {
	return map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": (total + pageSize - 1) / pageSize,
	}
}

// ListCampaigns fetches campaigns with pagination, newest start first.
func (s *CampaignService) ListCampaigns(ctx context.Context, filter repository.CampaignFilter, page, pageSize int) ([]model.Campaign, map[string]int, error) {
	page, pageSize, offset := pageBounds(page, pageSize)

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, filter, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}
	return campaigns, pagination(page, pageSize, total), nil
}

// GetCampaignDetails returns a campaign with its assignment counts.
func (s *CampaignService) GetCampaignDetails(ctx context.Context, campaignID int) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	byStatus, err := s.AssignmentRepo.StatsByStatus(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}

	stats := map[string]int{"total": 0}
	for _, st := range []model.AssignmentStatus{model.AssignmentReady, model.AssignmentSent, model.AssignmentFailed} {
		stats[string(st)] = byStatus[st]
		stats["total"] += byStatus[st]
	}
	return &CampaignDetails{Campaign: c, Stats: stats}, nil
}

// ListCampaignLeads pages through a campaign's assignments in the given
// statuses (all when empty).
func (s *CampaignService) ListCampaignLeads(ctx context.Context, campaignID int, statuses []model.AssignmentStatus, page, pageSize int) ([]model.CampaignLead, map[string]int, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return nil, nil, err
	}
	page, pageSize, offset := pageBounds(page, pageSize)

	total, err := s.AssignmentRepo.CountByStatus(ctx, campaignID, statuses)
	if err != nil {
		return nil, nil, err
	}
	leads, err := s.AssignmentRepo.ListByStatus(ctx, campaignID, statuses, pageSize, offset)
	if err != nil {
		return nil, nil, err
	}
	return leads, pagination(page, pageSize, total), nil
}

var exportHeader = []string{
	"CAMPAIGN_ID", "LEAD_ID", "COMPANY_NAME", "EMAIL", "MOBILE",
	"CONTACT_PERSON", "STATUS", "SENT_DATE", "FOLLOW_UP_CALL_DATE", "REMARKS",
}

const exportTimeLayout = "2006-01-02 15:04:05"

// ExportCampaign writes every dispatched assignment of a campaign as CSV.
func (s *CampaignService) ExportCampaign(ctx context.Context, campaignID int, w io.Writer) (int, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return 0, err
	}
	rows, err := s.AssignmentRepo.ListForExport(ctx, campaignID)
	if err != nil {
		return 0, err
	}

	loc := s.Location
	if loc == nil {
		loc = time.Local
	}
	formatTime := func(t *time.Time) string {
		if t == nil || t.IsZero() {
			return ""
		}
		return t.In(loc).Format(exportTimeLayout)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return 0, err
	}
	for _, r := range rows {
		sentDate := r.UpdatedAt
		record := []string{
			strconv.Itoa(r.CampaignID),
			strconv.Itoa(r.LeadID),
			r.Name,
			r.Email,
			r.Mobile,
			r.ContactPerson,
			string(r.Status),
			formatTime(&sentDate),
			formatTime(r.FollowUpCallDate),
			r.Remarks,
		}
		if err := cw.Write(record); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	return len(rows), cw.Error()
}

// UpdateFollowUp records an operator's follow-up call date and remarks on
// one assignment.
func (s *CampaignService) UpdateFollowUp(ctx context.Context, campaignID, leadID int, followUp *time.Time, remarks, updatedBy string) error {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return err
	}
	if len(remarks) > 2000 {
		return fmt.Errorf("%w: remarks too long", appErrors.ErrInvalidArgument)
	}
	if strings.TrimSpace(updatedBy) == "" {
		updatedBy = "operator"
	}
	return s.AssignmentRepo.UpdateFollowUp(ctx, campaignID, leadID, followUp, strings.TrimSpace(remarks), updatedBy)
}
