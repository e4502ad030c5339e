package service_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
)

// Mock repositories

type MockCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[int]*model.Campaign
	nextID    int
	listErr   error

	// assignments receives the rows written by CreateWithAssignments.
	assignments *MockAssignmentRepo
}

func NewMockCampaignRepo(campaigns ...*model.Campaign) *MockCampaignRepo {
	m := &MockCampaignRepo{campaigns: map[int]*model.Campaign{}, nextID: 1}
	for _, c := range campaigns {
		m.campaigns[c.ID] = c
		if c.ID >= m.nextID {
			m.nextID = c.ID + 1
		}
	}
	return m
}

func (m *MockCampaignRepo) Create(ctx context.Context, c *model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.nextID
	m.nextID++
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *MockCampaignRepo) CreateWithAssignments(ctx context.Context, c *model.Campaign, leadIDs []int, dates []time.Time) (int, error) {
	if err := m.Create(ctx, c); err != nil {
		return 0, err
	}
	if m.assignments == nil || len(leadIDs) == 0 {
		return 0, nil
	}
	inserted, err := m.assignments.BulkCreate(ctx, c.ID, leadIDs, dates)
	if err != nil {
		m.mu.Lock()
		delete(m.campaigns, c.ID)
		m.mu.Unlock()
		c.ID = 0
		return 0, err
	}
	return inserted, nil
}

func (m *MockCampaignRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.campaigns)
}

func (m *MockCampaignRepo) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *MockCampaignRepo) ListActive(ctx context.Context) ([]*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*model.Campaign
	for _, c := range m.campaigns {
		if c.Status == model.CampaignActive {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MockCampaignRepo) UpdateStatus(ctx context.Context, id int, status model.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.Status = status
	return nil
}

func (m *MockCampaignRepo) TransitionStatus(ctx context.Context, id int, from, to model.CampaignStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	return true, nil
}

func (m *MockCampaignRepo) ListCampaigns(ctx context.Context, filter repository.CampaignFilter, offset, limit int) ([]*model.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*model.Campaign
	for _, c := range m.campaigns {
		if filter.Status != "" && string(c.Status) != filter.Status {
			continue
		}
		if filter.Type != "" && string(c.Type) != filter.Type {
			continue
		}
		cp := *c
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartDate.Equal(all[j].StartDate) {
			return all[i].StartDate.After(all[j].StartDate)
		}
		return all[i].ID > all[j].ID
	})
	if offset >= len(all) {
		return []*model.Campaign{}, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (m *MockCampaignRepo) FinishIfActive(ctx context.Context, id int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.Status != model.CampaignActive {
		return false, nil
	}
	c.Status = model.CampaignFinished
	return true, nil
}

func (m *MockCampaignRepo) status(id int) model.CampaignStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.campaigns[id].Status
}

type assignmentKey struct{ campaignID, leadID int }

type MockAssignmentRepo struct {
	mu      sync.Mutex
	rows    map[assignmentKey]*model.CampaignLead
	order   []assignmentKey
	listErr map[int]error
	markErr error
	bulkErr error
	marks   []assignmentKey
}

func NewMockAssignmentRepo() *MockAssignmentRepo {
	return &MockAssignmentRepo{rows: map[assignmentKey]*model.CampaignLead{}, listErr: map[int]error{}}
}

func (m *MockAssignmentRepo) addReady(campaignID int, leadIDs ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range leadIDs {
		k := assignmentKey{campaignID, id}
		if _, ok := m.rows[k]; ok {
			continue
		}
		m.rows[k] = &model.CampaignLead{
			Assignment: model.Assignment{CampaignID: campaignID, LeadID: id, Status: model.AssignmentReady},
			Name:       "Lead",
			Email:      "lead@example.test",
		}
		m.order = append(m.order, k)
	}
}

func (m *MockAssignmentRepo) ListByStatus(ctx context.Context, campaignID int, statuses []model.AssignmentStatus, limit, offset int) ([]model.CampaignLead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.listErr[campaignID]; err != nil {
		return nil, err
	}
	var out []model.CampaignLead
	for _, k := range m.order {
		row := m.rows[k]
		if k.campaignID != campaignID || !hasStatus(statuses, row.Status) {
			continue
		}
		out = append(out, *row)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func hasStatus(statuses []model.AssignmentStatus, s model.AssignmentStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, x := range statuses {
		if x == s {
			return true
		}
	}
	return false
}

func (m *MockAssignmentRepo) MarkOutcome(ctx context.Context, campaignID, leadID int, status model.AssignmentStatus, extra model.ExtraData, updatedBy string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return false, m.markErr
	}
	k := assignmentKey{campaignID, leadID}
	m.marks = append(m.marks, k)
	row, ok := m.rows[k]
	if !ok || row.Status != model.AssignmentReady {
		return false, nil
	}
	row.Status = status
	row.ExtraData = extra
	row.UpdatedBy = updatedBy
	return true, nil
}

func (m *MockAssignmentRepo) BulkCreate(ctx context.Context, campaignID int, leadIDs []int, dates []time.Time) (int, error) {
	if len(leadIDs) != len(dates) {
		return 0, appErrors.ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bulkErr != nil {
		return 0, m.bulkErr
	}
	inserted := 0
	for i, id := range leadIDs {
		k := assignmentKey{campaignID, id}
		if _, ok := m.rows[k]; ok {
			continue
		}
		d := dates[i]
		m.rows[k] = &model.CampaignLead{Assignment: model.Assignment{
			CampaignID: campaignID, LeadID: id, Status: model.AssignmentReady, TentativeSendDate: &d,
		}}
		m.order = append(m.order, k)
		inserted++
	}
	return inserted, nil
}

func (m *MockAssignmentRepo) CountByStatus(ctx context.Context, campaignID int, statuses []model.AssignmentStatus) (int, error) {
	rows, err := m.ListByStatus(ctx, campaignID, statuses, 0, 0)
	return len(rows), err
}

func (m *MockAssignmentRepo) CountSentBetween(ctx context.Context, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.rows {
		if row.Status == model.AssignmentSent && !row.UpdatedAt.Before(from) && row.UpdatedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (m *MockAssignmentRepo) StatsByStatus(ctx context.Context, campaignID int) (map[model.AssignmentStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := map[model.AssignmentStatus]int{}
	for k, row := range m.rows {
		if k.campaignID == campaignID {
			stats[row.Status]++
		}
	}
	return stats, nil
}

func (m *MockAssignmentRepo) ListForExport(ctx context.Context, campaignID int) ([]model.CampaignLead, error) {
	return m.ListByStatus(ctx, campaignID, []model.AssignmentStatus{model.AssignmentSent, model.AssignmentFailed}, 0, 0)
}

func (m *MockAssignmentRepo) UpdateFollowUp(ctx context.Context, campaignID, leadID int, followUp *time.Time, remarks, updatedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[assignmentKey{campaignID, leadID}]
	if !ok {
		return appErrors.NewLeadNotFound(campaignID, leadID)
	}
	row.FollowUpCallDate = followUp
	row.Remarks = remarks
	row.UpdatedBy = updatedBy
	return nil
}

func (m *MockAssignmentRepo) get(campaignID, leadID int) model.CampaignLead {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[assignmentKey{campaignID, leadID}]
}

type MockLeadRepo struct {
	leads map[int]*model.Lead
	// filtered is returned by ListIDs; lastFilter records the filter asked for.
	filtered   []int
	lastFilter *model.LeadFilter
}

func NewMockLeadRepo(ids ...int) *MockLeadRepo {
	m := &MockLeadRepo{leads: map[int]*model.Lead{}}
	for _, id := range ids {
		m.leads[id] = &model.Lead{ID: id, Name: fmt.Sprintf("Lead %d", id)}
	}
	return m
}

func (m *MockLeadRepo) GetByID(ctx context.Context, id int) (*model.Lead, error) {
	l, ok := m.leads[id]
	if !ok {
		return nil, appErrors.NewLeadNotFound(0, id)
	}
	return l, nil
}

func (m *MockLeadRepo) ListIDs(ctx context.Context, filter model.LeadFilter) ([]int, error) {
	m.lastFilter = &filter
	return m.filtered, nil
}

func (m *MockLeadRepo) FilterExisting(ctx context.Context, ids []int) ([]int, error) {
	out := []int{}
	for _, id := range ids {
		if _, ok := m.leads[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

var (
	_ repository.CampaignRepositoryInterface   = (*MockCampaignRepo)(nil)
	_ repository.AssignmentRepositoryInterface = (*MockAssignmentRepo)(nil)
	_ repository.LeadRepositoryInterface       = (*MockLeadRepo)(nil)
)

// fixedCounter returns a constant SENT count and remembers the window asked for.
type fixedCounter struct {
	n        int
	err      error
	from, to time.Time
}

func (f *fixedCounter) CountSentBetween(ctx context.Context, from, to time.Time) (int, error) {
	f.from, f.to = from, to
	return f.n, f.err
}

var errStore = errors.New("store unavailable")
