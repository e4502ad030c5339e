package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/service"
)

func activeCampaign(id int, start time.Time) *model.Campaign {
	return &model.Campaign{ID: id, Name: "c", Type: model.CampaignEmail, Status: model.CampaignActive, StartDate: start}
}

func batchKeys(b service.Batch) [][2]int {
	var out [][2]int
	for _, it := range b.Items {
		out = append(out, [2]int{it.Campaign.ID, it.Lead.LeadID})
	}
	return out
}

func TestCollect_OldestCampaignFirst(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	campaigns := NewMockCampaignRepo(
		activeCampaign(2, day.AddDate(0, 0, 1)),
		activeCampaign(1, day),
	)
	assignments := NewMockAssignmentRepo()
	assignments.addReady(1, 10, 11)
	assignments.addReady(2, 20, 21, 22)

	batch, err := service.NewBatchCollector(campaigns, assignments).Collect(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{1, 10}, {1, 11}, {2, 20}, {2, 21}}, batchKeys(batch))
	assert.Empty(t, batch.Finished)
}

func TestCollect_FullBatchFromOldestCampaign(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	campaigns := NewMockCampaignRepo(activeCampaign(1, day), activeCampaign(2, day.AddDate(0, 0, 1)))
	assignments := NewMockAssignmentRepo()
	var want [][2]int
	for i := 1; i <= 20; i++ {
		assignments.addReady(1, 100+i)
		assignments.addReady(2, 200+i)
		if i <= 15 {
			want = append(want, [2]int{1, 100 + i})
		}
	}

	batch, err := service.NewBatchCollector(campaigns, assignments).Collect(context.Background(), 15)
	require.NoError(t, err)
	assert.Equal(t, want, batchKeys(batch))
	assert.Empty(t, batch.Finished)
}

func TestCollect_StartDateTieBrokenByID(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	campaigns := NewMockCampaignRepo(activeCampaign(5, day), activeCampaign(3, day))
	assignments := NewMockAssignmentRepo()
	assignments.addReady(5, 50)
	assignments.addReady(3, 30)

	batch, err := service.NewBatchCollector(campaigns, assignments).Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{3, 30}}, batchKeys(batch))
}

func TestCollect_FinishesDrainedCampaign(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	campaigns := NewMockCampaignRepo(activeCampaign(1, day), activeCampaign(2, day.Add(time.Hour)))
	assignments := NewMockAssignmentRepo()
	assignments.addReady(2, 7)

	batch, err := service.NewBatchCollector(campaigns, assignments).Collect(context.Background(), 15)
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{2, 7}}, batchKeys(batch))
	assert.Equal(t, []int{1}, batch.Finished)
	assert.Equal(t, model.CampaignFinished, campaigns.status(1))
	assert.Equal(t, model.CampaignActive, campaigns.status(2))
}

func TestCollect_SkipsCampaignOnStoreError(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	campaigns := NewMockCampaignRepo(activeCampaign(1, day), activeCampaign(2, day.Add(time.Hour)))
	assignments := NewMockAssignmentRepo()
	assignments.addReady(1, 1)
	assignments.addReady(2, 2)
	assignments.listErr[1] = errStore

	batch, err := service.NewBatchCollector(campaigns, assignments).Collect(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{2, 2}}, batchKeys(batch))
	assert.Equal(t, model.CampaignActive, campaigns.status(1))
}

func TestCollect_ListCampaignsErrorFails(t *testing.T) {
	campaigns := NewMockCampaignRepo()
	campaigns.listErr = errStore

	_, err := service.NewBatchCollector(campaigns, NewMockAssignmentRepo()).Collect(context.Background(), 5)
	assert.ErrorIs(t, err, errStore)
}

func TestCollect_ZeroBatchHasNoSideEffects(t *testing.T) {
	campaigns := NewMockCampaignRepo(activeCampaign(1, time.Now()))

	batch, err := service.NewBatchCollector(campaigns, NewMockAssignmentRepo()).Collect(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, batch.Items)
	assert.Equal(t, model.CampaignActive, campaigns.status(1))
}

func TestCollect_IgnoresNonActive(t *testing.T) {
	stopped := activeCampaign(1, time.Now())
	stopped.Status = model.CampaignStopped
	campaigns := NewMockCampaignRepo(stopped)
	assignments := NewMockAssignmentRepo()
	assignments.addReady(1, 1)

	batch, err := service.NewBatchCollector(campaigns, assignments).Collect(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, batch.Items)
	assert.Equal(t, model.CampaignStopped, campaigns.status(1))
}
