package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/lock"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
	"github.com/unclebandit/campaign-dispatcher/internal/service"
	"github.com/unclebandit/campaign-dispatcher/internal/transport"
)

type fixedQuota struct {
	remaining int
	err       error
}

func (q fixedQuota) Remaining(context.Context) (int, error) { return q.remaining, q.err }

type recordingSender struct {
	mu    sync.Mutex
	calls []int
	fn    func(lead model.CampaignLead) (transport.Result, error)
}

func (s *recordingSender) Send(ctx context.Context, c model.Campaign, lead model.CampaignLead) (transport.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, lead.LeadID)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(lead)
	}
	return transport.Sent(model.DeliveryInfo{Provider: "test"}), nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fixture struct {
	campaigns   *MockCampaignRepo
	assignments *MockAssignmentRepo
	sender      *recordingSender
	dispatcher  *service.Dispatcher
}

func newFixture(remaining int) *fixture {
	f := &fixture{
		campaigns:   NewMockCampaignRepo(activeCampaign(1, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))),
		assignments: NewMockAssignmentRepo(),
		sender:      &recordingSender{},
	}
	collector := service.NewBatchCollector(f.campaigns, f.assignments)
	f.dispatcher = service.NewDispatcher(fixedQuota{remaining: remaining}, collector, f.sender, f.assignments)
	f.dispatcher.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return f
}

func TestTick_QuotaExhaustedSendsNothing(t *testing.T) {
	f := newFixture(0)
	f.assignments.addReady(1, 1, 2, 3)

	report, err := f.dispatcher.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, f.sender.count())
	assert.Equal(t, 0, report.Collected)
	assert.Equal(t, model.CampaignActive, f.campaigns.status(1))
}

func TestTick_BatchIsMinOfQuotaAndLimit(t *testing.T) {
	f := newFixture(5)
	f.dispatcher.BatchLimit = 15
	f.assignments.addReady(1, ids(20)...)

	report, err := f.dispatcher.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Collected)
	assert.Equal(t, 5, report.Sent)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, f.sender.calls)

	f = newFixture(400)
	f.dispatcher.BatchLimit = 15
	f.assignments.addReady(1, ids(20)...)
	report, err = f.dispatcher.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15, report.Sent)
}

func TestTick_FailureDoesNotStopBatch(t *testing.T) {
	f := newFixture(10)
	f.assignments.addReady(1, 1, 2, 3)
	f.sender.fn = func(lead model.CampaignLead) (transport.Result, error) {
		if lead.LeadID == 2 {
			return transport.Failed("mailbox full"), nil
		}
		return transport.Sent(model.DeliveryInfo{Provider: "test", MessageID: "m"}), nil
	}

	report, err := f.dispatcher.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 1, report.Failed)

	assert.Equal(t, model.AssignmentSent, f.assignments.get(1, 1).Status)
	failed := f.assignments.get(1, 2)
	assert.Equal(t, model.AssignmentFailed, failed.Status)
	detail, _ := failed.ExtraData.ErrorDetail()
	assert.Equal(t, "mailbox full", detail)
	assert.Equal(t, service.UpdatedByDispatcher, failed.UpdatedBy)
	assert.Equal(t, model.AssignmentSent, f.assignments.get(1, 3).Status)
	assert.Equal(t, model.ExtraDelivery, f.assignments.get(1, 3).ExtraData.Kind())
}

func TestTick_TransportErrorHaltsTick(t *testing.T) {
	f := newFixture(10)
	f.assignments.addReady(1, 1, 2, 3)
	boom := errors.New("connection refused")
	f.sender.fn = func(lead model.CampaignLead) (transport.Result, error) {
		if lead.LeadID == 2 {
			return transport.Result{}, boom
		}
		return transport.Sent(model.DeliveryInfo{}), nil
	}

	report, err := f.dispatcher.Tick(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, []int{1, 2}, f.sender.calls)
	assert.Equal(t, model.AssignmentReady, f.assignments.get(1, 2).Status)
	assert.Equal(t, model.AssignmentReady, f.assignments.get(1, 3).Status)
	assert.NotEmpty(t, f.dispatcher.Status().LastTick.Error)
}

func TestTick_OutcomeWriteErrorContinues(t *testing.T) {
	f := newFixture(10)
	f.assignments.addReady(1, 1, 2)
	f.assignments.markErr = errStore

	report, err := f.dispatcher.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.sender.count())
	assert.Equal(t, 0, report.Sent)
}

func TestTick_FinishesDrainedCampaign(t *testing.T) {
	f := newFixture(10)

	report, err := f.dispatcher.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, report.Finished)
	assert.Equal(t, model.CampaignFinished, f.campaigns.status(1))
	assert.Equal(t, 0, f.sender.count())
}

func TestTick_ShutdownStopsBeforeNextSend(t *testing.T) {
	f := newFixture(10)
	f.assignments.addReady(1, 1, 2, 3)

	ctx, cancel := context.WithCancel(context.Background())
	f.sender.fn = func(lead model.CampaignLead) (transport.Result, error) {
		cancel()
		return transport.Sent(model.DeliveryInfo{}), nil
	}

	report, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.Equal(t, 1, f.sender.count())
	assert.Equal(t, model.AssignmentSent, f.assignments.get(1, 1).Status, "in-flight outcome must still be written")
	assert.Equal(t, model.AssignmentReady, f.assignments.get(1, 2).Status)
}

func TestTick_RejectsOverlap(t *testing.T) {
	f := newFixture(10)
	f.assignments.addReady(1, 1, 2)

	entered := make(chan struct{})
	release := make(chan struct{})
	var first int32
	f.sender.fn = func(lead model.CampaignLead) (transport.Result, error) {
		if atomic.CompareAndSwapInt32(&first, 0, 1) {
			close(entered)
			<-release
		}
		return transport.Sent(model.DeliveryInfo{}), nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.dispatcher.Tick(context.Background())
		done <- err
	}()
	<-entered

	assert.True(t, f.dispatcher.Status().TickInProgress)
	_, err := f.dispatcher.Tick(context.Background())
	assert.ErrorIs(t, err, appErrors.ErrTickInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 2, f.sender.count())
	assert.False(t, f.dispatcher.Status().TickInProgress)
}

func TestTick_SharedLockHeldElsewhere(t *testing.T) {
	f := newFixture(10)
	f.assignments.addReady(1, 1)
	locker := lock.NewLocalLocker()
	f.dispatcher.Locker = locker

	release, ok, err := locker.TryLock(context.Background(), service.DefaultLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.dispatcher.Tick(context.Background())
	assert.ErrorIs(t, err, appErrors.ErrTickInProgress)
	assert.Equal(t, 0, f.sender.count())

	release()
	_, err = f.dispatcher.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.sender.count())
}

func TestTick_PublishesOutcomeEvents(t *testing.T) {
	f := newFixture(10)
	f.assignments.addReady(1, 1, 2)
	q := queue.NewInMemoryQueue()
	var mu sync.Mutex
	var events []queue.OutcomeEvent
	require.NoError(t, q.Subscribe(queue.OutcomeTopic, func(p any) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, p.(queue.OutcomeEvent))
		return nil
	}))
	f.dispatcher.Publisher = q

	report, err := f.dispatcher.Tick(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.FlushEvents(context.Background()))
	q.Wait()

	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, report.TickID, ev.TickID)
		assert.Equal(t, model.AssignmentSent, ev.Status)
		assert.Equal(t, model.CampaignEmail, ev.Channel)
	}
}

// blockingPublisher holds every publish until release is closed or the
// publish context ends.
type blockingPublisher struct {
	release chan struct{}
	mu      sync.Mutex
	got     []queue.OutcomeEvent
}

func (p *blockingPublisher) Publish(ctx context.Context, topic string, payload any) error {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, payload.(queue.OutcomeEvent))
	return nil
}

func TestTick_SlowPublisherDoesNotStallSends(t *testing.T) {
	f := newFixture(10)
	f.assignments.addReady(1, 1, 2, 3)
	pub := &blockingPublisher{release: make(chan struct{})}
	f.dispatcher.Publisher = pub
	f.dispatcher.SendDelay = 0
	f.dispatcher.SendTimeout = 300 * time.Millisecond
	f.dispatcher.PublishTimeout = 10 * time.Second

	started := time.Now()
	report, err := f.dispatcher.Tick(context.Background())
	elapsed := time.Since(started)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Sent)
	assert.Less(t, elapsed, 250*time.Millisecond, "tick waited on event publishing")

	close(pub.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.dispatcher.FlushEvents(ctx))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.got, 3)
	for i, ev := range pub.got {
		assert.Equal(t, i+1, ev.LeadID, "events keep send order")
	}
}

func TestTick_FullEventBufferDropsEvents(t *testing.T) {
	f := newFixture(10)
	f.assignments.addReady(1, 1, 2, 3, 4)
	pub := &blockingPublisher{release: make(chan struct{})}
	f.dispatcher.Publisher = pub
	f.dispatcher.EventBuffer = 1

	report, err := f.dispatcher.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Sent)
	// one event is held by the publisher, at most one waits in the buffer
	assert.GreaterOrEqual(t, report.EventsDropped, 2)

	close(pub.release)
	require.NoError(t, f.dispatcher.FlushEvents(context.Background()))
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, 4-report.EventsDropped, len(pub.got))
}

func TestDispatcher_StartStop(t *testing.T) {
	f := newFixture(10)
	f.assignments.addReady(1, 1)
	f.dispatcher.TickPeriod = time.Second

	require.NoError(t, f.dispatcher.Start(context.Background()))
	assert.Error(t, f.dispatcher.Start(context.Background()))
	assert.True(t, f.dispatcher.Status().Running)

	assert.Eventually(t, func() bool { return f.sender.count() == 1 }, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.dispatcher.Stop(ctx))
	assert.False(t, f.dispatcher.Status().Running)
	require.NotNil(t, f.dispatcher.Status().LastTick)
}
