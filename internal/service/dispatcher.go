package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/lock"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
	"github.com/unclebandit/campaign-dispatcher/internal/transport"
)

// UpdatedByDispatcher is recorded as updated_by on every outcome the loop writes.
const UpdatedByDispatcher = "dispatcher"

// DefaultLockKey is the tick lock key shared by all dispatcher processes.
const DefaultLockKey = "campaign-dispatcher:tick"

type QuotaSource interface {
	Remaining(ctx context.Context) (int, error)
}

type BatchSource interface {
	Collect(ctx context.Context, maxBatch int) (Batch, error)
}

// OutcomeWriter records the result of one send.
type OutcomeWriter interface {
	MarkOutcome(ctx context.Context, campaignID, leadID int, status model.AssignmentStatus, extra model.ExtraData, updatedBy string) (bool, error)
}

// TickReport summarises one tick.
type TickReport struct {
	TickID         string    `json:"tick_id"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	QuotaRemaining int       `json:"quota_remaining"`
	Collected      int       `json:"collected"`
	Sent           int       `json:"sent"`
	Failed         int       `json:"failed"`
	EventsDropped  int       `json:"events_dropped,omitempty"`
	Finished       []int     `json:"finished_campaigns,omitempty"`
	Interrupted    bool      `json:"interrupted,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// DispatcherStatus is a point-in-time view of the loop.
type DispatcherStatus struct {
	Running        bool        `json:"running"`
	TickInProgress bool        `json:"tick_in_progress"`
	TickPeriod     string      `json:"tick_period"`
	BatchLimit     int         `json:"batch_limit"`
	SendDelay      string      `json:"send_delay"`
	LastTick       *TickReport `json:"last_tick,omitempty"`
}

// Dispatcher runs the send loop: every TickPeriod it reads the remaining
// daily quota, collects up to min(remaining, BatchLimit) READY assignments
// and sends them one at a time, SendDelay apart.
type Dispatcher struct {
	Quota     QuotaSource
	Collector BatchSource
	Sender    transport.Sender
	Outcomes  OutcomeWriter
	Publisher queue.Publisher
	Topic     string
	Locker    lock.Locker
	LockKey   string

	BatchLimit  int
	SendDelay   time.Duration
	SendTimeout time.Duration
	TickPeriod  time.Duration

	// PublishTimeout bounds one outcome event publish. Events are published
	// off the send path, in order, from a buffer of EventBuffer entries; when
	// the buffer is full new events are dropped.
	PublishTimeout time.Duration
	EventBuffer    int

	Log   *logrus.Entry
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	inTick atomic.Bool

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	last   *TickReport

	eventsOnce sync.Once
	events     chan queue.OutcomeEvent
	pending    atomic.Int64
}

func NewDispatcher(quota QuotaSource, collector BatchSource, sender transport.Sender, outcomes OutcomeWriter) *Dispatcher {
	return &Dispatcher{
		Quota:       quota,
		Collector:   collector,
		Sender:      sender,
		Outcomes:    outcomes,
		Publisher:   queue.Nop{},
		Topic:       queue.OutcomeTopic,
		LockKey:     DefaultLockKey,
		BatchLimit:  15,
		SendDelay:   3200 * time.Millisecond,
		SendTimeout: 30 * time.Second,
		TickPeriod:  30 * time.Second,

		PublishTimeout: 5 * time.Second,
		EventBuffer:    256,

		Log: logrus.WithField("component", "dispatcher"),
	}
}

// Start schedules ticks every TickPeriod until Stop is called or ctx ends.
// A tick still running when the next one is due causes that one to be skipped.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cron != nil {
		return errors.New("dispatcher already started")
	}
	if d.TickPeriod <= 0 {
		return fmt.Errorf("%w: tick period must be positive", appErrors.ErrInvalidArgument)
	}

	runCtx, cancel := context.WithCancel(ctx)
	cronLog := cron.PrintfLogger(d.logger())
	c := cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))

	_, err := c.AddFunc(fmt.Sprintf("@every %s", d.TickPeriod), func() {
		if _, err := d.Tick(runCtx); err != nil {
			if errors.Is(err, appErrors.ErrTickInProgress) {
				d.logger().Debug("Previous tick still running, skipping")
				return
			}
			d.logger().WithError(err).Error("Tick failed")
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("schedule tick: %w", err)
	}

	d.cron = c
	d.cancel = cancel
	c.Start()
	d.logger().WithFields(logrus.Fields{
		"tick_period": d.TickPeriod.String(),
		"batch_limit": d.BatchLimit,
		"send_delay":  d.SendDelay.String(),
	}).Info("Dispatcher started")
	return nil
}

// Stop prevents new ticks, interrupts the running tick before its next send
// and waits for it to return or for ctx to end.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	c, cancel := d.cron, d.cancel
	d.cron, d.cancel = nil, nil
	d.mu.Unlock()

	if c == nil {
		return nil
	}
	cancel()
	done := c.Stop()

	select {
	case <-done.Done():
	case <-ctx.Done():
		return fmt.Errorf("dispatcher stop: %w", ctx.Err())
	}
	if err := d.FlushEvents(ctx); err != nil {
		return fmt.Errorf("dispatcher stop: %w", err)
	}
	d.logger().Info("Dispatcher stopped")
	return nil
}

// Status returns a snapshot of the loop state.
func (d *Dispatcher) Status() DispatcherStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := DispatcherStatus{
		Running:        d.cron != nil,
		TickInProgress: d.inTick.Load(),
		TickPeriod:     d.TickPeriod.String(),
		BatchLimit:     d.BatchLimit,
		SendDelay:      d.SendDelay.String(),
	}
	if d.last != nil {
		last := *d.last
		last.Finished = append([]int(nil), d.last.Finished...)
		st.LastTick = &last
	}
	return st
}

// Tick runs one pass of the loop. It returns ErrTickInProgress if another
// tick holds the guard or the shared lock.
func (d *Dispatcher) Tick(ctx context.Context) (TickReport, error) {
	if !d.inTick.CompareAndSwap(false, true) {
		return TickReport{}, appErrors.ErrTickInProgress
	}
	defer d.inTick.Store(false)

	if d.Locker != nil {
		release, ok, err := d.Locker.TryLock(ctx, d.lockKey(), d.lockTTL())
		if err != nil {
			return TickReport{}, fmt.Errorf("acquire tick lock: %w", err)
		}
		if !ok {
			return TickReport{}, appErrors.ErrTickInProgress
		}
		defer release()
	}

	report := TickReport{TickID: uuid.NewString(), StartedAt: d.now()}
	err := d.runTick(ctx, &report)
	report.EndedAt = d.now()
	if err != nil {
		report.Error = err.Error()
	}

	d.mu.Lock()
	d.last = &report
	d.mu.Unlock()

	return report, err
}

func (d *Dispatcher) runTick(ctx context.Context, report *TickReport) error {
	log := d.logger().WithField("tick_id", report.TickID)

	remaining, err := d.Quota.Remaining(ctx)
	if err != nil {
		return fmt.Errorf("compute quota: %w", err)
	}
	report.QuotaRemaining = remaining
	if remaining <= 0 {
		log.Debug("Daily quota exhausted")
		return nil
	}

	size := remaining
	if d.BatchLimit > 0 && d.BatchLimit < size {
		size = d.BatchLimit
	}

	batch, err := d.Collector.Collect(ctx, size)
	if err != nil {
		return fmt.Errorf("collect batch: %w", err)
	}
	report.Collected = len(batch.Items)
	report.Finished = batch.Finished
	if len(batch.Items) == 0 {
		log.Debug("Nothing to send")
		return nil
	}

	log.WithFields(logrus.Fields{
		"quota_remaining": remaining,
		"batch":           len(batch.Items),
	}).Info("Dispatching batch")

	for _, item := range batch.Items {
		if err := d.sleep(ctx, d.SendDelay); err != nil {
			report.Interrupted = true
			log.Info("Shutdown requested, stopping before next send")
			break
		}

		res, err := d.send(ctx, item)
		if err != nil {
			return fmt.Errorf("transport failed on campaign %d lead %d: %w", item.Campaign.ID, item.Lead.LeadID, err)
		}
		d.record(ctx, log, report, item, res)
	}

	log.WithFields(logrus.Fields{
		"sent":   report.Sent,
		"failed": report.Failed,
	}).Info("Batch done")
	return nil
}

// send runs the transport on a context detached from shutdown so an
// in-flight send is allowed to finish within SendTimeout.
func (d *Dispatcher) send(ctx context.Context, item BatchItem) (transport.Result, error) {
	sendCtx, cancel := d.detached(ctx)
	defer cancel()

	res, err := d.Sender.Send(sendCtx, item.Campaign, item.Lead)
	if err != nil {
		return res, err
	}
	if !res.Status.IsTerminal() {
		return transport.Failed(fmt.Sprintf("transport returned status %q", res.Status)), nil
	}
	return res, nil
}

func (d *Dispatcher) record(ctx context.Context, log *logrus.Entry, report *TickReport, item BatchItem, res transport.Result) {
	log = log.WithFields(logrus.Fields{
		"campaign_id": item.Campaign.ID,
		"lead_id":     item.Lead.LeadID,
		"status":      res.Status,
	})

	writeCtx, cancel := d.detached(ctx)
	defer cancel()

	changed, err := d.Outcomes.MarkOutcome(writeCtx, item.Campaign.ID, item.Lead.LeadID, res.Status, res.Extra, UpdatedByDispatcher)
	if err != nil {
		log.WithError(err).Error("Failed to record outcome")
		return
	}
	if !changed {
		log.Warn("Assignment was no longer READY, outcome not recorded")
		return
	}

	switch res.Status {
	case model.AssignmentSent:
		report.Sent++
		log.Info("Message sent")
	case model.AssignmentFailed:
		report.Failed++
		detail, _ := res.Extra.ErrorDetail()
		log.WithField("error", detail).Warn("Message failed")
	}

	if d.Publisher == nil {
		return
	}
	d.enqueueEvent(log, report, queue.OutcomeEvent{
		TickID:     report.TickID,
		CampaignID: item.Campaign.ID,
		LeadID:     item.Lead.LeadID,
		Channel:    item.Campaign.Type,
		Status:     res.Status,
		Extra:      res.Extra,
		At:         d.now(),
	})
}

// enqueueEvent hands ev to the publishing goroutine without blocking.
func (d *Dispatcher) enqueueEvent(log *logrus.Entry, report *TickReport, ev queue.OutcomeEvent) {
	d.eventsOnce.Do(d.startPublishing)

	d.pending.Add(1)
	select {
	case d.events <- ev:
	default:
		d.pending.Add(-1)
		report.EventsDropped++
		log.Warn("Outcome event buffer full, dropping event")
	}
}

func (d *Dispatcher) startPublishing() {
	size := d.EventBuffer
	if size <= 0 {
		size = 1
	}
	d.events = make(chan queue.OutcomeEvent, size)
	go func() {
		for ev := range d.events {
			d.publish(ev)
			d.pending.Add(-1)
		}
	}()
}

func (d *Dispatcher) publish(ev queue.OutcomeEvent) {
	timeout := d.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.Publisher.Publish(ctx, d.topic(), ev); err != nil {
		d.logger().WithFields(logrus.Fields{
			"tick_id":     ev.TickID,
			"campaign_id": ev.CampaignID,
			"lead_id":     ev.LeadID,
		}).WithError(err).Warn("Failed to publish outcome event")
	}
}

// FlushEvents waits until every enqueued outcome event has been published
// or has timed out, or until ctx ends.
func (d *Dispatcher) FlushEvents(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for d.pending.Load() > 0 {
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Dispatcher) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if d.SendTimeout > 0 {
		return context.WithTimeout(base, d.SendTimeout)
	}
	return context.WithCancel(base)
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) error {
	if d.Sleep != nil {
		return d.Sleep(ctx, dur)
	}
	return sleepContext(ctx, dur)
}

func sleepContext(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) topic() string {
	if d.Topic == "" {
		return queue.OutcomeTopic
	}
	return d.Topic
}

func (d *Dispatcher) lockKey() string {
	if d.LockKey == "" {
		return DefaultLockKey
	}
	return d.LockKey
}

// lockTTL covers a full batch where every send and every outcome write
// runs into SendTimeout, plus one SendTimeout for quota and collection.
// Event publishing is not on this path.
func (d *Dispatcher) lockTTL() time.Duration {
	n := d.BatchLimit
	if n <= 0 {
		n = 1
	}
	ttl := time.Duration(n)*(d.SendDelay+2*d.SendTimeout) + d.SendTimeout + d.TickPeriod
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

func (d *Dispatcher) logger() *logrus.Entry {
	if d.Log != nil {
		return d.Log
	}
	return logrus.WithField("component", "dispatcher")
}
