package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/unclebandit/campaign-dispatcher/internal/config"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
	"github.com/unclebandit/campaign-dispatcher/internal/transport"
)

const maxRetries = 3

// errGatewayRejected marks a job the gateway refused; it is retried.
var errGatewayRejected = errors.New("gateway rejected message")

// gateway consumes SendJobs published by the dispatcher for SMS and
// WHATSAPP campaigns and hands them to the carrier.
type gateway struct {
	deliver func(ctx context.Context, job transport.SendJob) error
	log     *logrus.Entry
}

func (g *gateway) handle(ctx context.Context, body []byte) error {
	var job transport.SendJob
	if err := json.Unmarshal(body, &job); err != nil {
		// malformed jobs are never going to succeed
		g.log.WithError(err).Warn("Invalid job, dropping")
		return nil
	}
	if err := validateJob(job); err != nil {
		g.log.WithError(err).WithField("job_id", job.JobID).Warn("Invalid job, dropping")
		return nil
	}

	log := g.log.WithFields(logrus.Fields{
		"job_id":      job.JobID,
		"campaign_id": job.CampaignID,
		"lead_id":     job.LeadID,
		"channel":     job.Channel,
	})
	if err := g.deliver(ctx, job); err != nil {
		log.WithError(err).Warn("Delivery failed")
		return err
	}
	log.Info("Delivered")
	return nil
}

func validateJob(job transport.SendJob) error {
	if job.JobID == "" {
		return errors.New("missing job_id")
	}
	if job.Channel != model.CampaignSMS && job.Channel != model.CampaignWhatsApp {
		return fmt.Errorf("unsupported channel %q", job.Channel)
	}
	if strings.TrimSpace(job.To) == "" {
		return errors.New("missing recipient")
	}
	return nil
}

// mockCarrier accepts successRate of the jobs it sees.
func mockCarrier(successRate float64, seed int64) func(context.Context, transport.SendJob) error {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func(ctx context.Context, job transport.SendJob) error {
		mu.Lock()
		ok := rng.Float64() < successRate
		mu.Unlock()
		if !ok {
			return errGatewayRejected
		}
		return nil
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	cfg.SetupLogging()
	if cfg.AMQP.URL == "" {
		logrus.Fatal("AMQP_URL is required for the gateway worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := amqp.Dial(cfg.AMQP.URL)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to RabbitMQ")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open channel")
	}
	defer ch.Close()

	g := &gateway{
		deliver: mockCarrier(0.9, time.Now().UnixNano()),
		log:     logrus.WithField("component", "gateway"),
	}
	consumer := queue.NewAMQPConsumer(ch, cfg.AMQP.SendQueue, maxRetries)

	logrus.WithField("queue", cfg.AMQP.SendQueue).Info("Worker running, waiting for messages...")
	if err := consumer.Run(ctx, func(body []byte) error { return g.handle(ctx, body) }); err != nil {
		logrus.WithError(err).Fatal("Consumer stopped")
	}
	logrus.Info("Worker stopped")
}
