// cmd/server/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/unclebandit/campaign-dispatcher/internal/config"
	"github.com/unclebandit/campaign-dispatcher/internal/controller"
	"github.com/unclebandit/campaign-dispatcher/internal/db"
	"github.com/unclebandit/campaign-dispatcher/internal/handler"
	"github.com/unclebandit/campaign-dispatcher/internal/lock"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
	"github.com/unclebandit/campaign-dispatcher/internal/service"
	"github.com/unclebandit/campaign-dispatcher/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	cfg.SetupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}
	defer conn.Close()

	dialect := db.Dialect(cfg.Database.Driver)
	if err := db.Migrate(ctx, conn, dialect); err != nil {
		logrus.WithError(err).Fatal("Failed to migrate database")
	}

	loc, err := cfg.Dispatch.Location()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid QUOTA_TIMEZONE")
	}

	campaignRepo := &repository.CampaignRepository{DB: conn, Dialect: dialect}
	leadRepo := &repository.LeadRepository{DB: conn, Dialect: dialect}
	assignmentRepo := &repository.AssignmentRepository{DB: conn, Dialect: dialect}

	campaignService := service.NewCampaignService(campaignRepo, leadRepo, assignmentRepo)
	campaignService.PlanDailyCap = cfg.Dispatch.PlanDailyCap
	campaignService.PlanSpacing = cfg.Dispatch.PlanSpacing
	campaignService.Location = loc

	var amqpConn *amqp.Connection
	if cfg.AMQP.URL != "" {
		amqpConn, err = amqp.Dial(cfg.AMQP.URL)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to connect to RabbitMQ")
		}
		defer amqpConn.Close()
	}

	sender, err := buildSender(cfg, amqpConn)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up transports")
	}

	publisher, closePublisher, err := buildPublisher(cfg, amqpConn)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up outcome events")
	}
	defer closePublisher()

	dispatcher := service.NewDispatcher(
		service.NewQuotaTracker(assignmentRepo, cfg.Dispatch.DailySendLimit, loc),
		service.NewBatchCollector(campaignRepo, assignmentRepo),
		sender,
		assignmentRepo,
	)
	dispatcher.BatchLimit = cfg.Dispatch.BatchLimit
	dispatcher.SendDelay = cfg.Dispatch.SendDelay
	dispatcher.SendTimeout = cfg.Dispatch.SendTimeout
	dispatcher.TickPeriod = cfg.Dispatch.TickPeriod
	dispatcher.Publisher = publisher
	dispatcher.Topic = cfg.Events.Topic

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logrus.WithError(err).Fatal("Failed to connect to Redis")
		}
		dispatcher.Locker = lock.NewRedisLocker(rdb)
		logrus.WithField("addr", cfg.Redis.Addr).Info("Using Redis tick lock")
	}

	if err := dispatcher.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("Failed to start dispatcher")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", healthHandler(conn))
	(&controller.CampaignController{CampaignService: campaignService}).Routes(r)
	handler.NewCampaignHandler(campaignService, dispatcher).Routes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logrus.WithField("addr", cfg.HTTPAddr).Info("Server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("HTTP server failed")
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.SendTimeout+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown did not complete")
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Dispatcher did not stop cleanly")
	}
}

// buildSender routes EMAIL to SMTP and SMS/WHATSAPP to the gateway queue.
// Channels without a configured transport fall back to the mock sender.
func buildSender(cfg *config.Config, amqpConn *amqp.Connection) (*transport.Router, error) {
	router := transport.NewRouter()
	mock := transport.NewMockSender(0.9, time.Now().UnixNano())

	if cfg.SMTP.Host != "" {
		router.Handle(model.CampaignEmail, transport.NewSMTPSender(
			cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password,
			cfg.SMTP.From, cfg.SMTP.Subject, cfg.SMTP.Body,
		))
	} else {
		logrus.Warn("SMTP_HOST not set, EMAIL campaigns use the mock sender")
		router.Handle(model.CampaignEmail, mock)
	}

	if amqpConn != nil {
		ch, err := amqpConn.Channel()
		if err != nil {
			return nil, err
		}
		qs, err := transport.NewQueueSender(ch, cfg.AMQP.SendQueue, cfg.AMQP.Body)
		if err != nil {
			return nil, err
		}
		router.Handle(model.CampaignSMS, qs)
		router.Handle(model.CampaignWhatsApp, qs)
	} else {
		logrus.Warn("AMQP_URL not set, SMS and WHATSAPP campaigns use the mock sender")
		router.Handle(model.CampaignSMS, mock)
		router.Handle(model.CampaignWhatsApp, mock)
	}
	return router, nil
}

// buildPublisher picks the outcome event sink from EVENTS_BACKEND.
func buildPublisher(cfg *config.Config, amqpConn *amqp.Connection) (queue.Publisher, func(), error) {
	noop := func() {}
	switch cfg.Events.Backend {
	case "none":
		return queue.Nop{}, noop, nil
	case "amqp":
		ch, err := amqpConn.Channel()
		if err != nil {
			return nil, noop, err
		}
		return queue.NewAMQPPublisher(ch), func() { ch.Close() }, nil
	case "kafka":
		p := queue.NewKafkaPublisher(strings.Split(cfg.Events.KafkaBrokers, ","))
		return p, func() {
			if err := p.Close(); err != nil {
				logrus.WithError(err).Warn("Failed to close Kafka writer")
			}
		}, nil
	}

	q := queue.NewInMemoryQueue()
	log := logrus.WithField("component", "outcome-events")
	err := q.Subscribe(cfg.Events.Topic, func(payload any) error {
		ev, ok := payload.(queue.OutcomeEvent)
		if !ok {
			return nil
		}
		log.WithFields(logrus.Fields{
			"tick_id":     ev.TickID,
			"campaign_id": ev.CampaignID,
			"lead_id":     ev.LeadID,
			"status":      ev.Status,
		}).Debug("Outcome recorded")
		return nil
	})
	if err != nil {
		return nil, noop, err
	}
	return q, q.Wait, nil
}

func healthHandler(conn *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := conn.PingContext(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}
