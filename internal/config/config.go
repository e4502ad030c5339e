// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	Database DatabaseConfig
	Dispatch DispatchConfig
	SMTP     SMTPConfig
	AMQP     AMQPConfig
	Events   EventsConfig
	Redis    RedisConfig
}

type DatabaseConfig struct {
	Driver   string // postgres or sqlite3
	URL      string
	User     string
	Password string
	Host     string
	Port     string
	Name     string
}

// DSN returns DATABASE_URL when set, otherwise builds a postgres URL from
// the DB_* parts.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type DispatchConfig struct {
	TickPeriod     time.Duration
	DailySendLimit int
	BatchLimit     int
	SendDelay      time.Duration
	SendTimeout    time.Duration
	PlanDailyCap   int
	PlanSpacing    time.Duration
	QuotaTimezone  string
}

// Location resolves QuotaTimezone; "Local" or empty means the process zone.
func (d DispatchConfig) Location() (*time.Location, error) {
	if d.QuotaTimezone == "" || strings.EqualFold(d.QuotaTimezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(d.QuotaTimezone)
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
	Body     string
}

type AMQPConfig struct {
	URL       string
	SendQueue string
	Body      string // SMS and WHATSAPP message template
}

type EventsConfig struct {
	Backend      string // memory, amqp, kafka, none
	KafkaBrokers string
	Topic        string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")

	v.SetDefault("DB_DRIVER", "sqlite3")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")

	v.SetDefault("TICK_PERIOD", 30*time.Second)
	v.SetDefault("DAILY_SEND_LIMIT", 400)
	v.SetDefault("BATCH_LIMIT", 15)
	v.SetDefault("SEND_DELAY", 3200*time.Millisecond)
	v.SetDefault("SEND_TIMEOUT", 30*time.Second)
	v.SetDefault("PLAN_DAILY_CAP", 300)
	v.SetDefault("PLAN_SPACING", 5*time.Second)
	v.SetDefault("QUOTA_TIMEZONE", "Local")

	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_SUBJECT", "Introduction to {company_name}")
	v.SetDefault("SMTP_BODY", "Dear {contact_person},\n\nWe would like to introduce our services to {company_name}.\n")

	v.SetDefault("SEND_QUEUE", "campaign_sends")
	v.SetDefault("MESSAGE_BODY", "Hi {contact_person}, {company_name} has an offer for you.")
	v.SetDefault("EVENTS_BACKEND", "memory")
	v.SetDefault("EVENTS_TOPIC", "campaign_outcomes")
	v.SetDefault("REDIS_DB", 0)
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, relying on OS environment variables")
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		HTTPAddr:  v.GetString("HTTP_ADDR"),
		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),
		Database: DatabaseConfig{
			Driver:   v.GetString("DB_DRIVER"),
			URL:      v.GetString("DATABASE_URL"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			Name:     v.GetString("DB_NAME"),
		},
		Dispatch: DispatchConfig{
			TickPeriod:     v.GetDuration("TICK_PERIOD"),
			DailySendLimit: v.GetInt("DAILY_SEND_LIMIT"),
			BatchLimit:     v.GetInt("BATCH_LIMIT"),
			SendDelay:      v.GetDuration("SEND_DELAY"),
			SendTimeout:    v.GetDuration("SEND_TIMEOUT"),
			PlanDailyCap:   v.GetInt("PLAN_DAILY_CAP"),
			PlanSpacing:    v.GetDuration("PLAN_SPACING"),
			QuotaTimezone:  v.GetString("QUOTA_TIMEZONE"),
		},
		SMTP: SMTPConfig{
			Host:     v.GetString("SMTP_HOST"),
			Port:     v.GetInt("SMTP_PORT"),
			Username: v.GetString("SMTP_USERNAME"),
			Password: v.GetString("SMTP_PASSWORD"),
			From:     v.GetString("SMTP_FROM"),
			Subject:  v.GetString("SMTP_SUBJECT"),
			Body:     v.GetString("SMTP_BODY"),
		},
		AMQP: AMQPConfig{
			URL:       v.GetString("AMQP_URL"),
			SendQueue: v.GetString("SEND_QUEUE"),
			Body:      v.GetString("MESSAGE_BODY"),
		},
		Events: EventsConfig{
			Backend:      strings.ToLower(v.GetString("EVENTS_BACKEND")),
			KafkaBrokers: v.GetString("KAFKA_BROKERS"),
			Topic:        v.GetString("EVENTS_TOPIC"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
	}

	if cfg.Database.Driver == "sqlite3" && cfg.Database.URL == "" {
		cfg.Database.URL = "campaigns.db"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.HTTPAddr, validation.Required),
		validation.Field(&c.Dispatch),
		validation.Field(&c.Database),
		validation.Field(&c.Events),
	)
	if err != nil {
		return err
	}
	if c.Events.Backend == "amqp" && c.AMQP.URL == "" {
		return fmt.Errorf("EVENTS_BACKEND=amqp requires AMQP_URL")
	}
	if c.Events.Backend == "kafka" && c.Events.KafkaBrokers == "" {
		return fmt.Errorf("EVENTS_BACKEND=kafka requires KAFKA_BROKERS")
	}
	return nil
}

func (d DatabaseConfig) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Driver, validation.Required, validation.In("postgres", "sqlite3")),
	)
}

func (d DispatchConfig) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.TickPeriod, validation.Required, validation.Min(time.Second)),
		validation.Field(&d.DailySendLimit, validation.Required, validation.Min(1)),
		validation.Field(&d.BatchLimit, validation.Required, validation.Min(1)),
		validation.Field(&d.SendDelay, validation.Min(time.Duration(0))),
		validation.Field(&d.SendTimeout, validation.Required),
		validation.Field(&d.PlanDailyCap, validation.Required, validation.Min(1)),
		validation.Field(&d.PlanSpacing, validation.Min(time.Duration(0))),
		validation.Field(&d.QuotaTimezone, validation.By(func(any) error {
			_, err := d.Location()
			return err
		})),
	)
}

func (e EventsConfig) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Backend, validation.In("memory", "amqp", "kafka", "none")),
	)
}

// SetupLogging applies LOG_LEVEL and LOG_FORMAT to the standard logrus logger.
func (c *Config) SetupLogging() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
