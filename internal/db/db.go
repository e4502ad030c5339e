// internal/db/db.go
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Dialect captures the few SQL differences between the supported drivers.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// Rebind rewrites ? placeholders to $n for postgres.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Open connects and pings the database for the given driver.
func Open(driver, dsn string) (*sql.DB, error) {
	d := Dialect(driver)
	if d != Postgres && d != SQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if d == SQLite && !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d == SQLite {
		// single writer
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logrus.WithField("driver", driver).Info("Connected to database")
	return conn, nil
}

// Migrate creates the campaigns, leads and campaign_leads tables.
func Migrate(ctx context.Context, conn *sql.DB, d Dialect) error {
	stmts := sqliteSchema
	if d == Postgres {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS leads (
		id SERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		address TEXT,
		phone TEXT,
		mobile TEXT,
		email TEXT,
		contact_person TEXT,
		area TEXT NOT NULL DEFAULT 'N/A',
		is_survey_lead BOOLEAN NOT NULL DEFAULT FALSE,
		details TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS campaigns (
		id SERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		start_date TIMESTAMPTZ NOT NULL,
		end_date TIMESTAMPTZ,
		status TEXT NOT NULL CHECK (status IN ('DRAFT', 'ACTIVE', 'STOPPED', 'FINISHED')),
		type TEXT NOT NULL DEFAULT 'EMAIL' CHECK (type IN ('EMAIL', 'SMS', 'WHATSAPP')),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS campaign_leads (
		campaign_id INTEGER NOT NULL REFERENCES campaigns(id),
		lead_id INTEGER NOT NULL REFERENCES leads(id),
		status TEXT NOT NULL DEFAULT 'READY' CHECK (status IN ('READY', 'SENT', 'FAILED')),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		updated_by TEXT,
		extra_data TEXT,
		tentative_send_date TIMESTAMPTZ,
		follow_up_call_date TIMESTAMPTZ,
		remarks TEXT,
		PRIMARY KEY (campaign_id, lead_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_campaigns_status_start ON campaigns(status, start_date)`,
	`CREATE INDEX IF NOT EXISTS idx_campaign_leads_status ON campaign_leads(campaign_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_campaign_leads_sent ON campaign_leads(status, updated_at)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS leads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		address TEXT,
		phone TEXT,
		mobile TEXT,
		email TEXT,
		contact_person TEXT,
		area TEXT NOT NULL DEFAULT 'N/A',
		is_survey_lead BOOLEAN NOT NULL DEFAULT 0,
		details TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS campaigns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		start_date DATETIME NOT NULL,
		end_date DATETIME,
		status TEXT NOT NULL CHECK (status IN ('DRAFT', 'ACTIVE', 'STOPPED', 'FINISHED')),
		type TEXT NOT NULL DEFAULT 'EMAIL' CHECK (type IN ('EMAIL', 'SMS', 'WHATSAPP')),
		created_at DATETIME NOT NULL,
		updated_at DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS campaign_leads (
		campaign_id INTEGER NOT NULL REFERENCES campaigns(id),
		lead_id INTEGER NOT NULL REFERENCES leads(id),
		status TEXT NOT NULL DEFAULT 'READY' CHECK (status IN ('READY', 'SENT', 'FAILED')),
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		updated_by TEXT,
		extra_data TEXT,
		tentative_send_date DATETIME,
		follow_up_call_date DATETIME,
		remarks TEXT,
		PRIMARY KEY (campaign_id, lead_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_campaigns_status_start ON campaigns(status, start_date)`,
	`CREATE INDEX IF NOT EXISTS idx_campaign_leads_status ON campaign_leads(campaign_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_campaign_leads_sent ON campaign_leads(status, updated_at)`,
}
