// cmd/seeder/main.go
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/campaign-dispatcher/internal/config"
	"github.com/unclebandit/campaign-dispatcher/internal/db"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/repository"
	"github.com/unclebandit/campaign-dispatcher/internal/service"
)

func main() {
	leadsFile := flag.String("leads", "seed/leads.csv", "CSV file of leads to upsert")
	campaignName := flag.String("campaign", "", "if set, create a DRAFT campaign with every seeded lead")
	campaignType := flag.String("type", string(model.CampaignEmail), "type of the seeded campaign")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	cfg.SetupLogging()

	ctx := context.Background()
	conn, err := db.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}
	defer conn.Close()

	dialect := db.Dialect(cfg.Database.Driver)
	if err := db.Migrate(ctx, conn, dialect); err != nil {
		logrus.WithError(err).Fatal("Failed to migrate database")
	}

	f, err := os.Open(*leadsFile)
	if err != nil {
		logrus.WithError(err).Fatalf("failed to read %s", *leadsFile)
	}
	defer f.Close()

	leads, err := readLeads(f)
	if err != nil {
		logrus.WithError(err).Fatalf("failed to parse %s", *leadsFile)
	}

	leadRepo := &repository.LeadRepository{DB: conn, Dialect: dialect}
	ids := make([]int, 0, len(leads))
	for _, l := range leads {
		id, err := leadRepo.Upsert(ctx, l)
		if err != nil {
			logrus.WithError(err).Fatalf("failed to upsert lead %q", l.Name)
		}
		ids = append(ids, id)
	}
	logrus.WithField("count", len(ids)).Infof("Seeded: %s", *leadsFile)

	if *campaignName != "" {
		svc := service.NewCampaignService(
			&repository.CampaignRepository{DB: conn, Dialect: dialect},
			leadRepo,
			&repository.AssignmentRepository{DB: conn, Dialect: dialect},
		)
		res, err := svc.CreateCampaign(ctx, service.NewCampaign{
			Name:    *campaignName,
			Type:    model.CampaignType(strings.ToUpper(*campaignType)),
			LeadIDs: ids,
		})
		if err != nil {
			logrus.WithError(err).Fatal("failed to create campaign")
		}
		logrus.WithFields(logrus.Fields{
			"campaign_id": res.Campaign.ID,
			"leads":       res.LeadsAssigned,
		}).Info("Seeded campaign")
	}

	logrus.Info("Database seeding completed successfully!")
}

// readLeads parses a CSV whose header names the lead columns. name is
// required; unknown columns are ignored.
func readLeads(r io.Reader) ([]*model.Lead, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := col["name"]; !ok {
		return nil, errors.New("missing name column")
	}

	var leads []*model.Lead
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		get := func(name string) string {
			if i, ok := col[name]; ok && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}

		l := &model.Lead{
			Name:          get("name"),
			ContactPerson: get("contact_person"),
			Email:         get("email"),
			Mobile:        get("mobile"),
			Phone:         get("phone"),
			Address:       get("address"),
			Area:          get("area"),
			Details:       get("details"),
		}
		if l.Name == "" {
			return nil, fmt.Errorf("line %d: name is required", line)
		}
		if v := get("is_survey_lead"); v != "" {
			l.IsSurveyLead, err = strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("line %d: is_survey_lead: %w", line, err)
			}
		}
		leads = append(leads, l)
	}
	return leads, nil
}
