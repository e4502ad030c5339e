package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/unclebandit/campaign-dispatcher/internal/db"
	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

type CampaignFilter struct {
	Type   string
	Status string
	Search string
}

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	CreateWithAssignments(ctx context.Context, c *model.Campaign, leadIDs []int, tentativeSendDates []time.Time) (int, error)
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, filter CampaignFilter, offset, limit int) ([]*model.Campaign, int, error)
	ListActive(ctx context.Context) ([]*model.Campaign, error)
	UpdateStatus(ctx context.Context, campaignID int, status model.CampaignStatus) error
	TransitionStatus(ctx context.Context, campaignID int, from, to model.CampaignStatus) (bool, error)
	FinishIfActive(ctx context.Context, campaignID int) (bool, error)
}

type CampaignRepository struct {
	DB      *sql.DB
	Dialect db.Dialect
}

const campaignColumns = `id, name, type, status, start_date, end_date, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*model.Campaign, error) {
	var (
		c         model.Campaign
		endDate   sql.NullTime
		updatedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Type, &c.Status, &c.StartDate, &endDate, &c.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	if endDate.Valid {
		t := endDate.Time
		c.EndDate = &t
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		c.UpdatedAt = &t
	}
	return &c, nil
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	return insertCampaign(ctx, r.DB, r.Dialect, c)
}

// CreateWithAssignments stores the campaign and its READY assignments in one
// transaction. When any insert fails nothing is kept.
func (r *CampaignRepository) CreateWithAssignments(ctx context.Context, c *model.Campaign, leadIDs []int, tentativeSendDates []time.Time) (int, error) {
	if len(leadIDs) != len(tentativeSendDates) {
		return 0, fmt.Errorf("%w: %d lead ids but %d send dates", appErrors.ErrInvalidArgument, len(leadIDs), len(tentativeSendDates))
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := insertCampaign(ctx, tx, r.Dialect, c); err != nil {
		return 0, err
	}
	inserted := 0
	if len(leadIDs) > 0 {
		inserted, err = insertAssignments(ctx, tx, r.Dialect, c.CreatedAt, c.ID, leadIDs, tentativeSendDates)
		if err != nil {
			c.ID = 0
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		c.ID = 0
		return 0, err
	}
	return inserted, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertCampaign(ctx context.Context, q queryRower, dialect db.Dialect, c *model.Campaign) error {
	c.CreatedAt = time.Now().UTC()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.Type == "" {
		c.Type = model.CampaignEmail
	}
	query := dialect.Rebind(`
		INSERT INTO campaigns (name, type, status, start_date, end_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	var endDate any
	if c.EndDate != nil {
		endDate = c.EndDate.UTC()
	}
	return q.QueryRowContext(ctx, query,
		c.Name, c.Type, c.Status, c.StartDate.UTC(), endDate, c.CreatedAt,
	).Scan(&c.ID)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query := r.Dialect.Rebind(`SELECT ` + campaignColumns + ` FROM campaigns WHERE id = ?`)
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, filter CampaignFilter, offset, limit int) ([]*model.Campaign, int, error) {
	where := []string{"1=1"}
	args := []any{}

	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Search != "" {
		where = append(where, "name LIKE ?")
		args = append(args, "%"+filter.Search+"%")
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	countQuery := r.Dialect.Rebind(`SELECT COUNT(*) FROM campaigns WHERE ` + whereClause)
	if err := r.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := r.Dialect.Rebind(`SELECT ` + campaignColumns + ` FROM campaigns WHERE ` + whereClause +
		` ORDER BY start_date DESC, id DESC LIMIT ? OFFSET ?`)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

// ListActive returns ACTIVE campaigns, oldest start_date first.
func (r *CampaignRepository) ListActive(ctx context.Context) ([]*model.Campaign, error) {
	query := r.Dialect.Rebind(`SELECT ` + campaignColumns + ` FROM campaigns
		WHERE status = ? ORDER BY start_date ASC, id ASC`)
	rows, err := r.DB.QueryContext(ctx, query, model.CampaignActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (r *CampaignRepository) UpdateStatus(ctx context.Context, campaignID int, status model.CampaignStatus) error {
	if !status.IsValid() {
		return appErrors.ErrInvalidStatus
	}
	query := r.Dialect.Rebind(`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`)
	res, err := r.DB.ExecContext(ctx, query, status, time.Now().UTC(), campaignID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	return nil
}

// TransitionStatus sets status to `to` only while the row is still in `from`.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, campaignID int, from, to model.CampaignStatus) (bool, error) {
	if !from.IsValid() || !to.IsValid() {
		return false, appErrors.ErrInvalidStatus
	}
	query := r.Dialect.Rebind(`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ? AND status = ?`)
	res, err := r.DB.ExecContext(ctx, query, to, time.Now().UTC(), campaignID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FinishIfActive moves an ACTIVE campaign to FINISHED. It reports false when
// the campaign was no longer ACTIVE, e.g. stopped by an operator meanwhile.
func (r *CampaignRepository) FinishIfActive(ctx context.Context, campaignID int) (bool, error) {
	return r.TransitionStatus(ctx, campaignID, model.CampaignActive, model.CampaignFinished)
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
