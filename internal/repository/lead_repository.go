package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/unclebandit/campaign-dispatcher/internal/db"
	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// LeadRepositoryInterface is the read side of the lead store used when
// campaigns are built. Lead identity data is never changed by dispatching.
type LeadRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.Lead, error)
	ListIDs(ctx context.Context, filter model.LeadFilter) ([]int, error)
	FilterExisting(ctx context.Context, ids []int) ([]int, error)
}

// LeadRepository is the concrete implementation
type LeadRepository struct {
	DB      *sql.DB
	Dialect db.Dialect
}

const leadColumns = `id, name, address, phone, mobile, email, contact_person, area, is_survey_lead, details, created_at, updated_at`

// GetByID fetches a lead by ID
func (r *LeadRepository) GetByID(ctx context.Context, id int) (*model.Lead, error) {
	query := r.Dialect.Rebind(`SELECT ` + leadColumns + ` FROM leads WHERE id = ?`)

	var (
		l                                                     model.Lead
		address, phone, mobile, email, contactPerson, details sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&l.ID, &l.Name, &address, &phone, &mobile, &email, &contactPerson,
		&l.Area, &l.IsSurveyLead, &details, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewLeadNotFound(0, id)
		}
		return nil, err
	}
	l.Address, l.Phone, l.Mobile = address.String, phone.String, mobile.String
	l.Email, l.ContactPerson, l.Details = email.String, contactPerson.String, details.String
	return &l, nil
}

// ListIDs returns the ids of every lead matching the filter, most recently
// updated first.
func (r *LeadRepository) ListIDs(ctx context.Context, filter model.LeadFilter) ([]int, error) {
	where := []string{"1=1"}
	args := []any{}

	if filter.Area != "" {
		where = append(where, "area = ?")
		args = append(args, strings.ToUpper(strings.TrimSpace(filter.Area)))
	}
	if filter.IsSurveyLead != nil {
		where = append(where, "is_survey_lead = ?")
		args = append(args, *filter.IsSurveyLead)
	}
	if filter.EmailNotNull {
		where = append(where, "email IS NOT NULL AND email <> ''")
	}
	if filter.MobileNotNull {
		where = append(where, "mobile IS NOT NULL AND mobile <> ''")
	}
	if filter.Search != "" {
		fuzzy := "%" + filter.Search + "%"
		where = append(where, "(name LIKE ? OR email LIKE ? OR contact_person LIKE ?)")
		args = append(args, fuzzy, fuzzy, fuzzy)
	}

	query := r.Dialect.Rebind(`SELECT id FROM leads WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY updated_at DESC, id ASC`)
	return r.queryIDs(ctx, query, args...)
}

// FilterExisting drops ids with no lead row, keeping the input order.
func (r *LeadRepository) FilterExisting(ctx context.Context, ids []int) ([]int, error) {
	if len(ids) == 0 {
		return []int{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := r.Dialect.Rebind(`SELECT id FROM leads WHERE id IN (` + placeholders(len(ids)) + `)`)
	found, err := r.queryIDs(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	exists := make(map[int]bool, len(found))
	for _, id := range found {
		exists[id] = true
	}
	kept := make([]int, 0, len(found))
	for _, id := range ids {
		if exists[id] {
			kept = append(kept, id)
			delete(exists, id)
		}
	}
	return kept, nil
}

// Upsert inserts a lead or updates the row with the same name, returning
// its id. Area is trimmed and upper-cased, defaulting to N/A.
func (r *LeadRepository) Upsert(ctx context.Context, l *model.Lead) (int, error) {
	l.Area = strings.ToUpper(strings.TrimSpace(l.Area))
	if l.Area == "" {
		l.Area = "N/A"
	}
	if l.Details == "" {
		l.Details = "{}"
	}
	now := time.Now().UTC()
	l.UpdatedAt = now

	query := r.Dialect.Rebind(`
		INSERT INTO leads (name, address, phone, mobile, email, contact_person, area, is_survey_lead, details, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			address = excluded.address, phone = excluded.phone, mobile = excluded.mobile,
			email = excluded.email, contact_person = excluded.contact_person, area = excluded.area,
			is_survey_lead = excluded.is_survey_lead, details = excluded.details, updated_at = excluded.updated_at
		RETURNING id
	`)
	err := r.DB.QueryRowContext(ctx, query,
		l.Name, l.Address, l.Phone, l.Mobile, l.Email, l.ContactPerson,
		l.Area, l.IsSurveyLead, l.Details, now, now,
	).Scan(&l.ID)
	return l.ID, err
}

func (r *LeadRepository) queryIDs(ctx context.Context, query string, args ...any) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var _ LeadRepositoryInterface = (*LeadRepository)(nil)
