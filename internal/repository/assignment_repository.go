package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/unclebandit/campaign-dispatcher/internal/db"
	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

// AssignmentRepositoryInterface is the assignment store: the only writer of
// campaign_leads rows.
type AssignmentRepositoryInterface interface {
	BulkCreate(ctx context.Context, campaignID int, leadIDs []int, tentativeSendDates []time.Time) (int, error)
	ListByStatus(ctx context.Context, campaignID int, statuses []model.AssignmentStatus, limit, offset int) ([]model.CampaignLead, error)
	CountByStatus(ctx context.Context, campaignID int, statuses []model.AssignmentStatus) (int, error)
	MarkOutcome(ctx context.Context, campaignID, leadID int, status model.AssignmentStatus, extra model.ExtraData, updatedBy string) (bool, error)
	CountSentBetween(ctx context.Context, from, to time.Time) (int, error)
	StatsByStatus(ctx context.Context, campaignID int) (map[model.AssignmentStatus]int, error)
	ListForExport(ctx context.Context, campaignID int) ([]model.CampaignLead, error)
	UpdateFollowUp(ctx context.Context, campaignID, leadID int, followUp *time.Time, remarks, updatedBy string) error
}

type AssignmentRepository struct {
	DB      *sql.DB
	Dialect db.Dialect
	// Now defaults to time.Now.
	Now func() time.Time
}

func (r *AssignmentRepository) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// BulkCreate inserts one READY row per lead in a single transaction. Rows
// that already exist for (campaign, lead) are skipped; the number of rows
// actually inserted is returned.
func (r *AssignmentRepository) BulkCreate(ctx context.Context, campaignID int, leadIDs []int, tentativeSendDates []time.Time) (int, error) {
	if len(leadIDs) != len(tentativeSendDates) {
		return 0, fmt.Errorf("%w: %d lead ids but %d send dates", appErrors.ErrInvalidArgument, len(leadIDs), len(tentativeSendDates))
	}
	if len(leadIDs) == 0 {
		return 0, nil
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted, err := insertAssignments(ctx, tx, r.Dialect, r.now(), campaignID, leadIDs, tentativeSendDates)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// insertAssignments writes READY rows inside tx and returns how many were new.
func insertAssignments(ctx context.Context, tx *sql.Tx, dialect db.Dialect, now time.Time, campaignID int, leadIDs []int, tentativeSendDates []time.Time) (int, error) {
	stmt, err := tx.PrepareContext(ctx, dialect.Rebind(`
		INSERT INTO campaign_leads (campaign_id, lead_id, status, created_at, updated_at, tentative_send_date)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (campaign_id, lead_id) DO NOTHING
	`))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for i, leadID := range leadIDs {
		res, err := stmt.ExecContext(ctx, campaignID, leadID, model.AssignmentReady, now, now, tentativeSendDates[i].UTC())
		if err != nil {
			return 0, fmt.Errorf("insert lead %d into campaign %d: %w", leadID, campaignID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

const campaignLeadColumns = `cl.campaign_id, cl.lead_id, cl.status, cl.created_at, cl.updated_at, cl.updated_by,
		cl.tentative_send_date, cl.extra_data, cl.follow_up_call_date, cl.remarks,
		l.name, l.email, l.mobile, l.contact_person`

func scanCampaignLead(rows *sql.Rows) (model.CampaignLead, error) {
	var (
		cl                                  model.CampaignLead
		updatedBy, remarks                  sql.NullString
		email, mobile, contactPerson        sql.NullString
		tentativeSendDate, followUpCallDate sql.NullTime
	)
	err := rows.Scan(
		&cl.CampaignID, &cl.LeadID, &cl.Status, &cl.CreatedAt, &cl.UpdatedAt, &updatedBy,
		&tentativeSendDate, &cl.ExtraData, &followUpCallDate, &remarks,
		&cl.Name, &email, &mobile, &contactPerson,
	)
	if err != nil {
		return cl, err
	}
	cl.UpdatedBy, cl.Remarks = updatedBy.String, remarks.String
	cl.Email, cl.Mobile, cl.ContactPerson = email.String, mobile.String, contactPerson.String
	if tentativeSendDate.Valid {
		t := tentativeSendDate.Time
		cl.TentativeSendDate = &t
	}
	if followUpCallDate.Valid {
		t := followUpCallDate.Time
		cl.FollowUpCallDate = &t
	}
	return cl, nil
}

// statusFilter builds the "AND cl.status IN (...)" clause. An empty set
// matches every status.
func statusFilter(statuses []model.AssignmentStatus) (string, []any, error) {
	if len(statuses) == 0 {
		return "", nil, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		if !s.IsValid() {
			return "", nil, fmt.Errorf("%w: %q", appErrors.ErrInvalidStatus, s)
		}
		args[i] = s
	}
	return ` AND cl.status IN (` + placeholders(len(statuses)) + `)`, args, nil
}

// ListByStatus returns a page of a campaign's assignments joined with lead
// contact data, most recently updated first. Rows with equal updated_at keep
// their planned order.
func (r *AssignmentRepository) ListByStatus(ctx context.Context, campaignID int, statuses []model.AssignmentStatus, limit, offset int) ([]model.CampaignLead, error) {
	clause, statusArgs, err := statusFilter(statuses)
	if err != nil {
		return nil, err
	}

	query := r.Dialect.Rebind(`SELECT ` + campaignLeadColumns + `
		FROM campaign_leads cl
		JOIN leads l ON l.id = cl.lead_id
		WHERE cl.campaign_id = ?` + clause + `
		ORDER BY cl.updated_at DESC, cl.tentative_send_date ASC, cl.lead_id ASC
		LIMIT ? OFFSET ?`)

	args := append([]any{campaignID}, statusArgs...)
	args = append(args, limit, offset)
	return r.queryCampaignLeads(ctx, query, args...)
}

func (r *AssignmentRepository) CountByStatus(ctx context.Context, campaignID int, statuses []model.AssignmentStatus) (int, error) {
	clause, statusArgs, err := statusFilter(statuses)
	if err != nil {
		return 0, err
	}
	query := r.Dialect.Rebind(`SELECT COUNT(*) FROM campaign_leads cl
		JOIN leads l ON l.id = cl.lead_id
		WHERE cl.campaign_id = ?` + clause)

	var total int
	err = r.DB.QueryRowContext(ctx, query, append([]any{campaignID}, statusArgs...)...).Scan(&total)
	return total, err
}

// MarkOutcome records the dispatch result for one READY assignment. It
// reports false when no READY row matched, so an assignment is never
// recorded twice.
func (r *AssignmentRepository) MarkOutcome(ctx context.Context, campaignID, leadID int, status model.AssignmentStatus, extra model.ExtraData, updatedBy string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: outcome must be SENT or FAILED, got %q", appErrors.ErrInvalidStatus, status)
	}
	query := r.Dialect.Rebind(`UPDATE campaign_leads
		SET status = ?, extra_data = ?, updated_at = ?, updated_by = ?
		WHERE campaign_id = ? AND lead_id = ? AND status = ?`)
	res, err := r.DB.ExecContext(ctx, query, status, extra, r.now(), updatedBy, campaignID, leadID, model.AssignmentReady)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountSentBetween counts SENT assignments across all campaigns with
// updated_at in [from, to).
func (r *AssignmentRepository) CountSentBetween(ctx context.Context, from, to time.Time) (int, error) {
	query := r.Dialect.Rebind(`SELECT COUNT(*) FROM campaign_leads
		WHERE status = ? AND updated_at >= ? AND updated_at < ?`)
	var total int
	err := r.DB.QueryRowContext(ctx, query, model.AssignmentSent, from.UTC(), to.UTC()).Scan(&total)
	return total, err
}

func (r *AssignmentRepository) StatsByStatus(ctx context.Context, campaignID int) (map[model.AssignmentStatus]int, error) {
	query := r.Dialect.Rebind(`SELECT status, COUNT(*) FROM campaign_leads WHERE campaign_id = ? GROUP BY status`)
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[model.AssignmentStatus]int{
		model.AssignmentReady:  0,
		model.AssignmentSent:   0,
		model.AssignmentFailed: 0,
	}
	for rows.Next() {
		var status model.AssignmentStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// ListForExport returns every dispatched (non-READY) assignment of a
// campaign, newest first.
func (r *AssignmentRepository) ListForExport(ctx context.Context, campaignID int) ([]model.CampaignLead, error) {
	query := r.Dialect.Rebind(`SELECT ` + campaignLeadColumns + `
		FROM campaign_leads cl
		JOIN leads l ON l.id = cl.lead_id
		WHERE cl.campaign_id = ? AND cl.status <> ?
		ORDER BY cl.updated_at DESC, cl.lead_id ASC`)
	return r.queryCampaignLeads(ctx, query, campaignID, model.AssignmentReady)
}

// UpdateFollowUp stores an operator's follow-up call date and remarks.
// updated_at is left alone: it tracks status transitions and feeds the
// daily quota.
func (r *AssignmentRepository) UpdateFollowUp(ctx context.Context, campaignID, leadID int, followUp *time.Time, remarks, updatedBy string) error {
	var followUpArg any
	if followUp != nil {
		followUpArg = followUp.UTC()
	}
	query := r.Dialect.Rebind(`UPDATE campaign_leads
		SET follow_up_call_date = ?, remarks = ?, updated_by = ?
		WHERE campaign_id = ? AND lead_id = ?`)
	res, err := r.DB.ExecContext(ctx, query, followUpArg, remarks, updatedBy, campaignID, leadID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.NewLeadNotFound(campaignID, leadID)
	}
	return nil
}

func (r *AssignmentRepository) queryCampaignLeads(ctx context.Context, query string, args ...any) ([]model.CampaignLead, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leads := []model.CampaignLead{}
	for rows.Next() {
		cl, err := scanCampaignLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, cl)
	}
	return leads, rows.Err()
}

var _ AssignmentRepositoryInterface = (*AssignmentRepository)(nil)
