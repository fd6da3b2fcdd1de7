package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/psicoagenda/wa-gateway/internal/model"
)

// NotificationRepository persists notification records. Every state change
// is a conditional update; the boolean results report whether this caller
// won the transition.
type NotificationRepository interface {
	Create(ctx context.Context, params model.CreateNotificationParams) (*model.Notification, error)
	FindByID(ctx context.Context, id string) (*model.Notification, error)
	List(ctx context.Context, status model.NotificationStatus, limit, offset int) ([]model.Notification, error)
	FindDue(ctx context.Context, now time.Time, limit int) ([]model.Notification, error)
	Claim(ctx context.Context, id, token string, now time.Time) (bool, error)
	MarkSent(ctx context.Context, id, token, providerMessageID string, sentAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id, token, reason string, now time.Time) (bool, error)
	ResetFailed(ctx context.Context, id string, now time.Time) (bool, error)
	FailStaleClaims(ctx context.Context, claimedBefore time.Time, reason string, now time.Time) (int64, error)
	CountByStatus(ctx context.Context) (model.NotificationStats, error)
}

type notificationRepo struct {
	db *sqlx.DB
}

func NewNotificationRepository(db *sqlx.DB) NotificationRepository {
	return &notificationRepo{db: db}
}

func (r *notificationRepo) Create(ctx context.Context, params model.CreateNotificationParams) (*model.Notification, error) {
	createdAt := params.CreatedAt.UTC()
	method := params.DeliveryMethod
	if method == "" {
		method = model.DeliveryMethodWhatsApp
	}
	metadata := params.Metadata
	if metadata == nil {
		metadata = model.Metadata{}
	}

	n := &model.Notification{
		ID:               params.ID,
		RecipientAddress: params.RecipientAddress,
		Message:          params.Message,
		Status:           model.NotificationStatusPending,
		ScheduledFor:     params.ScheduledFor.UTC(),
		DeliveryMethod:   method,
		Metadata:         metadata,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO notifications
			(id, recipient_address, message, status, scheduled_for,
			 delivery_method, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), n.ID, n.RecipientAddress, n.Message, n.Status, n.ScheduledFor,
		n.DeliveryMethod, n.Metadata, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (r *notificationRepo) FindByID(ctx context.Context, id string) (*model.Notification, error) {
	var n model.Notification
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`SELECT * FROM notifications WHERE id = ?`), id)
	return HandleNotFound(&n, err)
}

// List returns notifications newest first. An empty status lists all.
func (r *notificationRepo) List(ctx context.Context, status model.NotificationStatus, limit, offset int) ([]model.Notification, error) {
	var items []model.Notification
	if status == "" {
		err := r.db.SelectContext(ctx, &items, r.db.Rebind(`
			SELECT * FROM notifications
			ORDER BY created_at DESC
			LIMIT ? OFFSET ?
		`), limit, offset)
		return items, err
	}

	err := r.db.SelectContext(ctx, &items, r.db.Rebind(`
		SELECT * FROM notifications
		WHERE status = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`), status, limit, offset)
	return items, err
}

func (r *notificationRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]model.Notification, error) {
	var items []model.Notification
	err := r.db.SelectContext(ctx, &items, r.db.Rebind(`
		SELECT * FROM notifications
		WHERE status = 'pending' AND claim_token IS NULL AND scheduled_for <= ?
		ORDER BY scheduled_for ASC
		LIMIT ?
	`), now.UTC(), limit)
	return items, err
}

func (r *notificationRepo) Claim(ctx context.Context, id, token string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE notifications SET
			claim_token = ?,
			claimed_at = ?,
			attempts = attempts + 1,
			updated_at = ?
		WHERE id = ? AND status = 'pending' AND claim_token IS NULL
	`), token, now.UTC(), now.UTC(), id)
	return singleRow(result, err)
}

func (r *notificationRepo) MarkSent(ctx context.Context, id, token, providerMessageID string, sentAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE notifications SET
			status = 'sent',
			sent_at = ?,
			provider_message_id = ?,
			error_message = NULL,
			claim_token = NULL,
			claimed_at = NULL,
			updated_at = ?
		WHERE id = ? AND status = 'pending' AND claim_token = ?
	`), sentAt.UTC(), providerMessageID, sentAt.UTC(), id, token)
	return singleRow(result, err)
}

func (r *notificationRepo) MarkFailed(ctx context.Context, id, token, reason string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE notifications SET
			status = 'failed',
			error_message = ?,
			claim_token = NULL,
			claimed_at = NULL,
			updated_at = ?
		WHERE id = ? AND status = 'pending' AND claim_token = ?
	`), reason, now.UTC(), id, token)
	return singleRow(result, err)
}

func (r *notificationRepo) ResetFailed(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE notifications SET
			status = 'pending',
			sent_at = NULL,
			error_message = NULL,
			claim_token = NULL,
			claimed_at = NULL,
			updated_at = ?
		WHERE id = ? AND status = 'failed'
	`), now.UTC(), id)
	return singleRow(result, err)
}

func (r *notificationRepo) FailStaleClaims(ctx context.Context, claimedBefore time.Time, reason string, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE notifications SET
			status = 'failed',
			error_message = ?,
			claim_token = NULL,
			claimed_at = NULL,
			updated_at = ?
		WHERE status = 'pending' AND claim_token IS NOT NULL AND claimed_at < ?
	`), reason, now.UTC(), claimedBefore.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *notificationRepo) CountByStatus(ctx context.Context) (model.NotificationStats, error) {
	var rows []struct {
		Status model.NotificationStatus `db:"status"`
		Count  int                      `db:"count"`
	}
	var stats model.NotificationStats
	err := r.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS count FROM notifications GROUP BY status
	`)
	if err != nil {
		return stats, err
	}

	for _, row := range rows {
		switch row.Status {
		case model.NotificationStatusPending:
			stats.Pending = row.Count
		case model.NotificationStatusSent:
			stats.Sent = row.Count
		case model.NotificationStatusFailed:
			stats.Failed = row.Count
		}
	}
	return stats, nil
}
