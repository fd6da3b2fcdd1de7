package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/psicoagenda/wa-gateway/internal/errors"
	"github.com/psicoagenda/wa-gateway/internal/model"
	"github.com/psicoagenda/wa-gateway/internal/repository"
	"github.com/psicoagenda/wa-gateway/internal/session"
	"github.com/psicoagenda/wa-gateway/internal/util"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	reasonMissingRecipient    = "missing recipient address"
	reasonDispatchInterrupted = "dispatch interrupted"
)

// Deliverer sends a rendered body to a normalized address.
type Deliverer interface {
	Deliver(ctx context.Context, address, body string) (session.Receipt, error)
}

type ScheduleParams struct {
	PhoneNumber  string
	Template     string
	TemplateName string
	Variables    map[string]any
	Delay        time.Duration
	ScheduledFor *time.Time
	Metadata     model.Metadata
}

type SweepResult struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

type SchedulerService struct {
	repo       repository.NotificationRepository
	deliverer  Deliverer
	normalizer RecipientNormalizer
	catalog    *TemplateCatalog
	batchSize  int
	itemDelay  time.Duration
	now        func() time.Time
}

func NewSchedulerService(
	repo repository.NotificationRepository,
	deliverer Deliverer,
	normalizer RecipientNormalizer,
	catalog *TemplateCatalog,
	batchSize int,
	itemDelay time.Duration,
) *SchedulerService {
	return &SchedulerService{
		repo:       repo,
		deliverer:  deliverer,
		normalizer: normalizer,
		catalog:    catalog,
		batchSize:  batchSize,
		itemDelay:  itemDelay,
		now:        time.Now,
	}
}

// ScheduleReminder renders the body and stores a pending notification due
// at ScheduledFor, or now+Delay when ScheduledFor is unset.
func (s *SchedulerService) ScheduleReminder(ctx context.Context, params ScheduleParams) (*model.Notification, error) {
	if strings.TrimSpace(params.PhoneNumber) == "" {
		return nil, apperrors.MissingRequired("phoneNumber")
	}
	address, err := s.normalizer.Normalize(params.PhoneNumber)
	if err != nil {
		return nil, err
	}

	body, err := s.resolveTemplate(params)
	if err != nil {
		return nil, err
	}
	message := Render(body, params.Variables)
	if strings.TrimSpace(message) == "" {
		return nil, apperrors.MissingRequired("template")
	}

	if params.Delay < 0 {
		return nil, apperrors.InvalidInput("delay", "must not be negative")
	}
	now := s.now()
	scheduledFor := now.Add(params.Delay)
	if params.ScheduledFor != nil {
		scheduledFor = *params.ScheduledFor
	}

	metadata := model.Metadata{}
	for k, v := range params.Metadata {
		metadata[k] = v
	}
	if metadata.PhoneNumber() == "" {
		metadata["phoneNumber"] = params.PhoneNumber
	}
	if params.TemplateName != "" {
		metadata["templateName"] = params.TemplateName
	}

	n, err := s.repo.Create(ctx, model.CreateNotificationParams{
		ID:               uuid.NewString(),
		RecipientAddress: address,
		Message:          message,
		ScheduledFor:     scheduledFor,
		DeliveryMethod:   model.DeliveryMethodWhatsApp,
		Metadata:         metadata,
		CreatedAt:        now,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("notificationId", n.ID).
		Str("recipient", util.MaskPhone(address)).
		Time("scheduledFor", n.ScheduledFor).
		Msg("reminder scheduled")

	return n, nil
}

func (s *SchedulerService) resolveTemplate(params ScheduleParams) (string, error) {
	if params.Template != "" {
		return params.Template, nil
	}
	if params.TemplateName == "" {
		return "", apperrors.MissingRequired("template")
	}
	if s.catalog == nil {
		return "", apperrors.NotFound("template " + params.TemplateName)
	}
	t, ok := s.catalog.Lookup(params.TemplateName)
	if !ok {
		return "", apperrors.NotFound("template " + params.TemplateName)
	}
	return t.Body, nil
}

// SweepDue dispatches up to one batch of due notifications. Each record is
// claimed atomically first, so concurrent sweeps never send a record twice.
func (s *SchedulerService) SweepDue(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	due, err := s.repo.FindDue(ctx, s.now(), s.batchSize)
	if err != nil {
		return res, apperrors.Database(err)
	}

	for i := range due {
		if i > 0 && s.itemDelay > 0 {
			select {
			case <-ctx.Done():
				res.Skipped += len(due) - i
				log.Warn().Int("skipped", len(due)-i).Msg("sweep interrupted")
				return res, ctx.Err()
			case <-time.After(s.itemDelay):
			}
		}
		s.dispatch(ctx, &due[i], &res)
	}

	if len(due) > 0 {
		log.Info().
			Int("claimed", res.Claimed).
			Int("sent", res.Sent).
			Int("failed", res.Failed).
			Int("skipped", res.Skipped).
			Msg("notification sweep finished")
	}
	return res, nil
}

func (s *SchedulerService) dispatch(ctx context.Context, n *model.Notification, res *SweepResult) {
	token := uuid.NewString()
	claimed, err := s.repo.Claim(ctx, n.ID, token, s.now())
	if err != nil {
		log.Error().Err(err).Str("notificationId", n.ID).Msg("failed to claim notification")
		res.Skipped++
		return
	}
	if !claimed {
		res.Skipped++
		return
	}
	res.Claimed++

	address := s.recipientOf(n)
	if address == "" {
		s.fail(ctx, n.ID, token, reasonMissingRecipient)
		res.Failed++
		return
	}

	receipt, err := s.deliverer.Deliver(ctx, address, n.Message)
	if err != nil {
		log.Warn().
			Err(err).
			Str("notificationId", n.ID).
			Str("code", string(apperrors.GetCode(err))).
			Msg("scheduled notification failed")
		s.fail(ctx, n.ID, token, errorMessage(err))
		res.Failed++
		return
	}

	ok, err := s.repo.MarkSent(ctx, n.ID, token, receipt.ID, s.now())
	if err != nil || !ok {
		log.Error().
			Err(err).
			Str("notificationId", n.ID).
			Str("messageId", receipt.ID).
			Bool("reconcile", true).
			Msg("notification delivered but not marked sent")
	}
	res.Sent++
}

func (s *SchedulerService) recipientOf(n *model.Notification) string {
	if n.RecipientAddress != "" {
		return n.RecipientAddress
	}
	phone := n.Metadata.PhoneNumber()
	if phone == "" {
		return ""
	}
	address, err := s.normalizer.Normalize(phone)
	if err != nil {
		return ""
	}
	return address
}

func (s *SchedulerService) fail(ctx context.Context, id, token, reason string) {
	ok, err := s.repo.MarkFailed(ctx, id, token, reason, s.now())
	if err != nil || !ok {
		log.Error().Err(err).Str("notificationId", id).Msg("failed to mark notification failed")
	}
}

// Retry moves a failed notification back to pending.
func (s *SchedulerService) Retry(ctx context.Context, id string) (*model.Notification, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Status != model.NotificationStatusFailed {
		return nil, apperrors.InvalidState("only failed notifications can be retried").
			WithDetails(map[string]any{"status": n.Status})
	}

	ok, err := s.repo.ResetFailed(ctx, id, s.now())
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if !ok {
		return nil, apperrors.InvalidState("notification changed concurrently")
	}

	log.Info().Str("notificationId", id).Msg("notification queued for retry")
	return s.Get(ctx, id)
}

func (s *SchedulerService) Get(ctx context.Context, id string) (*model.Notification, error) {
	if !util.IsValidUUID(id) {
		return nil, apperrors.NotFound("notification")
	}
	n, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if n == nil {
		return nil, apperrors.NotFound("notification")
	}
	return n, nil
}

func (s *SchedulerService) List(ctx context.Context, status model.NotificationStatus, limit, offset int) ([]model.Notification, error) {
	if status != "" && !status.Valid() {
		return nil, apperrors.InvalidInput("status", "must be pending, sent or failed")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	items, err := s.repo.List(ctx, status, limit, offset)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return items, nil
}

func (s *SchedulerService) Stats(ctx context.Context) (model.NotificationStats, error) {
	stats, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return stats, apperrors.Database(err)
	}
	return stats, nil
}

// Due lists what the next sweep would pick up, without claiming anything.
func (s *SchedulerService) Due(ctx context.Context) ([]model.Notification, error) {
	items, err := s.repo.FindDue(ctx, s.now(), s.batchSize)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return items, nil
}

// FailStaleClaims fails notifications whose dispatch started before
// now-timeout and never finished. They are not re-sent automatically.
func (s *SchedulerService) FailStaleClaims(ctx context.Context, timeout time.Duration) (int64, error) {
	now := s.now()
	n, err := s.repo.FailStaleClaims(ctx, now.Add(-timeout), reasonDispatchInterrupted, now)
	if err != nil {
		return 0, apperrors.Database(err)
	}
	if n > 0 {
		log.Warn().Int64("count", n).Msg("stale notification claims marked failed")
	}
	return n, nil
}
