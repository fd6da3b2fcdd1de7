package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/psicoagenda/wa-gateway/internal/config"
	apperrors "github.com/psicoagenda/wa-gateway/internal/errors"
	"github.com/psicoagenda/wa-gateway/internal/repository"
	"github.com/psicoagenda/wa-gateway/internal/session"
	"github.com/psicoagenda/wa-gateway/internal/util"
)

// Session is the part of the session manager the delivery path depends on.
type Session interface {
	Snapshot() session.State
	Send(ctx context.Context, address, body string) (session.Receipt, error)
	CheckNumbers(ctx context.Context, phones []string) ([]session.NumberStatus, error)
}

type SendResult struct {
	MessageID string    `json:"messageId"`
	Recipient string    `json:"recipient"`
	Timestamp time.Time `json:"timestamp"`
}

type BulkItem struct {
	PhoneNumber    string `json:"phoneNumber"`
	Message        string `json:"message"`
	NotificationID string `json:"notificationId,omitempty"`
}

type BulkResult struct {
	PhoneNumber string              `json:"phoneNumber"`
	Success     bool                `json:"success"`
	MessageID   string              `json:"messageId,omitempty"`
	Recipient   string              `json:"recipient,omitempty"`
	Error       string              `json:"error,omitempty"`
	Code        apperrors.ErrorCode `json:"code,omitempty"`
}

type CheckResult struct {
	Exists           bool   `json:"exists"`
	CanonicalAddress string `json:"canonicalAddress"`
}

type Status struct {
	Connected         bool          `json:"connected"`
	Phase             session.Phase `json:"phase"`
	PhoneNumber       string        `json:"phoneNumber,omitempty"`
	PairingCode       string        `json:"pairingCode,omitempty"`
	ReconnectAttempts int           `json:"reconnectAttempts"`
	Exhausted         bool          `json:"exhausted"`
	LastError         string        `json:"lastError,omitempty"`
	Timestamp         time.Time     `json:"timestamp"`
}

// DeliveryService sends messages over the connected session.
type DeliveryService struct {
	session       Session
	notifications repository.NotificationRepository
	normalizer    RecipientNormalizer
	limiter       SendLimiter
	bulkDelay     time.Duration
	now           func() time.Time
}

func NewDeliveryService(
	sess Session,
	notifications repository.NotificationRepository,
	normalizer RecipientNormalizer,
	limiter SendLimiter,
	bulkDelay time.Duration,
) *DeliveryService {
	return &DeliveryService{
		session:       sess,
		notifications: notifications,
		normalizer:    normalizer,
		limiter:       limiter,
		bulkDelay:     bulkDelay,
		now:           time.Now,
	}
}

func (s *DeliveryService) Status() Status {
	st := s.session.Snapshot()
	return Status{
		Connected:         st.Connected(),
		Phase:             st.Phase,
		PhoneNumber:       st.ConnectedIdentity,
		PairingCode:       st.PairingCode,
		ReconnectAttempts: st.ReconnectAttempts,
		Exhausted:         st.Exhausted,
		LastError:         st.LastError,
		Timestamp:         s.now().UTC(),
	}
}

// Deliver sends body to an already normalized address.
func (s *DeliveryService) Deliver(ctx context.Context, address, body string) (session.Receipt, error) {
	if s.limiter != nil {
		if allowed, resetAt := s.limiter.Allow(ctx, address); !allowed {
			return session.Receipt{}, apperrors.RateLimitExceeded().WithDetails(map[string]any{
				"recipient": address,
				"resetAt":   resetAt.UTC(),
			})
		}
	}
	return s.session.Send(ctx, address, body)
}

// SendOne normalizes phone and sends body. When notificationID names a
// pending notification, the outcome is recorded on it.
func (s *DeliveryService) SendOne(ctx context.Context, phone, body, notificationID string) (*SendResult, error) {
	if strings.TrimSpace(body) == "" {
		return nil, apperrors.MissingRequired("message")
	}
	if notificationID != "" && !util.IsValidUUID(notificationID) {
		return nil, apperrors.InvalidInput("notificationId", "must be a UUID")
	}
	address, err := s.normalizer.Normalize(phone)
	if err != nil {
		return nil, err
	}

	token := s.claim(ctx, notificationID)

	receipt, err := s.Deliver(ctx, address, body)
	if err != nil {
		if token != "" {
			s.recordFailure(ctx, notificationID, token, err)
		}
		log.Warn().
			Err(err).
			Str("recipient", util.MaskPhone(address)).
			Str("notificationId", notificationID).
			Msg("message send failed")
		return nil, err
	}

	if token != "" {
		s.recordSent(ctx, notificationID, token, receipt)
	}

	log.Info().
		Str("messageId", receipt.ID).
		Str("recipient", util.MaskPhone(address)).
		Str("notificationId", notificationID).
		Msg("message sent")

	return &SendResult{
		MessageID: receipt.ID,
		Recipient: address,
		Timestamp: receipt.Timestamp.UTC(),
	}, nil
}

// SendBulk sends each item independently, waiting bulkDelay between sends.
// Per-item failures are reported in the results and never stop the batch.
func (s *DeliveryService) SendBulk(ctx context.Context, items []BulkItem) ([]BulkResult, error) {
	if len(items) == 0 {
		return nil, apperrors.MissingRequired("messages")
	}
	if len(items) > config.MaxBulkMessages {
		return nil, apperrors.InvalidInput("messages", fmt.Sprintf("at most %d per request", config.MaxBulkMessages))
	}
	if !s.session.Snapshot().Connected() {
		return nil, apperrors.NotConnected()
	}

	results := make([]BulkResult, 0, len(items))
	for i, item := range items {
		if i > 0 && s.bulkDelay > 0 {
			select {
			case <-ctx.Done():
				for _, rest := range items[i:] {
					results = append(results, BulkResult{
						PhoneNumber: rest.PhoneNumber,
						Error:       "request cancelled before send",
						Code:        apperrors.ErrCodeInternal,
					})
				}
				return results, nil
			case <-time.After(s.bulkDelay):
			}
		}

		res := BulkResult{PhoneNumber: item.PhoneNumber}
		sent, err := s.SendOne(ctx, item.PhoneNumber, item.Message, item.NotificationID)
		if err != nil {
			res.Error = errorMessage(err)
			res.Code = apperrors.GetCode(err)
		} else {
			res.Success = true
			res.MessageID = sent.MessageID
			res.Recipient = sent.Recipient
		}
		results = append(results, res)
	}

	log.Info().Int("total", len(items)).Int("sent", countSuccess(results)).Msg("bulk send finished")
	return results, nil
}

// CheckNumber reports whether phone is registered on WhatsApp.
func (s *DeliveryService) CheckNumber(ctx context.Context, phone string) (*CheckResult, error) {
	digits, err := s.normalizer.Digits(phone)
	if err != nil {
		return nil, err
	}

	statuses, err := s.session.CheckNumbers(ctx, []string{"+" + digits})
	if err != nil {
		return nil, err
	}

	res := &CheckResult{CanonicalAddress: digits + AddressSuffix}
	if len(statuses) > 0 {
		res.Exists = statuses[0].Exists
		if statuses[0].Address != "" {
			res.CanonicalAddress = statuses[0].Address
		}
	}
	return res, nil
}

func (s *DeliveryService) claim(ctx context.Context, notificationID string) string {
	if notificationID == "" || s.notifications == nil {
		return ""
	}
	token := uuid.NewString()
	ok, err := s.notifications.Claim(ctx, notificationID, token, s.now())
	if err != nil {
		log.Error().Err(err).Str("notificationId", notificationID).Msg("failed to claim notification")
		return ""
	}
	if !ok {
		log.Warn().Str("notificationId", notificationID).Msg("notification not pending, sending without recording outcome")
		return ""
	}
	return token
}

func (s *DeliveryService) recordSent(ctx context.Context, id, token string, receipt session.Receipt) {
	ok, err := s.notifications.MarkSent(ctx, id, token, receipt.ID, s.now())
	if err != nil || !ok {
		log.Error().
			Err(err).
			Str("notificationId", id).
			Str("messageId", receipt.ID).
			Bool("reconcile", true).
			Msg("message sent but notification not marked sent")
	}
}

func (s *DeliveryService) recordFailure(ctx context.Context, id, token string, cause error) {
	ok, err := s.notifications.MarkFailed(ctx, id, token, errorMessage(cause), s.now())
	if err != nil || !ok {
		log.Error().Err(err).Str("notificationId", id).Msg("failed to mark notification failed")
	}
}

// errorMessage is the client-facing text of err.
func errorMessage(err error) string {
	if appErr, ok := apperrors.AsAppError(err); ok {
		if cause := appErr.Unwrap(); cause != nil {
			return fmt.Sprintf("%s: %v", appErr.Message, cause)
		}
		return appErr.Message
	}
	return err.Error()
}

func countSuccess(results []BulkResult) int {
	n := 0
	for _, r := range results {
		if r.Success {
			n++
		}
	}
	return n
}
