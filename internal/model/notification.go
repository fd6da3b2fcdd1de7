package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Metadata is a JSON object column. It scans from both TEXT and JSONB.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported scan type %T", src)
	}
	out := Metadata{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
	}
	*m = out
	return nil
}

// PhoneNumber returns the backing phone number stored in metadata, if any.
func (m Metadata) PhoneNumber() string {
	if v, ok := m["phoneNumber"].(string); ok {
		return v
	}
	return ""
}

type Notification struct {
	ID                string             `db:"id" json:"id"`
	RecipientAddress  string             `db:"recipient_address" json:"recipientAddress"`
	Message           string             `db:"message" json:"message"`
	Status            NotificationStatus `db:"status" json:"status"`
	ScheduledFor      time.Time          `db:"scheduled_for" json:"scheduledFor"`
	SentAt            *time.Time         `db:"sent_at" json:"sentAt,omitempty"`
	DeliveryMethod    DeliveryMethod     `db:"delivery_method" json:"deliveryMethod"`
	Metadata          Metadata           `db:"metadata" json:"metadata"`
	ErrorMessage      *string            `db:"error_message" json:"errorMessage,omitempty"`
	ClaimToken        *string            `db:"claim_token" json:"-"`
	ClaimedAt         *time.Time         `db:"claimed_at" json:"claimedAt,omitempty"`
	Attempts          int                `db:"attempts" json:"attempts"`
	ProviderMessageID *string            `db:"provider_message_id" json:"providerMessageId,omitempty"`
	CreatedAt         time.Time          `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time          `db:"updated_at" json:"updatedAt"`
}

type CreateNotificationParams struct {
	ID               string
	RecipientAddress string
	Message          string
	ScheduledFor     time.Time
	DeliveryMethod   DeliveryMethod
	Metadata         Metadata
	CreatedAt        time.Time
}

// NotificationStats counts notifications per status.
type NotificationStats struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}
