package model

type NotificationStatus string

const (
	NotificationStatusPending NotificationStatus = "pending"
	NotificationStatusSent    NotificationStatus = "sent"
	NotificationStatusFailed  NotificationStatus = "failed"
)

func (s NotificationStatus) Valid() bool {
	switch s {
	case NotificationStatusPending, NotificationStatusSent, NotificationStatusFailed:
		return true
	}
	return false
}

type DeliveryMethod string

const DeliveryMethodWhatsApp DeliveryMethod = "whatsapp"

// Credential artifact names written by the session manager.
const (
	ArtifactCreds  = "creds"
	ArtifactDevice = "device"
)
