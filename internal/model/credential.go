package model

import "time"

// CredentialArtifact is one named unit of session credential material.
type CredentialArtifact struct {
	SessionID    string    `db:"session_id" json:"sessionId"`
	ArtifactName string    `db:"artifact_name" json:"artifactName"`
	Payload      []byte    `db:"payload" json:"-"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// ArtifactInfo is the payload-free projection used by health reporting.
type ArtifactInfo struct {
	ArtifactName string    `db:"artifact_name" json:"artifactName"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// DeviceCredentials is the "creds" artifact: the linked device identity.
type DeviceCredentials struct {
	JID            string    `json:"jid"`
	LID            string    `json:"lid,omitempty"`
	RegistrationID uint32    `json:"registrationId"`
	Platform       string    `json:"platform,omitempty"`
	PushName       string    `json:"pushName,omitempty"`
	BusinessName   string    `json:"businessName,omitempty"`
	IdentityKey    []byte    `json:"identityKey,omitempty"`
	SignedPreKeyID uint32    `json:"signedPreKeyId,omitempty"`
	PairedAt       time.Time `json:"pairedAt"`
}

// DeviceInfo is the "device" artifact: connect bookkeeping.
type DeviceInfo struct {
	LastConnectedAt time.Time `json:"lastConnectedAt"`
	ConnectCount    int       `json:"connectCount"`
}
