package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/psicoagenda/wa-gateway/internal/errors"
	"github.com/psicoagenda/wa-gateway/internal/model"
	"github.com/psicoagenda/wa-gateway/internal/repository"
	"github.com/psicoagenda/wa-gateway/internal/util"
)

// Every stored row starts with one format byte so sealed and plain payloads
// never depend on the payload content.
const (
	formatPlain  byte = 0x00
	formatSealed byte = 0x01
)

// CredentialStore persists session credential artifacts addressed by
// (session id, artifact name). Payloads round-trip byte for byte.
type CredentialStore struct {
	repo   repository.CredentialRepository
	cipher *util.Cipher
	now    func() time.Time
}

// NewCredentialStore builds the store. A nil cipher stores payloads as-is.
func NewCredentialStore(repo repository.CredentialRepository, cipher *util.Cipher) *CredentialStore {
	return &CredentialStore{
		repo:   repo,
		cipher: cipher,
		now:    time.Now,
	}
}

// Read returns found=false for an artifact that was never written.
func (s *CredentialStore) Read(ctx context.Context, sessionID, artifact string) ([]byte, bool, error) {
	row, err := s.repo.Find(ctx, sessionID, artifact)
	if err != nil {
		return nil, false, apperrors.Store(fmt.Errorf("read %s/%s: %w", sessionID, artifact, err))
	}
	if row == nil {
		return nil, false, nil
	}

	payload, err := s.open(row.Payload)
	if err != nil {
		return nil, false, apperrors.Store(fmt.Errorf("open %s/%s: %w", sessionID, artifact, err))
	}
	return payload, true, nil
}

func (s *CredentialStore) Write(ctx context.Context, sessionID, artifact string, payload []byte) error {
	stored, err := s.seal(payload)
	if err != nil {
		return apperrors.Store(fmt.Errorf("seal %s/%s: %w", sessionID, artifact, err))
	}
	if err := s.repo.Upsert(ctx, sessionID, artifact, stored, s.now()); err != nil {
		return apperrors.Store(fmt.Errorf("write %s/%s: %w", sessionID, artifact, err))
	}
	return nil
}

// Remove is idempotent.
func (s *CredentialStore) Remove(ctx context.Context, sessionID, artifact string) error {
	if err := s.repo.Delete(ctx, sessionID, artifact); err != nil {
		return apperrors.Store(fmt.Errorf("remove %s/%s: %w", sessionID, artifact, err))
	}
	return nil
}

func (s *CredentialStore) ClearAll(ctx context.Context, sessionID string) (int64, error) {
	removed, err := s.repo.DeleteAll(ctx, sessionID)
	if err != nil {
		return 0, apperrors.Store(fmt.Errorf("clear %s: %w", sessionID, err))
	}
	log.Debug().Str("sessionId", sessionID).Int64("removed", removed).Msg("credential artifacts cleared")
	return removed, nil
}

func (s *CredentialStore) List(ctx context.Context, sessionID string) ([]model.ArtifactInfo, error) {
	infos, err := s.repo.List(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Store(fmt.Errorf("list %s: %w", sessionID, err))
	}
	return infos, nil
}

func (s *CredentialStore) seal(payload []byte) ([]byte, error) {
	if s.cipher == nil {
		stored := make([]byte, 0, len(payload)+1)
		stored = append(stored, formatPlain)
		return append(stored, payload...), nil
	}
	enc, err := s.cipher.Seal(payload)
	if err != nil {
		return nil, err
	}
	return append([]byte{formatSealed}, enc...), nil
}

// open accepts plain rows regardless of the configured key.
func (s *CredentialStore) open(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("missing format header")
	}
	switch stored[0] {
	case formatPlain:
		return append([]byte{}, stored[1:]...), nil
	case formatSealed:
		if s.cipher == nil {
			return nil, fmt.Errorf("payload is encrypted but no key is configured")
		}
		return s.cipher.Open(string(stored[1:]))
	default:
		return nil, fmt.Errorf("unknown format header 0x%02x", stored[0])
	}
}
