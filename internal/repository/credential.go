package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/psicoagenda/wa-gateway/internal/model"
)

type CredentialRepository interface {
	Find(ctx context.Context, sessionID, artifactName string) (*model.CredentialArtifact, error)
	Upsert(ctx context.Context, sessionID, artifactName string, payload []byte, updatedAt time.Time) error
	Delete(ctx context.Context, sessionID, artifactName string) error
	DeleteAll(ctx context.Context, sessionID string) (int64, error)
	List(ctx context.Context, sessionID string) ([]model.ArtifactInfo, error)
}

type credentialRepo struct {
	db *sqlx.DB
}

func NewCredentialRepository(db *sqlx.DB) CredentialRepository {
	return &credentialRepo{db: db}
}

func (r *credentialRepo) Find(ctx context.Context, sessionID, artifactName string) (*model.CredentialArtifact, error) {
	var artifact model.CredentialArtifact
	err := r.db.GetContext(ctx, &artifact, r.db.Rebind(`
		SELECT session_id, artifact_name, payload, updated_at
		FROM session_credentials
		WHERE session_id = ? AND artifact_name = ?
	`), sessionID, artifactName)
	return HandleNotFound(&artifact, err)
}

func (r *credentialRepo) Upsert(ctx context.Context, sessionID, artifactName string, payload []byte, updatedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO session_credentials (session_id, artifact_name, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, artifact_name) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`), sessionID, artifactName, payload, updatedAt.UTC())
	return err
}

func (r *credentialRepo) Delete(ctx context.Context, sessionID, artifactName string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM session_credentials WHERE session_id = ? AND artifact_name = ?
	`), sessionID, artifactName)
	return err
}

func (r *credentialRepo) DeleteAll(ctx context.Context, sessionID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM session_credentials WHERE session_id = ?
	`), sessionID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *credentialRepo) List(ctx context.Context, sessionID string) ([]model.ArtifactInfo, error) {
	var infos []model.ArtifactInfo
	err := r.db.SelectContext(ctx, &infos, r.db.Rebind(`
		SELECT artifact_name, updated_at
		FROM session_credentials
		WHERE session_id = ?
		ORDER BY artifact_name ASC
	`), sessionID)
	return infos, err
}
