package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/psicoagenda/wa-gateway/internal/database"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "repo.db")
	db, err := database.Connect(database.DriverSQLite, "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(context.Background(), db.DB))
	return db
}
