package whatsapp

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// NewContainer opens the whatsmeow device store on the application database
// and brings its schema up to date. driver is the database/sql driver name.
func NewContainer(ctx context.Context, db *sql.DB, driver string, logger zerolog.Logger) (*sqlstore.Container, error) {
	container := sqlstore.NewWithDB(db, driver, waLog.Zerolog(logger.With().Str("module", "whatsmeow-store").Logger()))
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("failed to upgrade whatsmeow schema: %w", err)
	}
	return container, nil
}
