package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psicoagenda/wa-gateway/internal/config"
	"github.com/psicoagenda/wa-gateway/internal/database"
	"github.com/psicoagenda/wa-gateway/internal/repository"
	"github.com/psicoagenda/wa-gateway/internal/service"
	"github.com/psicoagenda/wa-gateway/internal/util"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _ := loadConfig()

		db, err := connectDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		log.Info().Str("driver", cfg.DatabaseDriver).Msg("schema up to date")
		return nil
	},
}

var dueCmd = &cobra.Command{
	Use:   "due",
	Short: "List the notifications the next sweep would pick up",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _ := loadConfig()

		db, err := connectDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		scheduler := service.NewSchedulerService(
			repository.NewNotificationRepository(db.DB), nil,
			service.NewRecipientNormalizer(cfg.CountryCode), nil,
			cfg.SweepBatchSize, 0,
		)
		due, err := scheduler.Due(cmd.Context())
		if err != nil {
			return err
		}

		type row struct {
			ID           string `yaml:"id"`
			Recipient    string `yaml:"recipient"`
			ScheduledFor string `yaml:"scheduledFor"`
			Attempts     int    `yaml:"attempts"`
		}
		rows := make([]row, 0, len(due))
		for _, n := range due {
			rows = append(rows, row{
				ID:           n.ID,
				Recipient:    util.MaskPhone(n.RecipientAddress),
				ScheduledFor: n.ScheduledFor.UTC().Format("2006-01-02T15:04:05Z"),
				Attempts:     n.Attempts,
			})
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer enc.Close()
		return enc.Encode(map[string]any{"due": rows, "count": len(rows)})
	},
}

var genTokenCmd = &cobra.Command{
	Use:   "gen-token",
	Short: "Print a random API token",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := util.GenerateToken()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

// connectDB opens the database and applies the schema.
func connectDB(cfg *config.Config) (*database.DB, error) {
	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := database.Migrate(context.Background(), db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}
