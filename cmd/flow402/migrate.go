package main

import (
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/flow402/gateway/internal/config"
	"github.com/flow402/gateway/internal/idempotency"
	"github.com/flow402/gateway/internal/ledger"
	"github.com/flow402/gateway/internal/tenant"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		return err
	}

	return db.AutoMigrate(
		&tenant.Record{},
		&ledger.VendorUser{},
		&ledger.Balance{},
		&ledger.JournalEntry{},
		&idempotency.Record{},
	)
}
