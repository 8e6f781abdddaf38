package migrations

import (
	"bytes"
	"context"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ssvlabs/keymanager/logging"
	"github.com/ssvlabs/keymanager/logging/fields"
	"github.com/ssvlabs/keymanager/storage/basedb"
)

var (
	migrationsPrefix   = []byte("migrations/")
	migrationCompleted = []byte("migrationCompleted")

	defaultMigrations = Migrations{
		migrationInitSlashingProtectionSchema,
	}
)

// Run executes the default migrations.
func Run(ctx context.Context, logger *zap.Logger, opt Options) (applied int, err error) {
	return defaultMigrations.Run(ctx, logger, opt)
}

// MigrationFunc is a function that performs a migration.
type MigrationFunc func(ctx context.Context, logger *zap.Logger, opt Options, key []byte) error

// Migration is a named MigrationFunc.
type Migration struct {
	Name string
	Run  MigrationFunc
}

// Migrations is a slice of named migrations, meant to be executed
// from first to last (order is significant).
type Migrations []Migration

// Options is the options for running migrations.
type Options struct {
	Db                    basedb.Database
	GenesisValidatorsRoot phase0.Root
}

// Run executes the migrations.
func (m Migrations) Run(ctx context.Context, logger *zap.Logger, opt Options) (applied int, err error) {
	logger = logger.Named(logging.NameMigrations)
	logger.Info("Running migrations")
	for _, migration := range m {
		// Skip the migration if it's already completed.
		obj, _, err := opt.Db.Get(migrationsPrefix, []byte(migration.Name))
		if err != nil {
			return applied, err
		}
		if bytes.Equal(obj.Value, migrationCompleted) {
			logger.Debug("migration already applied, skipping", fields.Name(migration.Name))
			continue
		}

		// Execute the migration.
		start := time.Now()
		if err := migration.Run(ctx, logger.With(zap.String("migration", migration.Name)), opt, []byte(migration.Name)); err != nil {
			return applied, errors.Wrapf(err, "migration %q failed", migration.Name)
		}
		applied++
		logger.Info("migration applied successfully", fields.Name(migration.Name), fields.Took(time.Since(start)))
	}
	if applied == 0 {
		logger.Info("no migrations to apply")
	}
	return applied, nil
}

// completed stamps the migration as completed.
func completed(db basedb.ReadWriter, key []byte) error {
	return db.Set(migrationsPrefix, key, migrationCompleted)
}
