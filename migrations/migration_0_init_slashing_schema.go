package migrations

import (
	"context"

	"go.uber.org/zap"

	"github.com/ssvlabs/keymanager/keymanager/ledger"
)

// migrationInitSlashingProtectionSchema stamps the slashing protection
// schema version on first startup.
var migrationInitSlashingProtectionSchema = Migration{
	Name: "migration_0_init_slashing_schema",
	Run: func(ctx context.Context, logger *zap.Logger, opt Options, key []byte) error {
		storage := ledger.New(logger, opt.Db, opt.GenesisValidatorsRoot)

		version, found, err := storage.GetSchemaVersion()
		if err != nil {
			return err
		}
		if found && version == ledger.SchemaVersion {
			return completed(opt.Db, key)
		}

		if err := storage.SetSchemaVersion(); err != nil {
			return err
		}
		return completed(opt.Db, key)
	},
}
