package migrations

import (
	"context"
	"testing"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/require"

	"github.com/ssvlabs/keymanager/keymanager/ledger"
	"github.com/ssvlabs/keymanager/logging"
	"github.com/ssvlabs/keymanager/storage/basedb"
	"github.com/ssvlabs/keymanager/storage/kv"
)

func TestRunIsIdempotent(t *testing.T) {
	logger := logging.TestLogger(t)
	db, err := kv.NewInMemory(logger, basedb.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	opt := Options{Db: db, GenesisValidatorsRoot: phase0.Root{0x01}}

	applied, err := Run(context.Background(), logger, opt)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	storage := ledger.New(logger, db, opt.GenesisValidatorsRoot)
	version, found, err := storage.GetSchemaVersion()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, ledger.SchemaVersion, version)

	// A second run must be a no-op.
	applied, err = Run(context.Background(), logger, opt)
	require.NoError(t, err)
	require.Equal(t, 0, applied)
}
