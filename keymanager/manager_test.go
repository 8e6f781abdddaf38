package keymanager

import (
	"encoding/hex"
	"fmt"
	"os"
	"testing"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/herumi/bls-eth-go-binary/bls"
	"github.com/stretchr/testify/require"

	"github.com/ssvlabs/keymanager/keystore"
	"github.com/ssvlabs/keymanager/keymanager/ledger"
	"github.com/ssvlabs/keymanager/keymanager/registry"
	"github.com/ssvlabs/keymanager/keymanager/store"
	"github.com/ssvlabs/keymanager/logging"
	"github.com/ssvlabs/keymanager/storage/basedb"
	"github.com/ssvlabs/keymanager/storage/kv"
)

const testPassword = "testpassword123"

var testGenesisValidatorsRoot = phase0.Root{0x11, 0x22}

func TestMain(m *testing.M) {
	if err := InitBLS(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type testEnv struct {
	manager  *Manager
	registry *registry.SignerRegistry
	store    store.Storage
	ledger   *ledger.Storage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logging.TestLogger(t)

	db, err := kv.NewInMemory(logger, basedb.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	signerRegistry := registry.New(logger, nil)
	keyStore := store.New(logger, db)
	slashingLedger := ledger.New(logger, db, testGenesisValidatorsRoot)

	return &testEnv{
		manager:  New(logger, signerRegistry, keyStore, slashingLedger),
		registry: signerRegistry,
		store:    keyStore,
		ledger:   slashingLedger,
	}
}

type testKey struct {
	blob      []byte
	secretKey *bls.SecretKey
	pubKey    phase0.BLSPubKey
}

func generateTestKey(t *testing.T) testKey {
	t.Helper()
	secretKey := &bls.SecretKey{}
	secretKey.SetByCSPRNG()

	pubKey := phase0.BLSPubKey(secretKey.GetPublicKey().Serialize())

	blob, err := keystore.EncryptKeystore(secretKey.Serialize(), hex.EncodeToString(pubKey[:]), testPassword)
	require.NoError(t, err)

	return testKey{blob: blob, secretKey: secretKey, pubKey: pubKey}
}

func interchangeFor(pubKey phase0.BLSPubKey) []byte {
	return []byte(fmt.Sprintf(`{
		"metadata": {"interchange_format_version": "5", "genesis_validators_root": %q},
		"data": [{"pubkey": %q, "signed_blocks": [{"slot": "10"}], "signed_attestations": [{"source_epoch": "1", "target_epoch": "2"}]}]
	}`, testGenesisValidatorsRoot.String(), pubKey.String()))
}

func TestImportLocalKeys(t *testing.T) {
	env := newTestEnv(t)
	key1, key2 := generateTestKey(t), generateTestKey(t)

	statuses, err := env.manager.ImportLocalKeys(
		[][]byte{key1.blob, key2.blob},
		[]string{testPassword, testPassword},
		nil,
	)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	require.Equal(t, StatusImported, statuses[0].Status)
	require.Equal(t, StatusImported, statuses[1].Status)

	require.True(t, env.registry.Has(key1.pubKey))
	require.True(t, env.registry.Has(key2.pubKey))

	_, found, err := env.store.GetLocalKey(key1.pubKey)
	require.NoError(t, err)
	require.True(t, found)
}

func TestImportSameKeyTwiceInOneBatch(t *testing.T) {
	env := newTestEnv(t)
	key := generateTestKey(t)

	statuses, err := env.manager.ImportLocalKeys(
		[][]byte{key.blob, key.blob},
		[]string{testPassword, testPassword},
		nil,
	)
	require.NoError(t, err)
	require.Equal(t, StatusImported, statuses[0].Status)
	require.Equal(t, StatusDuplicate, statuses[1].Status)
}

func TestImportWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	key := generateTestKey(t)

	statuses, err := env.manager.ImportLocalKeys([][]byte{key.blob}, []string{"wrong"}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusError, statuses[0].Status)
	require.NotEmpty(t, statuses[0].Message)

	// Fail-closed: nothing registered, nothing persisted.
	require.False(t, env.registry.Has(key.pubKey))
	_, found, err := env.store.GetLocalKey(key.pubKey)
	require.NoError(t, err)
	require.False(t, found)
}

func TestImportMissingPassword(t *testing.T) {
	env := newTestEnv(t)
	key1, key2 := generateTestKey(t), generateTestKey(t)

	statuses, err := env.manager.ImportLocalKeys(
		[][]byte{key1.blob, key2.blob},
		[]string{testPassword},
		nil,
	)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	require.Equal(t, StatusImported, statuses[0].Status)
	require.Equal(t, StatusError, statuses[1].Status)
}

func TestImportMalformedKeystore(t *testing.T) {
	env := newTestEnv(t)

	statuses, err := env.manager.ImportLocalKeys([][]byte{[]byte(`not json`)}, []string{testPassword}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusError, statuses[0].Status)
}

func TestImportWithSlashingProtection(t *testing.T) {
	env := newTestEnv(t)
	key := generateTestKey(t)

	statuses, err := env.manager.ImportLocalKeys(
		[][]byte{key.blob},
		[]string{testPassword},
		interchangeFor(key.pubKey),
	)
	require.NoError(t, err)
	require.Equal(t, StatusImported, statuses[0].Status)

	// History was merged before the key was processed.
	has, err := env.ledger.HasHistory(key.pubKey)
	require.NoError(t, err)
	require.True(t, has)
}

func TestImportWithBadSlashingProtectionIsRequestFatal(t *testing.T) {
	env := newTestEnv(t)
	key := generateTestKey(t)

	_, err := env.manager.ImportLocalKeys([][]byte{key.blob}, []string{testPassword}, []byte(`not json`))
	require.ErrorIs(t, err, ledger.ErrFormat)

	// Nothing was processed.
	require.False(t, env.registry.Has(key.pubKey))
}

func TestListKeysRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	key := generateTestKey(t)

	require.Empty(t, env.manager.ListKeys())

	statuses, err := env.manager.ImportLocalKeys([][]byte{key.blob}, []string{testPassword}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusImported, statuses[0].Status)

	keys := env.manager.ListKeys()
	require.Len(t, keys, 1)
	require.Equal(t, key.pubKey, keys[0].PubKey)
	require.False(t, keys[0].ReadOnly)

	deleteStatuses, _, err := env.manager.DeleteLocalKeys([]string{key.pubKey.String()})
	require.NoError(t, err)
	require.Equal(t, StatusDeleted, deleteStatuses[0].Status)

	require.Empty(t, env.manager.ListKeys())
}

func TestDeleteLocalKeys(t *testing.T) {
	env := newTestEnv(t)
	key := generateTestKey(t)

	_, err := env.manager.ImportLocalKeys([][]byte{key.blob}, []string{testPassword}, nil)
	require.NoError(t, err)

	statuses, snapshot, err := env.manager.DeleteLocalKeys([]string{key.pubKey.String()})
	require.NoError(t, err)
	require.Equal(t, StatusDeleted, statuses[0].Status)
	require.NotNil(t, snapshot)

	require.False(t, env.registry.Has(key.pubKey))
	_, found, err := env.store.GetLocalKey(key.pubKey)
	require.NoError(t, err)
	require.False(t, found)
}

func TestDeleteInvalidPubKey(t *testing.T) {
	env := newTestEnv(t)

	statuses, snapshot, err := env.manager.DeleteLocalKeys([]string{"0xzz", "not hex"})
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	require.Equal(t, StatusError, statuses[0].Status)
	require.Equal(t, StatusError, statuses[1].Status)
	require.NotNil(t, snapshot)
	require.Empty(t, snapshot.Data)
}

func TestDeleteNotActive(t *testing.T) {
	env := newTestEnv(t)
	key := generateTestKey(t)

	// History but no live signer and no persisted record.
	require.NoError(t, env.ledger.MergeImport(interchangeFor(key.pubKey)))

	statuses, snapshot, err := env.manager.DeleteLocalKeys([]string{key.pubKey.String()})
	require.NoError(t, err)
	require.Equal(t, StatusNotActive, statuses[0].Status)
	require.True(t, snapshot.Has(key.pubKey))
}

func TestDeleteNotFound(t *testing.T) {
	env := newTestEnv(t)
	key := generateTestKey(t)

	statuses, snapshot, err := env.manager.DeleteLocalKeys([]string{key.pubKey.String()})
	require.NoError(t, err)
	require.Equal(t, StatusNotFound, statuses[0].Status)
	require.False(t, snapshot.Has(key.pubKey))
}

func TestRepeatedDeleteRetainsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	key := generateTestKey(t)

	_, err := env.manager.ImportLocalKeys([][]byte{key.blob}, []string{testPassword}, interchangeFor(key.pubKey))
	require.NoError(t, err)

	statuses, snapshot, err := env.manager.DeleteLocalKeys([]string{key.pubKey.String()})
	require.NoError(t, err)
	require.Equal(t, StatusDeleted, statuses[0].Status)
	require.True(t, snapshot.Has(key.pubKey))

	// The history must remain retrievable across repeated delete calls.
	statuses, snapshot, err = env.manager.DeleteLocalKeys([]string{key.pubKey.String()})
	require.NoError(t, err)
	require.Equal(t, StatusNotActive, statuses[0].Status)
	require.True(t, snapshot.Has(key.pubKey))
}

func TestReimportAfterDelete(t *testing.T) {
	env := newTestEnv(t)
	key := generateTestKey(t)

	_, err := env.manager.ImportLocalKeys([][]byte{key.blob}, []string{testPassword}, nil)
	require.NoError(t, err)

	_, _, err = env.manager.DeleteLocalKeys([]string{key.pubKey.String()})
	require.NoError(t, err)

	// Deletion released the exclusive lock.
	statuses, err := env.manager.ImportLocalKeys([][]byte{key.blob}, []string{testPassword}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusImported, statuses[0].Status)
}

func TestImportRemoteKeys(t *testing.T) {
	env := newTestEnv(t)
	key := generateTestKey(t)

	statuses := env.manager.ImportRemoteKeys([]RemoteKeyDescriptor{
		{PubKey: key.pubKey.String(), URL: "http://localhost:9000"},
	})
	require.Equal(t, StatusImported, statuses[0].Status)

	keys := env.manager.ListRemoteKeys()
	require.Len(t, keys, 1)
	require.Equal(t, key.pubKey, keys[0].PubKey)
	require.Equal(t, "http://localhost:9000", keys[0].URL)

	listed := env.manager.ListKeys()
	require.Len(t, listed, 1)
	require.True(t, listed[0].ReadOnly)

	// Duplicate against any registered variant.
	statuses = env.manager.ImportRemoteKeys([]RemoteKeyDescriptor{
		{PubKey: key.pubKey.String(), URL: "http://localhost:9001"},
	})
	require.Equal(t, StatusDuplicate, statuses[0].Status)
}

func TestImportRemoteKeyInvalidURL(t *testing.T) {
	env := newTestEnv(t)
	key := generateTestKey(t)

	for _, url := range []string{"", "localhost:9000", "/no-scheme", "http://"} {
		statuses := env.manager.ImportRemoteKeys([]RemoteKeyDescriptor{
			{PubKey: key.pubKey.String(), URL: url},
		})
		require.Equal(t, StatusError, statuses[0].Status, "url %q", url)
	}

	// The registry and key store remain untouched.
	require.False(t, env.registry.Has(key.pubKey))
	_, found, err := env.store.GetRemoteKey(key.pubKey)
	require.NoError(t, err)
	require.False(t, found)
}

func TestImportRemoteKeyInvalidPubKey(t *testing.T) {
	env := newTestEnv(t)

	statuses := env.manager.ImportRemoteKeys([]RemoteKeyDescriptor{
		{PubKey: "0x1234", URL: "http://localhost:9000"},
	})
	require.Equal(t, StatusError, statuses[0].Status)
}

func TestDeleteRemoteKeys(t *testing.T) {
	env := newTestEnv(t)
	key := generateTestKey(t)

	env.manager.ImportRemoteKeys([]RemoteKeyDescriptor{
		{PubKey: key.pubKey.String(), URL: "http://localhost:9000"},
	})

	statuses := env.manager.DeleteRemoteKeys([]string{key.pubKey.String()})
	require.Equal(t, StatusDeleted, statuses[0].Status)
	require.False(t, env.registry.Has(key.pubKey))

	statuses = env.manager.DeleteRemoteKeys([]string{key.pubKey.String()})
	require.Equal(t, StatusNotFound, statuses[0].Status)
}

func TestResultsMirrorInput(t *testing.T) {
	env := newTestEnv(t)
	key1, key2 := generateTestKey(t), generateTestKey(t)

	statuses, err := env.manager.ImportLocalKeys(
		[][]byte{[]byte(`broken`), key1.blob, key2.blob},
		[]string{testPassword, "wrong", testPassword},
		nil,
	)
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	require.Equal(t, StatusError, statuses[0].Status)
	require.Equal(t, StatusError, statuses[1].Status)
	require.Equal(t, StatusImported, statuses[2].Status)
}

func TestParsePublicKey(t *testing.T) {
	key := generateTestKey(t)

	parsed, err := ParsePublicKey(key.pubKey.String())
	require.NoError(t, err)
	require.Equal(t, key.pubKey, parsed)

	_, err = ParsePublicKey("missing prefix")
	require.Error(t, err)

	_, err = ParsePublicKey("0x1234")
	require.Error(t, err)

	// Correct length, but not a valid curve point.
	_, err = ParsePublicKey("0x" + fmt.Sprintf("%096x", 0))
	require.Error(t, err)
}
