package ledger

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/require"

	"github.com/ssvlabs/keymanager/logging"
	"github.com/ssvlabs/keymanager/storage/basedb"
	"github.com/ssvlabs/keymanager/storage/kv"
)

var testGenesisValidatorsRoot = phase0.Root{0xaa, 0xbb}

func newTestLedger(t *testing.T) *Storage {
	t.Helper()
	db, err := kv.NewInMemory(logging.TestLogger(t), basedb.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return New(logging.TestLogger(t), db, testGenesisValidatorsRoot)
}

func testPubKey(b byte) phase0.BLSPubKey {
	var pubKey phase0.BLSPubKey
	pubKey[0] = b
	return pubKey
}

func interchangeJSON(t *testing.T, pubKey phase0.BLSPubKey, sourceEpoch, targetEpoch uint64, slot uint64) []byte {
	t.Helper()
	doc := fmt.Sprintf(`{
		"metadata": {
			"interchange_format_version": "5",
			"genesis_validators_root": %q
		},
		"data": [{
			"pubkey": %q,
			"signed_blocks": [{"slot": "%d"}],
			"signed_attestations": [{"source_epoch": "%d", "target_epoch": "%d"}]
		}]
	}`, testGenesisValidatorsRoot.String(), pubKey.String(), slot, sourceEpoch, targetEpoch)
	return []byte(doc)
}

func TestHighestAttestationRoundTrip(t *testing.T) {
	ledger := newTestLedger(t)
	pubKey := testPubKey(0x01)

	_, found, err := ledger.RetrieveHighestAttestation(pubKey)
	require.NoError(t, err)
	require.False(t, found)

	attestation := &phase0.AttestationData{
		Source: &phase0.Checkpoint{Epoch: 3},
		Target: &phase0.Checkpoint{Epoch: 4},
	}
	require.NoError(t, ledger.SaveHighestAttestation(pubKey, attestation))

	got, found, err := ledger.RetrieveHighestAttestation(pubKey)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, phase0.Epoch(3), got.Source.Epoch)
	require.Equal(t, phase0.Epoch(4), got.Target.Epoch)
}

func TestHighestProposalRoundTrip(t *testing.T) {
	ledger := newTestLedger(t)
	pubKey := testPubKey(0x02)

	require.Error(t, ledger.SaveHighestProposal(pubKey, 0))
	require.NoError(t, ledger.SaveHighestProposal(pubKey, 42))

	slot, found, err := ledger.RetrieveHighestProposal(pubKey)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, phase0.Slot(42), slot)
}

func TestMergeImportKeepsMaxima(t *testing.T) {
	ledger := newTestLedger(t)
	pubKey := testPubKey(0x03)

	require.NoError(t, ledger.MergeImport(interchangeJSON(t, pubKey, 10, 20, 100)))

	// A lower import must not lower the stored history.
	require.NoError(t, ledger.MergeImport(interchangeJSON(t, pubKey, 5, 15, 50)))

	attestation, found, err := ledger.RetrieveHighestAttestation(pubKey)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, phase0.Epoch(10), attestation.Source.Epoch)
	require.Equal(t, phase0.Epoch(20), attestation.Target.Epoch)

	slot, found, err := ledger.RetrieveHighestProposal(pubKey)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, phase0.Slot(100), slot)

	// A higher import raises it.
	require.NoError(t, ledger.MergeImport(interchangeJSON(t, pubKey, 11, 21, 101)))

	attestation, _, err = ledger.RetrieveHighestAttestation(pubKey)
	require.NoError(t, err)
	require.Equal(t, phase0.Epoch(11), attestation.Source.Epoch)
	require.Equal(t, phase0.Epoch(21), attestation.Target.Epoch)
}

func TestMergeImportFormatErrors(t *testing.T) {
	ledger := newTestLedger(t)

	require.ErrorIs(t, ledger.MergeImport([]byte(`not json`)), ErrFormat)

	badVersion := []byte(`{"metadata": {"interchange_format_version": "4", "genesis_validators_root": "0x` +
		fmt.Sprintf("%064x", 0) + `"}, "data": []}`)
	require.ErrorIs(t, ledger.MergeImport(badVersion), ErrFormat)

	mismatchRoot := interchangeJSON(t, testPubKey(0x04), 1, 2, 3)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(mismatchRoot, &doc))
	doc["metadata"].(map[string]any)["genesis_validators_root"] = "0x" + fmt.Sprintf("%064x", 1)
	mutated, err := json.Marshal(doc)
	require.NoError(t, err)
	require.ErrorIs(t, ledger.MergeImport(mutated), ErrFormat)

	badEpoch := []byte(fmt.Sprintf(`{
		"metadata": {"interchange_format_version": "5", "genesis_validators_root": %q},
		"data": [{"pubkey": %q, "signed_blocks": [], "signed_attestations": [{"source_epoch": "x", "target_epoch": "1"}]}]
	}`, testGenesisValidatorsRoot.String(), testPubKey(0x05).String()))
	require.ErrorIs(t, ledger.MergeImport(badEpoch), ErrFormat)
}

func TestExportSnapshot(t *testing.T) {
	ledger := newTestLedger(t)
	withHistory := testPubKey(0x06)
	withoutHistory := testPubKey(0x07)

	require.NoError(t, ledger.MergeImport(interchangeJSON(t, withHistory, 1, 2, 3)))

	snapshot, err := ledger.ExportSnapshot([]phase0.BLSPubKey{withHistory, withoutHistory, withHistory})
	require.NoError(t, err)
	require.Equal(t, InterchangeFormatVersion, snapshot.Metadata.InterchangeFormatVersion)
	require.Equal(t, testGenesisValidatorsRoot, snapshot.Metadata.GenesisValidatorsRoot)

	// One entry per key with history, duplicates folded.
	require.Len(t, snapshot.Data, 1)
	require.True(t, snapshot.Has(withHistory))
	require.False(t, snapshot.Has(withoutHistory))

	entry := snapshot.Data[0]
	require.Equal(t, []SignedAttestation{{SourceEpoch: "1", TargetEpoch: "2"}}, entry.SignedAttestations)
	require.Equal(t, []SignedBlock{{Slot: "3"}}, entry.SignedBlocks)
}

func TestExportSnapshotRoundTrip(t *testing.T) {
	ledger := newTestLedger(t)
	pubKey := testPubKey(0x08)

	require.NoError(t, ledger.MergeImport(interchangeJSON(t, pubKey, 7, 8, 9)))

	snapshot, err := ledger.ExportSnapshot([]phase0.BLSPubKey{pubKey})
	require.NoError(t, err)

	data, err := json.Marshal(snapshot)
	require.NoError(t, err)

	// An exported snapshot is valid import material.
	other := newTestLedger(t)
	require.NoError(t, other.MergeImport(data))

	has, err := other.HasHistory(pubKey)
	require.NoError(t, err)
	require.True(t, has)
}

func TestHasHistory(t *testing.T) {
	ledger := newTestLedger(t)
	pubKey := testPubKey(0x09)

	has, err := ledger.HasHistory(pubKey)
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, ledger.SaveHighestProposal(pubKey, 1))

	has, err = ledger.HasHistory(pubKey)
	require.NoError(t, err)
	require.True(t, has)
}

func TestSchemaVersion(t *testing.T) {
	ledger := newTestLedger(t)

	_, found, err := ledger.GetSchemaVersion()
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, ledger.SetSchemaVersion())

	version, found, err := ledger.GetSchemaVersion()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, SchemaVersion, version)
}
