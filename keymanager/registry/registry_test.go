package registry

import (
	"context"
	"os"
	"testing"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/herumi/bls-eth-go-binary/bls"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ssvlabs/keymanager/logging"
)

func TestMain(m *testing.M) {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(err)
	}
	if err := bls.SetETHmode(bls.EthModeDraft07); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) CancelDuties(pubKey phase0.BLSPubKey) {
	m.Called(pubKey)
}

func newLocalSigner(t *testing.T) *LocalSigner {
	t.Helper()
	secretKey := &bls.SecretKey{}
	secretKey.SetByCSPRNG()
	return NewLocalSigner(secretKey)
}

func TestRegistryInsertionOrder(t *testing.T) {
	registry := New(logging.TestLogger(t), nil)

	signers := []*LocalSigner{newLocalSigner(t), newLocalSigner(t), newLocalSigner(t)}
	for _, signer := range signers {
		registry.Add(signer)
	}

	listed := registry.List()
	require.Len(t, listed, 3)
	for i, signer := range signers {
		require.Equal(t, signer.PublicKey(), listed[i].PublicKey())
	}

	// Removing the middle signer keeps the order of the rest.
	require.True(t, registry.Remove(signers[1].PublicKey()))
	listed = registry.List()
	require.Len(t, listed, 2)
	require.Equal(t, signers[0].PublicKey(), listed[0].PublicKey())
	require.Equal(t, signers[2].PublicKey(), listed[1].PublicKey())
}

func TestRegistryOneSignerPerKey(t *testing.T) {
	logger := logging.TestLogger(t)
	registry := New(logger, nil)

	local := newLocalSigner(t)
	registry.Add(local)
	require.Equal(t, 1, registry.Size())

	// Re-adding under the same key replaces in place.
	remote := NewRemoteSigner(logger, local.PublicKey(), "http://localhost:9000")
	registry.Add(remote)
	require.Equal(t, 1, registry.Size())

	signer, ok := registry.Get(local.PublicKey())
	require.True(t, ok)
	require.True(t, signer.ReadOnly())
}

func TestRegistryRemoveAbsent(t *testing.T) {
	registry := New(logging.TestLogger(t), nil)
	require.False(t, registry.Remove(phase0.BLSPubKey{0x01}))
}

func TestRegistryCancelDuties(t *testing.T) {
	scheduler := &mockScheduler{}
	registry := New(logging.TestLogger(t), scheduler)

	signer := newLocalSigner(t)
	registry.Add(signer)

	scheduler.On("CancelDuties", signer.PublicKey()).Once()
	registry.CancelDuties(signer.PublicKey())
	scheduler.AssertExpectations(t)
}

func TestLocalSignerSign(t *testing.T) {
	signer := newLocalSigner(t)

	root := phase0.Root{0x42}
	sig, err := signer.Sign(context.Background(), root)
	require.NoError(t, err)

	blsSig := &bls.Sign{}
	require.NoError(t, blsSig.Deserialize(sig[:]))

	pubKey := &bls.PublicKey{}
	signerPubKey := signer.PublicKey()
	require.NoError(t, pubKey.Deserialize(signerPubKey[:]))
	require.True(t, blsSig.VerifyByte(pubKey, root[:]))
}

func TestRegistryForEach(t *testing.T) {
	registry := New(logging.TestLogger(t), nil)
	registry.Add(newLocalSigner(t))
	registry.Add(newLocalSigner(t))

	var visited int
	require.True(t, registry.ForEach(func(signer Signer) bool {
		visited++
		return true
	}))
	require.Equal(t, 2, visited)
}
