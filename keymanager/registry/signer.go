package registry

import (
	"context"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/herumi/bls-eth-go-binary/bls"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ssvlabs/keymanager/remotesigner"
)

// Signer is an identity capable of producing signatures, either by holding
// key material locally or by delegating to a remote signing service.
type Signer interface {
	PublicKey() phase0.BLSPubKey
	// ReadOnly reports whether the signer delegates to a remote service
	// and therefore exposes no local key material.
	ReadOnly() bool
	Sign(ctx context.Context, root phase0.Root) (phase0.BLSSignature, error)
}

// LocalSigner holds decrypted private key material in memory and signs
// directly. It exists only after a successful keystore decryption.
type LocalSigner struct {
	pubKey    phase0.BLSPubKey
	secretKey *bls.SecretKey
}

func NewLocalSigner(secretKey *bls.SecretKey) *LocalSigner {
	return &LocalSigner{
		pubKey:    phase0.BLSPubKey(secretKey.GetPublicKey().Serialize()),
		secretKey: secretKey,
	}
}

func (s *LocalSigner) PublicKey() phase0.BLSPubKey {
	return s.pubKey
}

func (s *LocalSigner) ReadOnly() bool {
	return false
}

func (s *LocalSigner) Sign(_ context.Context, root phase0.Root) (phase0.BLSSignature, error) {
	sig := s.secretKey.SignByte(root[:])
	return phase0.BLSSignature(sig.Serialize()), nil
}

// RemoteSigner holds a public key and a remote-service URL and produces
// signatures by delegation.
type RemoteSigner struct {
	pubKey phase0.BLSPubKey
	client *remotesigner.Client
}

func NewRemoteSigner(logger *zap.Logger, pubKey phase0.BLSPubKey, url string) *RemoteSigner {
	return &RemoteSigner{
		pubKey: pubKey,
		client: remotesigner.New(logger, url),
	}
}

func (s *RemoteSigner) PublicKey() phase0.BLSPubKey {
	return s.pubKey
}

func (s *RemoteSigner) ReadOnly() bool {
	return true
}

// URL returns the delegation URL of the remote signing service.
func (s *RemoteSigner) URL() string {
	return s.client.URL()
}

func (s *RemoteSigner) Sign(ctx context.Context, root phase0.Root) (phase0.BLSSignature, error) {
	sig, err := s.client.Sign(ctx, s.pubKey, remotesigner.SignRequest{SigningRoot: root})
	if err != nil {
		return phase0.BLSSignature{}, errors.Wrap(err, "remote sign")
	}
	return sig, nil
}
