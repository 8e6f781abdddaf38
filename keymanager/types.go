package keymanager

import (
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// Status is the outcome tag of a single item within a batch operation.
type Status string

const (
	StatusImported  Status = "imported"
	StatusDuplicate Status = "duplicate"
	StatusDeleted   Status = "deleted"
	StatusNotActive Status = "not_active"
	StatusNotFound  Status = "not_found"
	StatusError     Status = "error"
)

// KeyStatus is the per-item result of a batch operation. The result slice of
// every operation mirrors its input slice, index by index.
type KeyStatus struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

func okStatus(status Status) KeyStatus {
	return KeyStatus{Status: status}
}

func errorStatus(err error) KeyStatus {
	return KeyStatus{Status: StatusError, Message: err.Error()}
}

// KeyInfo describes a listed signer key.
type KeyInfo struct {
	PubKey   phase0.BLSPubKey `json:"validating_pubkey"`
	ReadOnly bool             `json:"readonly"`
}

// RemoteKeyInfo describes a listed remote signer key and its delegation URL.
type RemoteKeyInfo struct {
	PubKey phase0.BLSPubKey `json:"pubkey"`
	URL    string           `json:"url"`
}

// RemoteKeyDescriptor is a remote signer registration request item.
type RemoteKeyDescriptor struct {
	PubKey string `json:"pubkey"`
	URL    string `json:"url"`
}

// ParsePublicKey parses the canonical 0x-prefixed hex form of a BLS public
// key and verifies it deserializes to a valid point. Invalid encodings are
// rejected before any store is touched.
func ParsePublicKey(s string) (phase0.BLSPubKey, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return phase0.BLSPubKey{}, errors.Wrap(err, "invalid public key hex")
	}
	if len(b) != len(phase0.BLSPubKey{}) {
		return phase0.BLSPubKey{}, errors.Errorf("invalid public key length %d, expected %d", len(b), len(phase0.BLSPubKey{}))
	}
	if _, err := DeserializeBLSPublicKey(b); err != nil {
		return phase0.BLSPubKey{}, errors.Wrap(err, "invalid BLS public key")
	}
	return phase0.BLSPubKey(b), nil
}
