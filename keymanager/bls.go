package keymanager

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/herumi/bls-eth-go-binary/bls"
)

var blsPublicKeyCache *lru.Cache[string, bls.PublicKey]

func init() {
	var err error
	blsPublicKeyCache, err = lru.New[string, bls.PublicKey](128_000)
	if err != nil {
		panic(err)
	}
}

// InitBLS initializes the BLS library in ETH mode. Must be called once
// before any key material is handled.
func InitBLS() error {
	if err := bls.Init(bls.BLS12_381); err != nil {
		return err
	}
	return bls.SetETHmode(bls.EthModeDraft07)
}

// DeserializeBLSPublicKey deserializes a bls.PublicKey from bytes,
// caching the result to avoid repeated deserialization.
func DeserializeBLSPublicKey(b []byte) (bls.PublicKey, error) {
	pkStr := string(b)
	if pk, ok := blsPublicKeyCache.Get(pkStr); ok {
		return pk, nil
	}

	// This copy is required to avoid the "cgo argument has Go pointer to Go pointer" panic.
	pkCpy := make([]byte, len(b))
	copy(pkCpy, b)

	pk := bls.PublicKey{}
	if err := pk.Deserialize(pkCpy); err != nil {
		return bls.PublicKey{}, err
	}
	blsPublicKeyCache.Add(pkStr, pk)

	return pk, nil
}
