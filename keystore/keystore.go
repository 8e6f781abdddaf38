package keystore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ssvlabs/eth2-key-manager/encryptor/keystorev4"
)

// Keystore is a decoded EIP-2335 keystore JSON object.
type Keystore map[string]any

// DecryptKeystore decrypts a keystore JSON file using the provided password.
func DecryptKeystore(encryptedJSONData []byte, password string) ([]byte, error) {
	if strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("password required for decrypting keystore")
	}

	// Unmarshal the JSON-encoded data
	var data map[string]interface{}
	if err := json.Unmarshal(encryptedJSONData, &data); err != nil {
		return nil, fmt.Errorf("parse JSON data: %w", err)
	}

	// Decrypt the private key using keystorev4
	decryptedBytes, err := keystorev4.New().Decrypt(data, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}

	return decryptedBytes, nil
}

// EncryptKeystore encrypts a private key into an EIP-2335 keystore JSON file.
func EncryptKeystore(privKey []byte, pubKeyHex, password string) ([]byte, error) {
	if strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("password required for encrypting keystore")
	}

	keystoreCrypto, err := keystorev4.New().Encrypt(privKey, password)
	if err != nil {
		return nil, fmt.Errorf("encrypt private key: %w", err)
	}

	keystore := Keystore{
		"crypto":  keystoreCrypto,
		"pubkey":  strings.TrimPrefix(pubKeyHex, "0x"),
		"version": 4,
		"uuid":    uuid.New().String(),
		"path":    "m/12381/3600/0/0/0",
	}

	data, err := json.Marshal(keystore)
	if err != nil {
		return nil, fmt.Errorf("marshal keystore: %w", err)
	}

	return data, nil
}

// PubKeyFromKeystore extracts the public key hex from the keystore metadata,
// without decrypting. The returned hex carries no 0x prefix.
func PubKeyFromKeystore(encryptedJSONData []byte) (string, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(encryptedJSONData, &data); err != nil {
		return "", fmt.Errorf("parse JSON data: %w", err)
	}

	pubKey, ok := data["pubkey"].(string)
	if !ok || pubKey == "" {
		return "", fmt.Errorf("keystore is missing the pubkey field")
	}

	return strings.TrimPrefix(strings.ToLower(pubKey), "0x"), nil
}
