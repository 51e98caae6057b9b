package crypto

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// EncryptKeystore serialises key as an Ethereum v3 keystore document.
func EncryptKeystore(key *PrivateKey, passphrase string, scryptN, scryptP int) ([]byte, error) {
	if key == nil {
		return nil, errors.New("crypto: nil private key")
	}
	if passphrase == "" {
		return nil, errors.New("crypto: keystore passphrase required")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	wrapped := &keystore.Key{
		Id:         id,
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key.PrivateKey,
	}
	return keystore.EncryptKey(wrapped, passphrase, scryptN, scryptP)
}

// DecryptKeystore recovers the private key held in a v3 keystore document.
func DecryptKeystore(keyJSON []byte, passphrase string) (*PrivateKey, error) {
	if len(keyJSON) == 0 {
		return nil, errors.New("crypto: empty keystore")
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore: %w", err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
