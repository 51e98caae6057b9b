// Package signer holds the service signing authority. Every ledger
// transaction swapd originates is signed here, under a single sequencer.
package signer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ledgerswap/crypto"
	"ledgerswap/services/swapd/secrets"
)

// Signer produces recoverable secp256k1 signatures over 32-byte digests.
type Signer interface {
	Address() crypto.Address
	Sign(ctx context.Context, digest []byte) ([]byte, error)
}

// LocalSigner signs with an in-memory key resolved from the secret store.
type LocalSigner struct {
	key  *crypto.PrivateKey
	addr crypto.Address
}

// NewLocalSigner wraps key.
func NewLocalSigner(key *crypto.PrivateKey) (*LocalSigner, error) {
	if key == nil {
		return nil, errors.New("signer: key required")
	}
	return &LocalSigner{key: key, addr: key.PubKey().Address()}, nil
}

// Address returns the owner address of the signing key.
func (s *LocalSigner) Address() crypto.Address { return s.addr }

// Sign implements Signer.
func (s *LocalSigner) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.key.Sign(digest)
}

// String never exposes key material.
func (s *LocalSigner) String() string {
	return "local:" + s.addr.String()
}

// KeyRef names where the signing key lives. Key material itself is never part
// of the configuration.
type KeyRef struct {
	// Secret names a secret holding the hex encoded key.
	Secret string
	// Keystore names a secret holding a v3 keystore document.
	Keystore string
	// Passphrase names the secret holding the keystore passphrase.
	Passphrase string
}

// SecretSource resolves named secrets.
type SecretSource interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

var _ SecretSource = (*secrets.Manager)(nil)

// LoadLocal resolves ref through src and returns a LocalSigner.
func LoadLocal(ctx context.Context, src SecretSource, ref KeyRef) (*LocalSigner, error) {
	if src == nil {
		return nil, errors.New("signer: secret source required")
	}
	var (
		key *crypto.PrivateKey
		err error
	)
	switch {
	case strings.TrimSpace(ref.Keystore) != "":
		doc, serr := src.GetSecret(ctx, ref.Keystore)
		if serr != nil {
			return nil, fmt.Errorf("signer: resolve keystore: %w", serr)
		}
		pass, serr := src.GetSecret(ctx, ref.Passphrase)
		if serr != nil {
			return nil, fmt.Errorf("signer: resolve keystore passphrase: %w", serr)
		}
		key, err = crypto.DecryptKeystore([]byte(doc), pass)
	case strings.TrimSpace(ref.Secret) != "":
		raw, serr := src.GetSecret(ctx, ref.Secret)
		if serr != nil {
			return nil, fmt.Errorf("signer: resolve key secret: %w", serr)
		}
		if strings.TrimSpace(raw) == "" {
			return nil, fmt.Errorf("signer: secret %s is empty", ref.Secret)
		}
		key, err = crypto.PrivateKeyFromHex(raw)
	default:
		return nil, errors.New("signer: no key reference configured")
	}
	if err != nil {
		// the underlying error may quote the input
		return nil, errors.New("signer: key material could not be decoded")
	}
	return NewLocalSigner(key)
}
