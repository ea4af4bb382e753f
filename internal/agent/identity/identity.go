// Package identity manages the agent's RSA keypair on disk.
package identity

import (
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flowmesh/flowmesh/pkg/keys"
)

// Identity is the agent's persistent key material. The public key in
// PKIX PEM form is what the controller stores in its registry.
type Identity struct {
	Key          *rsa.PrivateKey
	PublicKeyPEM string
	Fingerprint  string
	KeyPath      string
}

// LoadOrCreate reads the private key at keyPath, generating one on
// first run, and keeps the .pub sibling in sync.
func LoadOrCreate(keyPath, pubPath string) (*Identity, bool, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, false, err
	}

	key, generated, err := keys.LoadOrGenerate(keyPath)
	if err != nil {
		return nil, false, err
	}

	pubPEM, err := keys.EncodePublicKeyPEM(key)
	if err != nil {
		return nil, false, err
	}
	if generated {
		if err := os.WriteFile(pubPath, pubPEM, 0o600); err != nil {
			return nil, false, fmt.Errorf("failed to persist public key: %w", err)
		}
	}

	fp, err := keys.FingerprintPEM(string(pubPEM))
	if err != nil {
		return nil, false, err
	}

	return &Identity{
		Key:          key,
		PublicKeyPEM: string(pubPEM),
		Fingerprint:  fp,
		KeyPath:      keyPath,
	}, generated, nil
}
