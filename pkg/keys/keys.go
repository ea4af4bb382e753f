// Package keys handles the RSA identity material shared by the agent,
// the controller's Git transport, and the embedded SSH server.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// DefaultBits is the key size used for generated identities.
const DefaultBits = 2048

// GenerateKey creates a new RSA private key.
func GenerateKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, DefaultBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return key, nil
}

// EncodePrivateKeyPEM serializes a private key in PKCS#1 PEM form.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

// EncodePublicKeyPEM serializes the public half in PKIX PEM form. This is
// the canonical representation stored in the agent registry.
func EncodePublicKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM reads a PKCS#1 PEM private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// SSHPublicKeyFromPEM converts a PKIX PEM public key into an SSH public
// key for transport-level comparison.
func SSHPublicKeyFromPEM(pemData string) (ssh.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	sshKey, err := ssh.NewPublicKey(parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to convert public key: %w", err)
	}
	return sshKey, nil
}

// Fingerprint returns the SHA256 fingerprint of an SSH public key.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// FingerprintPEM returns the SSH fingerprint of a PKIX PEM public key.
func FingerprintPEM(pemData string) (string, error) {
	sshKey, err := SSHPublicKeyFromPEM(pemData)
	if err != nil {
		return "", err
	}
	return Fingerprint(sshKey), nil
}

// Signer builds an SSH signer from a private key.
func Signer(key *rsa.PrivateKey) (ssh.Signer, error) {
	return ssh.NewSignerFromKey(key)
}

// LoadOrGenerate reads a PEM private key from path, generating and
// persisting one with owner-only permissions when absent.
func LoadOrGenerate(path string) (*rsa.PrivateKey, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, perr := ParsePrivateKeyPEM(data)
		if perr != nil {
			return nil, false, fmt.Errorf("corrupt key file %s: %w", path, perr)
		}
		return key, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(path, EncodePrivateKeyPEM(key), 0o600); err != nil {
		return nil, false, fmt.Errorf("failed to persist private key: %w", err)
	}
	return key, true, nil
}
