package token

import (
	"crypto/rsa"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// LoadKeyPair reads the PEM-encoded RSA signing key pair from disk.
// Keys are loaded once at startup and treated as immutable afterwards.
func LoadKeyPair(privateFile, publicFile string) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	privatePEM, err := os.ReadFile(privateFile)
	if err != nil {
		return nil, nil, fmt.Errorf("read private key: %w", err)
	}
	private, err := jwt.ParseRSAPrivateKeyFromPEM(privatePEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parse private key: %w", err)
	}

	publicPEM, err := os.ReadFile(publicFile)
	if err != nil {
		return nil, nil, fmt.Errorf("read public key: %w", err)
	}
	public, err := jwt.ParseRSAPublicKeyFromPEM(publicPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parse public key: %w", err)
	}

	return private, public, nil
}
