package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// AgentKeyBits is the RSA modulus size used for agent keypairs.
const AgentKeyBits = 2048

// GenerateAgentKeypair creates a fresh RSA-2048 keypair for an agent.
// The private key is returned PEM-encoded (PKCS#8) so the caller can
// surface it to the creator exactly once; the gateway itself never
// persists it in decryptable form.
func GenerateAgentKeypair() (publicPEM, privatePEM []byte, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, AgentKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: generate rsa key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: marshal private key: %w", err)
	}
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: marshal public key: %w", err)
	}
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	return publicPEM, privatePEM, nil
}
