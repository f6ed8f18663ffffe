package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// minRSABits is the smallest key size Encrypt and Decrypt accept.
const minRSABits = 2048

// RSAEncryption implements the hybrid scheme used with the signed-document
// backend: the payload sealed under a fresh AES-256-GCM content key, with
// the content key wrapped under RSA-OAEP(SHA-256).
type RSAEncryption struct{}

// NewRSAEncryption creates a new RSA encryption instance
func NewRSAEncryption() *RSAEncryption {
	return &RSAEncryption{}
}

// Encrypt encrypts plaintext to the PEM-encoded RSA public key.
func (e *RSAEncryption) Encrypt(plaintext, publicKeyPEM []byte) (*Envelope, error) {
	rsaPubKey, err := parseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	if rsaPubKey.Size()*8 < minRSABits {
		return nil, fmt.Errorf("RSA key too weak: %d bits, need at least %d", rsaPubKey.Size()*8, minRSABits)
	}

	contentKey := make([]byte, contentKeySize)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, fmt.Errorf("failed to generate content key: %w", err)
	}

	nonce, ciphertext, err := sealAESGCM(contentKey, plaintext)
	if err != nil {
		return nil, err
	}

	// Wrap the content key using OAEP with SHA-256
	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPubKey, contentKey, nil)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}

	return &Envelope{
		Alg:        AlgRSAHybrid,
		Key:        wrappedKey,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// Decrypt opens an envelope with the PEM-encoded RSA private key.
func (e *RSAEncryption) Decrypt(env *Envelope, privateKeyPEM []byte) ([]byte, error) {
	if env.Alg != AlgRSAHybrid {
		return nil, fmt.Errorf("unexpected envelope algorithm %q", env.Alg)
	}

	privkey, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}

	// Unwrap the content key using OAEP with SHA-256
	contentKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privkey, env.Key, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return openAESGCM(contentKey, env.Nonce, env.Ciphertext)
}

func parseRSAPublicKey(publicKeyPEM []byte) (*rsa.PublicKey, error) {
	// Parse PEM-encoded public key
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	pubkey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubkey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPubKey, nil
}

func parseRSAPrivateKey(privateKeyPEM []byte) (*rsa.PrivateKey, error) {
	// Parse PEM-encoded private key
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	privkey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 format
		privkeyInterface, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		var ok bool
		privkey, ok = privkeyInterface.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA private key")
		}
	}
	return privkey, nil
}

// GenerateRSAKeyPair generates a PEM-encoded RSA key pair.
func GenerateRSAKeyPair(bits int) (privateKeyPEM, publicKeyPEM []byte, err error) {
	// Generate private key
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	// Encode private key to PEM
	privKeyBytes := x509.MarshalPKCS1PrivateKey(privateKey)
	privKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: privKeyBytes,
	})

	// Encode public key to PEM
	pubKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	pubKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubKeyBytes,
	})

	return privKeyPEM, pubKeyPEM, nil
}
