package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// x25519Info binds derived keys to this envelope format; bumping it
// invalidates envelopes from older formats.
const x25519Info = "tee-rex-envelope-v1"

// GenerateX25519KeyPair generates a raw X25519 key pair.
func GenerateX25519KeyPair() (privateKey, publicKey []byte, err error) {
	privateKey = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(privateKey); err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	publicKey, err = curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return privateKey, publicKey, nil
}

// EncryptX25519 encrypts plaintext to a raw X25519 public key using an
// ephemeral key agreement: the content key is derived from the shared
// secret with HKDF-SHA256, salted with both public keys so each side's
// identity is baked into the derivation.
func EncryptX25519(plaintext, peerPublicKey []byte) (*Envelope, error) {
	if len(peerPublicKey) != curve25519.PointSize {
		return nil, fmt.Errorf("peer public key has wrong length %d", len(peerPublicKey))
	}

	ephPriv, ephPub, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}

	contentKey, err := deriveX25519Key(ephPriv, peerPublicKey, ephPub, peerPublicKey)
	if err != nil {
		return nil, err
	}

	nonce, ciphertext, err := sealAESGCM(contentKey, plaintext)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Alg:        AlgX25519,
		Key:        ephPub,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// DecryptX25519 opens an envelope with a raw X25519 private key.
func DecryptX25519(env *Envelope, privateKey []byte) ([]byte, error) {
	if env.Alg != AlgX25519 {
		return nil, fmt.Errorf("unexpected envelope algorithm %q", env.Alg)
	}
	if len(env.Key) != curve25519.PointSize {
		return nil, fmt.Errorf("ephemeral public key has wrong length %d", len(env.Key))
	}

	publicKey, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	contentKey, err := deriveX25519Key(privateKey, env.Key, env.Key, publicKey)
	if err != nil {
		return nil, err
	}

	return openAESGCM(contentKey, env.Nonce, env.Ciphertext)
}

// deriveX25519Key computes the shared secret between priv and peerPub and
// stretches it into a content key. Salt order is always ephemeral key
// first, recipient key second, so both sides derive the same key.
func deriveX25519Key(priv, peerPub, ephPub, recipientPub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)

	contentKey := make([]byte, contentKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(x25519Info)), contentKey); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return contentKey, nil
}
