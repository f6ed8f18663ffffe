package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

// Envelope algorithm identifiers carried on the wire.
const (
	AlgRSAHybrid = "RSA-OAEP-256+A256GCM"
	AlgX25519    = "X25519-HKDF-SHA256+A256GCM"
)

const contentKeySize = 32

// Envelope is the authenticated-encryption wire format carried inside a
// proving request. Key holds the OAEP-wrapped content key for the RSA
// scheme and the ephemeral public key for the X25519 scheme.
type Envelope struct {
	Alg        string `json:"alg"`
	Key        []byte `json:"key"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Encode serializes the envelope for transport.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses an envelope and checks all fields are present.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Alg == "" || len(env.Key) == 0 || len(env.Nonce) == 0 || len(env.Ciphertext) == 0 {
		return nil, errors.New("envelope is missing required fields")
	}
	return &env, nil
}

// EncryptForBackend encrypts plaintext with the scheme the backend's keys
// support: RSA hybrid for the signed-document backend, X25519 for the
// quote backend and for servers running outside a TEE.
func EncryptForBackend(backend types.Backend, plaintext, publicKey []byte) (*Envelope, error) {
	switch backend {
	case types.BackendNitro:
		return NewRSAEncryption().Encrypt(plaintext, publicKey)
	case types.BackendTDX, types.BackendNone:
		return EncryptX25519(plaintext, publicKey)
	default:
		return nil, fmt.Errorf("no encryption scheme for backend %q", backend)
	}
}

// sealAESGCM encrypts plaintext under key with a fresh random nonce.
func sealAESGCM(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

// openAESGCM decrypts and authenticates ciphertext under key.
func openAESGCM(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("nonce has wrong length")
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open ciphertext: %w", err)
	}
	return plaintext, nil
}
