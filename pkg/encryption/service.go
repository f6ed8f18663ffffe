package encryption

import (
	"encoding/base64"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

// ErrDecryptionFailed is the only decryption error callers ever see.
// Parse failures, key mismatches, and authentication failures are
// deliberately indistinguishable so a sender cannot use error responses
// as a decryption oracle. The underlying cause is logged, never returned.
var ErrDecryptionFailed = errors.New("decryption failed")

// Service holds the server's decryption key pair for the lifetime of the
// process. Key material never leaves the process; only the public half is
// served to clients.
type Service struct {
	backend types.Backend
	logger  *zap.Logger

	rsa        *RSAEncryption
	rsaPrivPEM []byte
	rsaPubPEM  []byte

	xPriv []byte
	xPub  []byte
}

// NewService generates a fresh key pair for the backend's scheme. The
// signed-document backend uses RSA because its attestation documents embed
// PEM keys; the quote backend and servers outside a TEE use X25519.
func NewService(backend types.Backend, logger *zap.Logger) (*Service, error) {
	s := &Service{
		backend: backend,
		logger:  logger,
	}

	switch backend {
	case types.BackendNitro:
		privPEM, pubPEM, err := GenerateRSAKeyPair(minRSABits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key pair: %w", err)
		}
		s.rsa = NewRSAEncryption()
		s.rsaPrivPEM = privPEM
		s.rsaPubPEM = pubPEM
	case types.BackendTDX, types.BackendNone:
		priv, pub, err := GenerateX25519KeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate X25519 key pair: %w", err)
		}
		s.xPriv = priv
		s.xPub = pub
	default:
		return nil, fmt.Errorf("no encryption scheme for backend %q", backend)
	}

	return s, nil
}

// Backend returns the attestation backend the key pair was generated for.
func (s *Service) Backend() types.Backend {
	return s.backend
}

// PublicKey returns the raw public key to serve to clients: PEM bytes for
// RSA, 32 raw bytes for X25519.
func (s *Service) PublicKey() []byte {
	if s.backend == types.BackendNitro {
		return s.rsaPubPEM
	}
	return s.xPub
}

// Decrypt opens a base64-encoded envelope. On any failure it returns
// ErrDecryptionFailed with no further detail.
func (s *Service) Decrypt(data string) ([]byte, error) {
	plaintext, err := s.decrypt(data)
	if err != nil {
		s.logger.Sugar().Debugw("Payload decryption failed",
			"backend", s.backend,
			"error", err,
		)
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (s *Service) decrypt(data string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	env, err := DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}

	if s.backend == types.BackendNitro {
		return s.rsa.Decrypt(env, s.rsaPrivPEM)
	}
	return DecryptX25519(env, s.xPriv)
}

// EncodeRequestData encrypts plaintext for the backend and encodes the
// envelope the way ProveRequest.Data carries it.
func EncodeRequestData(backend types.Backend, plaintext, publicKey []byte) (string, error) {
	env, err := EncryptForBackend(backend, plaintext, publicKey)
	if err != nil {
		return "", err
	}
	raw, err := env.Encode()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
