package enclave

import (
	"context"
	"encoding/base64"
	"fmt"

	"go.uber.org/zap"

	"github.com/alejoamiras/tee-rex-sub002/pkg/encryption"
	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

// Service ties the server's encryption keys to its attestation backend.
// A backend that cannot attest is a startup error, never a silent
// downgrade to running unattested.
type Service struct {
	enc      *encryption.Service
	attester Attester
	logger   *zap.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithAttester injects an attester, bypassing hardware probing. Intended
// for tests.
func WithAttester(a Attester) Option {
	return func(s *Service) { s.attester = a }
}

// NewService builds the attestation side of a server for the configured
// backend.
func NewService(backend types.Backend, enc *encryption.Service, logger *zap.Logger, opts ...Option) (*Service, error) {
	if enc.Backend() != backend {
		return nil, fmt.Errorf("encryption keys were generated for backend %q, not %q", enc.Backend(), backend)
	}

	s := &Service{enc: enc, logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	if s.attester == nil {
		switch backend {
		case types.BackendNone:
			// Nothing to attest.
		case types.BackendNitro:
			attester, err := NewNitroAttester()
			if err != nil {
				return nil, fmt.Errorf("nitro backend unavailable: %w", err)
			}
			s.attester = attester
		case types.BackendTDX:
			attester, err := NewTDXAttester()
			if err != nil {
				return nil, fmt.Errorf("tdx backend unavailable: %w", err)
			}
			s.attester = attester
		default:
			return nil, fmt.Errorf("unknown attestation backend %q", backend)
		}
	}

	return s, nil
}

// Backend returns the backend the service attests under.
func (s *Service) Backend() types.Backend {
	return s.enc.Backend()
}

// PublicKey returns the server's encryption public key.
func (s *Service) PublicKey() []byte {
	return s.enc.PublicKey()
}

// Decrypt opens a request envelope with the server's private key.
func (s *Service) Decrypt(data string) ([]byte, error) {
	return s.enc.Decrypt(data)
}

// AttestationResponse produces the wire response for an attestation
// request. nonce is the caller-supplied freshness value, base64 decoded
// already, or nil.
func (s *Service) AttestationResponse(ctx context.Context, nonce []byte) (*types.AttestationResponse, error) {
	resp := &types.AttestationResponse{
		Backend:   string(s.Backend()),
		PublicKey: s.PublicKey(),
	}

	if s.attester == nil {
		return resp, nil
	}

	document, err := s.attester.Attest(ctx, s.PublicKey(), nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to produce attestation: %w", err)
	}
	resp.Document = document

	s.logger.Sugar().Debugw("Produced attestation document",
		"backend", resp.Backend,
		"document_bytes", len(document),
		"nonce", base64.StdEncoding.EncodeToString(nonce),
	)
	return resp, nil
}
