package attestation

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

// coseAlgES384 is the COSE algorithm identifier for ECDSA w/ SHA-384, the
// only algorithm the hardware signs attestation documents with.
const coseAlgES384 = -35

// coseSign1 is the signed envelope wrapping an attestation document.
type coseSign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected cbor.RawMessage
	Payload     []byte
	Signature   []byte
}

// coseHeader is the protected header of a COSE_Sign1 envelope.
type coseHeader struct {
	Alg int64 `cbor:"1,keyasint"`
}

// sigStructure is the byte layout the envelope signature covers.
type sigStructure struct {
	_           struct{} `cbor:",toarray"`
	Context     string
	Protected   []byte
	ExternalAAD []byte
	Payload     []byte
}

// nitroDocument is the attestation document payload.
type nitroDocument struct {
	ModuleID    string          `cbor:"module_id"`
	Timestamp   uint64          `cbor:"timestamp"`
	Digest      string          `cbor:"digest"`
	PCRs        map[uint][]byte `cbor:"pcrs"`
	Certificate []byte          `cbor:"certificate"`
	CABundle    [][]byte        `cbor:"cabundle"`
	PublicKey   []byte          `cbor:"public_key"`
	UserData    []byte          `cbor:"user_data"`
	Nonce       []byte          `cbor:"nonce"`
}

// NitroVerifier validates COSE-signed attestation documents against a
// pinned root. It holds no per-verification state and is safe for
// concurrent use.
type NitroVerifier struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NitroOption customizes a NitroVerifier.
type NitroOption func(*NitroVerifier)

// WithNitroRoots replaces the pinned root pool. Intended for tests with
// synthetic certificate chains; production verification always pins the
// embedded vendor root.
func WithNitroRoots(pool *x509.CertPool) NitroOption {
	return func(v *NitroVerifier) { v.roots = pool }
}

// WithNitroClock overrides the freshness clock.
func WithNitroClock(now func() time.Time) NitroOption {
	return func(v *NitroVerifier) { v.now = now }
}

// NewNitroVerifier creates a verifier for the signed-document backend.
func NewNitroVerifier(opts ...NitroOption) (*NitroVerifier, error) {
	v := &NitroVerifier{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	if v.roots == nil {
		roots, err := defaultNitroRoots()
		if err != nil {
			return nil, err
		}
		v.roots = roots
	}
	return v, nil
}

// Backend implements Verifier.
func (v *NitroVerifier) Backend() types.Backend {
	return types.BackendNitro
}

// Verify implements Verifier. serverKey is ignored: the trustworthy key is
// the one embedded in the signed document, never one reported out-of-band.
func (v *NitroVerifier) Verify(_ context.Context, document, _ /* serverKey */, nonce []byte, cfg *types.AttestationConfig) (*types.AttestationResult, error) {
	// 1. Parse the signed envelope.
	envelope, err := decodeCoseSign1(document)
	if err != nil {
		return nil, failf(CodeInvalidEnvelope, "malformed signed envelope: %w", err)
	}

	// 2. Decode and structurally validate the payload.
	var doc nitroDocument
	if err := cbor.Unmarshal(envelope.Payload, &doc); err != nil {
		return nil, failf(CodeInvalidDocument, "malformed attestation document: %w", err)
	}
	if err := validateNitroDocument(&doc); err != nil {
		return nil, failf(CodeInvalidDocument, "invalid attestation document: %w", err)
	}

	issuedAt := time.UnixMilli(int64(doc.Timestamp)).UTC()

	// 3. Build and validate the certificate chain up to the pinned root.
	leaf, err := v.verifyChain(&doc, issuedAt)
	if err != nil {
		return nil, failf(CodeChainFailed, "certificate chain validation failed: %w", err)
	}

	// 4. Verify the envelope signature with the leaf key.
	if err := verifyCoseSignature(envelope, leaf); err != nil {
		return nil, failf(CodeSignatureFailed, "envelope signature verification failed: %w", err)
	}

	// 5. Freshness. Checked after the signature so a stale-but-valid error
	// cannot be used to probe chain validity, but before measurements.
	maxAge := cfg.EffectiveMaxAge()
	if v.now().Sub(issuedAt) > maxAge {
		return nil, failf(CodeExpired, "document issued at %s exceeds max age %s", issuedAt, maxAge)
	}

	// 6. Measurements. Every configured index must match exactly.
	measurements := make(map[int]string, len(doc.PCRs))
	for idx, val := range doc.PCRs {
		measurements[int(idx)] = hex.EncodeToString(val)
	}
	for idx, expected := range cfg.ExpectedMeasurements {
		actual, ok := measurements[idx]
		if !ok {
			return nil, failf(CodeMeasurementMismatch, "measurement %d absent from document", idx)
		}
		if !equalHex(actual, expected) {
			return nil, failf(CodeMeasurementMismatch, "measurement %d mismatch: expected %s, got %s", idx, expected, actual)
		}
	}

	// 7. Nonce, when one was sent with the attestation request.
	if len(nonce) > 0 && !bytes.Equal(doc.Nonce, nonce) {
		return nil, failf(CodeNonceMismatch, "document nonce does not match request nonce")
	}

	// 8. The embedded public key is the trust-bound encryption key.
	if len(doc.PublicKey) == 0 {
		return nil, failf(CodeMissingKey, "document does not embed a public key")
	}

	return &types.AttestationResult{
		Backend:      types.BackendNitro,
		PublicKey:    doc.PublicKey,
		Measurements: measurements,
		IssuedAt:     issuedAt,
		Trusted:      true,
	}, nil
}

// decodeCoseSign1 parses a COSE_Sign1 envelope, accepting both the bare
// array form the hardware emits and the tagged form.
func decodeCoseSign1(raw []byte) (*coseSign1, error) {
	var envelope coseSign1
	if err := cbor.Unmarshal(raw, &envelope); err != nil {
		var tagged cbor.RawTag
		if tagErr := cbor.Unmarshal(raw, &tagged); tagErr != nil {
			return nil, err
		}
		if err := cbor.Unmarshal(tagged.Content, &envelope); err != nil {
			return nil, err
		}
	}
	if len(envelope.Protected) == 0 || len(envelope.Payload) == 0 || len(envelope.Signature) == 0 {
		return nil, errors.New("envelope is missing protected headers, payload, or signature")
	}
	return &envelope, nil
}

func validateNitroDocument(doc *nitroDocument) error {
	switch {
	case doc.ModuleID == "":
		return errors.New("missing module id")
	case doc.Timestamp == 0:
		return errors.New("missing timestamp")
	case doc.Digest != "SHA384":
		return fmt.Errorf("unsupported digest %q", doc.Digest)
	case len(doc.PCRs) == 0:
		return errors.New("missing measurement map")
	case len(doc.Certificate) == 0:
		return errors.New("missing leaf certificate")
	}
	for idx, val := range doc.PCRs {
		if l := len(val); l != 32 && l != 48 && l != 64 {
			return fmt.Errorf("measurement %d has invalid length %d", idx, l)
		}
	}
	return nil
}

// verifyChain validates leaf -> bundle -> pinned root at the document's
// issuance time (leaf certificates are short-lived, so validating at the
// current wall clock would reject otherwise-fresh documents).
func (v *NitroVerifier) verifyChain(doc *nitroDocument, issuedAt time.Time) (*x509.Certificate, error) {
	leaf, err := x509.ParseCertificate(doc.Certificate)
	if err != nil {
		return nil, err
	}

	intermediates := x509.NewCertPool()
	for _, der := range doc.CABundle {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		intermediates.AddCert(cert)
	}

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   issuedAt,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, err
	}
	return leaf, nil
}

// verifyCoseSignature checks the envelope signature over the exact
// protected-header+payload bytes against the leaf certificate's key.
func verifyCoseSignature(envelope *coseSign1, leaf *x509.Certificate) error {
	var header coseHeader
	if err := cbor.Unmarshal(envelope.Protected, &header); err != nil {
		return err
	}
	if header.Alg != coseAlgES384 {
		return errors.New("unsupported signing algorithm")
	}

	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return errors.New("leaf certificate key is not ECDSA")
	}

	signed, err := cbor.Marshal(&sigStructure{
		Context:     "Signature1",
		Protected:   envelope.Protected,
		ExternalAAD: []byte{},
		Payload:     envelope.Payload,
	})
	if err != nil {
		return err
	}
	digest := sha512.Sum384(signed)

	// Signature is raw r || s at the curve's byte size.
	size := (pub.Curve.Params().BitSize + 7) / 8
	if len(envelope.Signature) != 2*size {
		return errors.New("signature has wrong length for curve")
	}
	r := new(big.Int).SetBytes(envelope.Signature[:size])
	s := new(big.Int).SetBytes(envelope.Signature[size:])

	if !ecdsa.Verify(pub, digest[:], r, s) {
		return errors.New("signature does not verify")
	}
	return nil
}

// equalHex compares hex digests case-insensitively without allocating.
func equalHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'F' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'F' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
