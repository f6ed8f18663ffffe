package types

import (
	"fmt"
	"time"
)

// Backend identifies which attestation scheme a proving server runs under.
// The server reports it as a string; ParseBackend coerces that string into
// the closed set before any code branches on it.
type Backend string

const (
	// BackendNone means the server runs outside any TEE. Clients that
	// require attestation must refuse to talk to it.
	BackendNone Backend = "none"

	// BackendNitro is the signed-document scheme: the server returns a
	// COSE-signed attestation document embedding its public key.
	BackendNitro Backend = "nitro"

	// BackendTDX is the quote scheme: the server returns a raw hardware
	// quote verified through a third-party attestation service.
	BackendTDX Backend = "tdx"
)

// ParseBackend validates a server-reported backend string. Unknown values
// are rejected here, at the trust boundary, so downstream code only ever
// sees one of the three known variants.
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendNone, BackendNitro, BackendTDX:
		return Backend(s), nil
	default:
		return "", fmt.Errorf("unknown attestation backend %q", s)
	}
}

// AttestationResponse is the wire form of GET /attestation.
// Document is empty for BackendNone. For BackendNitro it is the CBOR/COSE
// attestation document; for BackendTDX it is the raw quote. PublicKey is
// always the raw encryption public key for the reported backend (TDX report
// data only carries a hash of the key, so the key itself rides alongside).
type AttestationResponse struct {
	Backend   string `json:"backend"`
	Document  []byte `json:"attestationDocument,omitempty"`
	PublicKey []byte `json:"publicKey"`
}

// PublicKeyResponse is the wire form of GET /encryption-public-key, the
// backward-compatible alias that carries no attestation data.
type PublicKeyResponse struct {
	PublicKey []byte `json:"publicKey"`
}

// ProveRequest is the wire form of POST /prove. Data is the base64-encoded
// encrypted envelope produced by the client.
type ProveRequest struct {
	Data string `json:"data"`
}

// ProveResponse carries the proof back to the client. Proofs are posted
// on-chain and therefore public, so the proof is returned unencrypted.
type ProveResponse struct {
	Proof     string `json:"proof"`
	RequestID string `json:"requestId"`
}

// ErrorResponse is the body of every non-200 response from the server.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId"`
}

// ExecutionStep is one circuit execution to prove.
type ExecutionStep struct {
	FunctionName    string             `json:"functionName"`
	Witness         map[string]any     `json:"witness"`
	Bytecode        []byte             `json:"bytecode,omitempty"`
	VerificationKey []byte             `json:"verificationKey,omitempty"`
	Timings         map[string]float64 `json:"timings,omitempty"`
}

// ExecutionStepsPayload is the sensitive proving input. It only ever
// crosses the network inside an encrypted envelope.
type ExecutionStepsPayload struct {
	Steps []ExecutionStep `json:"steps"`
}

// AttestationResult is produced only by a successful verification; it is
// never partially populated. PublicKey is the key cryptographically bound
// to the verified attestation, and the only key a client may encrypt
// against.
type AttestationResult struct {
	Backend      Backend
	PublicKey    []byte
	Measurements map[int]string
	IssuedAt     time.Time
	Trusted      bool
}

// AttestationConfig is the client-supplied policy for verification.
type AttestationConfig struct {
	// RequireAttestation rejects servers reporting BackendNone before any
	// payload is sent.
	RequireAttestation bool

	// ExpectedMeasurements maps PCR index to the expected hex digest
	// (BackendNitro). Every configured index must match exactly.
	ExpectedMeasurements map[int]string

	// ExpectedMrTd and ExpectedMrSignerSeam are the expected identity
	// digests for BackendTDX, hex encoded. Empty values skip the check.
	ExpectedMrTd         string
	ExpectedMrSignerSeam string

	// VerifierEndpoint is the third-party attestation verification service
	// used for BackendTDX quotes.
	VerifierEndpoint string

	// VerifierJWKSURL is where the verifier publishes its token signing
	// keys.
	VerifierJWKSURL string

	// MaxAge bounds attestation freshness. Zero means DefaultMaxAge.
	MaxAge time.Duration
}

// DefaultMaxAge is the freshness bound applied when AttestationConfig.MaxAge
// is unset.
const DefaultMaxAge = 5 * time.Minute

// EffectiveMaxAge returns the configured freshness bound or the default.
func (c *AttestationConfig) EffectiveMaxAge() time.Duration {
	if c.MaxAge > 0 {
		return c.MaxAge
	}
	return DefaultMaxAge
}
