package config

import (
	"fmt"
	"time"

	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

// Environment variable names for the proving server and client
const (
	EnvServerPort        = "TEEREX_PORT"
	EnvServerBackend     = "TEEREX_BACKEND"
	EnvProverBin         = "TEEREX_PROVER_BIN"
	EnvRateQuota         = "TEEREX_RATE_QUOTA"
	EnvMaxBodyBytes      = "TEEREX_MAX_BODY_BYTES"
	EnvProveTimeout      = "TEEREX_PROVE_TIMEOUT"
	EnvMaxConcurrent     = "TEEREX_MAX_CONCURRENT_PROOFS"
	EnvAPIURL            = "TEEREX_API_URL"
	EnvRequireAttest     = "TEEREX_REQUIRE_ATTESTATION"
	EnvVerifierEndpoint  = "TEEREX_VERIFIER_ENDPOINT"
	EnvVerifierJWKSURL   = "TEEREX_VERIFIER_JWKS_URL"
	EnvAttestationMaxAge = "TEEREX_ATTESTATION_MAX_AGE"
	EnvVerbose           = "TEEREX_VERBOSE"
)

// Defaults for server resource limits and timeouts
const (
	// DefaultRateQuota is the per-IP request quota per hour on /prove.
	DefaultRateQuota = 10

	// DefaultMaxBodyBytes caps /prove request bodies. Oversized bodies are
	// rejected before any decryption work is spent on them.
	DefaultMaxBodyBytes = 50 << 20 // 50 MiB

	// DefaultProveTimeout bounds a single proving run. Proving takes
	// minutes, so this is far beyond the server's ordinary write timeout.
	DefaultProveTimeout = 10 * time.Minute

	// DefaultMaxConcurrentProofs bounds in-flight proving runs across all
	// clients. The per-IP rate limit alone does not stop many distinct IPs
	// from saturating the machine.
	DefaultMaxConcurrentProofs = 2

	// DefaultVerifierTimeout bounds calls to the third-party attestation
	// verification service so a hung verifier cannot hang verification.
	DefaultVerifierTimeout = 10 * time.Second

	// DefaultHealthTimeout is the read/header timeout for cheap routes.
	DefaultHealthTimeout = 5 * time.Second

	// DefaultDrainDuration is how long the server keeps answering readiness
	// probes negatively before shutting down listeners.
	DefaultDrainDuration = 5 * time.Second
)

// ServerConfig is everything the proving server needs at startup.
type ServerConfig struct {
	Port                int
	Backend             types.Backend
	ProverBin           string
	RateQuota           int
	MaxBodyBytes        int64
	ProveTimeout        time.Duration
	MaxConcurrentProofs int64
	Verbose             bool
}

// Validate fills defaults and rejects unusable configurations.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Backend == "" {
		c.Backend = types.BackendNone
	}
	if _, err := types.ParseBackend(string(c.Backend)); err != nil {
		return err
	}
	if c.RateQuota <= 0 {
		c.RateQuota = DefaultRateQuota
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.ProveTimeout <= 0 {
		c.ProveTimeout = DefaultProveTimeout
	}
	if c.MaxConcurrentProofs <= 0 {
		c.MaxConcurrentProofs = DefaultMaxConcurrentProofs
	}
	return nil
}

// ClientConfig is the remote-proving client configuration.
type ClientConfig struct {
	APIURL      string
	Attestation types.AttestationConfig
}

// Validate rejects unusable client configurations.
func (c *ClientConfig) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api url is required")
	}
	return nil
}
