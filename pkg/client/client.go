package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alejoamiras/tee-rex-sub002/pkg/attestation"
	"github.com/alejoamiras/tee-rex-sub002/pkg/config"
	"github.com/alejoamiras/tee-rex-sub002/pkg/encryption"
	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

// RetryConfig configures retry behavior for proving requests.
type RetryConfig struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides default retry settings
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     5,
	InitialBackoff:  100 * time.Millisecond,
	MaxBackoff:      5 * time.Second,
	BackoffMultiple: 2.0,
}

// SecureChannel is an established, attestation-checked session with a
// proving server: the backend to encrypt for and the key to encrypt to.
type SecureChannel struct {
	Backend   types.Backend
	PublicKey []byte

	// Result is nil when the server runs unattested and the policy
	// allowed it.
	Result *types.AttestationResult
}

// Client talks to a remote proving server. Every payload crosses the wire
// inside an envelope encrypted to a key the attestation policy accepted.
type Client struct {
	cfg         *config.ClientConfig
	registry    *attestation.Registry
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *zap.Logger
	nonceSource func() ([]byte, error)
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRetryConfig replaces the retry settings.
func WithRetryConfig(rc RetryConfig) Option {
	return func(cl *Client) { cl.retryConfig = rc }
}

// WithRegistry injects a verifier registry, bypassing default verifier
// construction. Intended for tests.
func WithRegistry(r *attestation.Registry) Option {
	return func(cl *Client) { cl.registry = r }
}

// WithNonceSource overrides attestation nonce generation. Intended for
// tests.
func WithNonceSource(fn func() ([]byte, error)) Option {
	return func(cl *Client) { cl.nonceSource = fn }
}

// New creates a proving client. ctx covers verifier construction, which
// may fetch the verification service's signing keys.
func New(ctx context.Context, cfg *config.ClientConfig, logger *zap.Logger, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:         cfg,
		httpClient:  http.DefaultClient,
		retryConfig: DefaultRetryConfig,
		logger:      logger,
		nonceSource: randomNonce,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.registry == nil {
		registry, err := defaultRegistry(ctx, &cfg.Attestation, logger)
		if err != nil {
			return nil, err
		}
		c.registry = registry
	}
	return c, nil
}

func defaultRegistry(ctx context.Context, cfg *types.AttestationConfig, logger *zap.Logger) (*attestation.Registry, error) {
	nitro, err := attestation.NewNitroVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to build document verifier: %w", err)
	}

	verifiers := []attestation.Verifier{nitro}
	if cfg.VerifierEndpoint != "" {
		tdx, err := attestation.NewTDXVerifier(ctx, cfg.VerifierEndpoint, cfg.VerifierJWKSURL,
			types.DefaultMaxAge, config.DefaultVerifierTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to build quote verifier: %w", err)
		}
		verifiers = append(verifiers, tdx)
	}
	return attestation.NewRegistry(logger, verifiers...), nil
}

// withOverrides returns a copy of the client with a derived
// configuration. The copy shares the registry and transport, so callers
// holding the original are unaffected.
func (c *Client) withOverrides(apiURL string, att *types.AttestationConfig) *Client {
	cfg := *c.cfg
	if apiURL != "" {
		cfg.APIURL = apiURL
	}
	if att != nil {
		cfg.Attestation = *att
	}
	clone := *c
	clone.cfg = &cfg
	return &clone
}

func randomNonce() ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// EstablishChannel fetches the server's attestation and runs it through
// the verification policy. It is the only way to obtain an encryption key
// from this client: an unverifiable server yields an error, not a key.
func (c *Client) EstablishChannel(ctx context.Context) (*SecureChannel, error) {
	nonce, err := c.nonceSource()
	if err != nil {
		return nil, err
	}

	endpoint := c.cfg.APIURL + "/attestation?nonce=" + url.QueryEscape(base64.StdEncoding.EncodeToString(nonce))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch attestation: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attestation request returned status %d", resp.StatusCode)
	}

	var ar types.AttestationResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("failed to decode attestation response: %w", err)
	}

	backend, err := types.ParseBackend(ar.Backend)
	if err != nil {
		return nil, err
	}

	if backend == types.BackendNone {
		if c.cfg.Attestation.RequireAttestation {
			return nil, fmt.Errorf("server runs unattested and the policy requires attestation")
		}
		c.logger.Sugar().Warnw("Proceeding without attestation", "url", c.cfg.APIURL)
		if len(ar.PublicKey) == 0 {
			return nil, fmt.Errorf("server returned no public key")
		}
		return &SecureChannel{Backend: backend, PublicKey: ar.PublicKey}, nil
	}

	result, err := c.registry.Verify(ctx, backend, ar.Document, ar.PublicKey, nonce, &c.cfg.Attestation)
	if err != nil {
		return nil, err
	}

	return &SecureChannel{
		Backend:   backend,
		PublicKey: result.PublicKey,
		Result:    result,
	}, nil
}

// Prove establishes a channel, encrypts the payload to the verified key,
// and submits it. Transport failures and server-side (5xx) failures are
// retried with backoff; client-side (4xx) rejections are terminal.
func (c *Client) Prove(ctx context.Context, payload *types.ExecutionStepsPayload) (*types.ProveResponse, error) {
	channel, err := c.EstablishChannel(ctx)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	data, err := encryption.EncodeRequestData(channel.Backend, plaintext, channel.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	body, err := json.Marshal(&types.ProveRequest{Data: data})
	if err != nil {
		return nil, err
	}

	// One correlation ID across all attempts, so server logs line up.
	requestID := uuid.NewString()

	var lastErr error
	backoff := c.retryConfig.InitialBackoff
	for attempt := 0; attempt < c.retryConfig.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff = time.Duration(float64(backoff) * c.retryConfig.BackoffMultiple)
			if backoff > c.retryConfig.MaxBackoff {
				backoff = c.retryConfig.MaxBackoff
			}
		}

		resp, retryable, err := c.submitProve(ctx, body, requestID)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.logger.Sugar().Warnw("Proving request failed, will retry",
			"attempt", attempt+1,
			"request_id", requestID,
			"error", err,
		)
	}

	return nil, fmt.Errorf("proving failed after %d attempts: %w", c.retryConfig.MaxAttempts, lastErr)
}

func (c *Client) submitProve(ctx context.Context, body []byte, requestID string) (*types.ProveResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+"/prove", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("proving request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errResp types.ErrorResponse
		msg := ""
		if raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096)); readErr == nil {
			if json.Unmarshal(raw, &errResp) == nil {
				msg = errResp.Error
			}
		}
		err := fmt.Errorf("server returned status %d: %s", resp.StatusCode, msg)
		// Resubmitting only helps for server-side failures. Any 4xx
		// rejection is terminal, rate limiting included: the quota
		// replenishes on a scale of hours and the backoff tops out at
		// seconds.
		return nil, resp.StatusCode >= 500, err
	}

	var pr types.ProveResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, false, fmt.Errorf("failed to decode proving response: %w", err)
	}
	return &pr, false, nil
}
