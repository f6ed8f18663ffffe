package attestation

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

// verifierToken holds the claims the verification service signs about a
// quote it checked.
type verifierToken struct {
	MrTd         string `json:"mr_td"`
	MrSignerSeam string `json:"mr_signer_seam"`
	ReportData   string `json:"report_data"`
}

// verifierRequest is the body submitted to the verification service.
type verifierRequest struct {
	Quote string `json:"quote"`
}

// verifierResponse is the verification service's reply.
type verifierResponse struct {
	Token string `json:"token"`
}

// TDXVerifier validates hardware quotes through a third-party verification
// service and checks the returned signed token locally. Safe for
// concurrent use.
type TDXVerifier struct {
	endpoint   string
	keySet     jwk.Set
	httpClient *http.Client
	now        func() time.Time
}

// TDXOption customizes a TDXVerifier.
type TDXOption func(*TDXVerifier)

// WithTDXKeySet replaces the verifier's signing key set. Intended for
// tests that mint their own tokens.
func WithTDXKeySet(set jwk.Set) TDXOption {
	return func(v *TDXVerifier) { v.keySet = set }
}

// WithTDXHTTPClient replaces the HTTP client used to reach the
// verification service.
func WithTDXHTTPClient(c *http.Client) TDXOption {
	return func(v *TDXVerifier) { v.httpClient = c }
}

// WithTDXClock overrides the freshness clock.
func WithTDXClock(now func() time.Time) TDXOption {
	return func(v *TDXVerifier) { v.now = now }
}

// NewTDXVerifier creates a verifier for the quote backend. jwksURL is
// fetched once eagerly and then refreshed on refreshInterval, so
// construction fails if the verification service's signing keys are
// unreachable. verifierTimeout bounds every call to the verification
// service; a hung external dependency must not hang the verification
// pipeline.
func NewTDXVerifier(ctx context.Context, endpoint, jwksURL string, refreshInterval, verifierTimeout time.Duration, opts ...TDXOption) (*TDXVerifier, error) {
	v := &TDXVerifier{
		endpoint: endpoint,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.httpClient == nil {
		v.httpClient = &http.Client{Timeout: verifierTimeout}
	}
	if v.keySet == nil {
		set, err := NewJWKCache(ctx, jwksURL, refreshInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to create verifier JWK cache: %w", err)
		}
		v.keySet = set
	}
	return v, nil
}

// NewJWKCache builds a cached, auto-refreshing JWK set for a signing-key
// URL, fetched once at startup.
func NewJWKCache(ctx context.Context, jwkURL string, refreshInterval time.Duration) (jwk.Set, error) {
	cache, err := jwk.NewCache(ctx, httprc.NewClient())
	if err != nil {
		return nil, fmt.Errorf("failed to create jwk cache: %w", err)
	}

	if err := cache.Register(ctx, jwkURL, jwk.WithConstantInterval(refreshInterval)); err != nil {
		return nil, fmt.Errorf("failed to register jwk location: %w", err)
	}

	if _, err := cache.Refresh(ctx, jwkURL); err != nil {
		return nil, fmt.Errorf("failed to fetch on startup: %w", err)
	}

	return cache.CachedSet(jwkURL)
}

// Backend implements Verifier.
func (v *TDXVerifier) Backend() types.Backend {
	return types.BackendTDX
}

// Verify implements Verifier. serverKey is the public key the server
// reported with the quote; it is only trusted after the report-data hash
// binding check passes.
func (v *TDXVerifier) Verify(ctx context.Context, document, serverKey, _ /* nonce */ []byte, cfg *types.AttestationConfig) (*types.AttestationResult, error) {
	// 1. Structural parse of the quote.
	quote, err := parseQuote(document)
	if err != nil {
		return nil, failf(CodeInvalidQuote, "malformed quote: %w", err)
	}

	return v.verifyQuote(ctx, quote, document, serverKey, cfg)
}

// verifyQuote runs the post-parse pipeline: remote verification, token
// checks, and key binding.
func (v *TDXVerifier) verifyQuote(ctx context.Context, quote *tdx_pb.QuoteV4, document, serverKey []byte, cfg *types.AttestationConfig) (*types.AttestationResult, error) {
	// 2. Submit the quote to the verification service.
	token, err := v.submitQuote(ctx, document)
	if err != nil {
		return nil, failf(CodeVerifierServiceFailed, "verification service: %w", err)
	}

	// 3. Verify the token signature against the service's published keys.
	parsed, err := jwt.Parse([]byte(token), jwt.WithKeySet(v.keySet), jwt.WithValidate(true))
	if err != nil {
		return nil, failf(CodeTokenSignatureFailed, "token verification failed: %w", err)
	}

	// 4. Extract the verified claims.
	claims := &verifierToken{}
	tokenJSON, err := json.Marshal(parsed)
	if err != nil {
		return nil, failf(CodeTokenSignatureFailed, "failed to marshal token claims: %w", err)
	}
	if err := json.Unmarshal(tokenJSON, claims); err != nil {
		return nil, failf(CodeTokenSignatureFailed, "failed to decode token claims: %w", err)
	}
	if claims.MrTd == "" || claims.MrSignerSeam == "" || claims.ReportData == "" {
		return nil, failf(CodeTokenSignatureFailed, "token is missing identity or report data claims")
	}

	// 5. Bind the reported public key to the quote: report data must be
	// the hash of the key. Without this an attacker could present a valid
	// quote alongside someone else's key.
	keyHash := sha512.Sum512(serverKey)
	if !equalHex(claims.ReportData, hex.EncodeToString(keyHash[:])) {
		return nil, failf(CodeReportDataMismatch, "report data is not the hash of the reported public key")
	}
	if body := quote.GetTdQuoteBody(); body != nil && !bytes.Equal(body.GetReportData(), keyHash[:]) {
		return nil, failf(CodeReportDataMismatch, "quote report data is not the hash of the reported public key")
	}

	// 6. Identity digests, when configured.
	if cfg.ExpectedMrTd != "" && !equalHex(claims.MrTd, cfg.ExpectedMrTd) {
		return nil, failf(CodeIdentityMismatch, "mr_td mismatch: expected %s, got %s", cfg.ExpectedMrTd, claims.MrTd)
	}
	if cfg.ExpectedMrSignerSeam != "" && !equalHex(claims.MrSignerSeam, cfg.ExpectedMrSignerSeam) {
		return nil, failf(CodeIdentityMismatch, "mr_signer_seam mismatch: expected %s, got %s", cfg.ExpectedMrSignerSeam, claims.MrSignerSeam)
	}

	// 7. Freshness of the verified token.
	issuedAt, ok := parsed.IssuedAt()
	if !ok {
		return nil, failf(CodeExpired, "token carries no issuance time")
	}
	maxAge := cfg.EffectiveMaxAge()
	if v.now().Sub(issuedAt) > maxAge {
		return nil, failf(CodeExpired, "token issued at %s exceeds max age %s", issuedAt, maxAge)
	}

	return &types.AttestationResult{
		Backend:   types.BackendTDX,
		PublicKey: serverKey,
		Measurements: map[int]string{
			0: claims.MrTd,
			1: claims.MrSignerSeam,
		},
		IssuedAt: issuedAt.UTC(),
		Trusted:  true,
	}, nil
}

// parseQuote decodes a raw quote into its structured form.
func parseQuote(raw []byte) (*tdx_pb.QuoteV4, error) {
	protoQuote, err := tdx_abi.QuoteToProto(raw)
	if err != nil {
		return nil, err
	}
	quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("unsupported quote type %T", protoQuote)
	}
	return quote, nil
}

func (v *TDXVerifier) submitQuote(ctx context.Context, quote []byte) (string, error) {
	body, err := json.Marshal(verifierRequest{Quote: base64.StdEncoding.EncodeToString(quote)})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("verifier returned status %d: %s", resp.StatusCode, string(msg))
	}

	var vr verifierResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return "", fmt.Errorf("failed to decode verifier response: %w", err)
	}
	if vr.Token == "" {
		return "", fmt.Errorf("verifier response carried no token")
	}
	return vr.Token, nil
}
