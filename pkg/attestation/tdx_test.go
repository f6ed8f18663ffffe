package attestation

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/stretchr/testify/require"

	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

type tdxFixture struct {
	signingKey *rsa.PrivateKey
	keySet     jwk.Set
	serverKey  []byte
	keyHash    [64]byte
}

func newTDXFixture(t *testing.T) *tdxFixture {
	t.Helper()

	signingKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	publicKey, err := jwk.Import(&signingKey.PublicKey)
	require.NoError(t, err)
	require.NoError(t, publicKey.Set(jwk.KeyIDKey, "verifier-key"))
	require.NoError(t, publicKey.Set(jwk.AlgorithmKey, jwa.RS256()))
	require.NoError(t, publicKey.Set(jwk.KeyUsageKey, "sig"))

	keySet := jwk.NewSet()
	require.NoError(t, keySet.AddKey(publicKey))

	serverKey := []byte("tdx-server-public-key")
	return &tdxFixture{
		signingKey: signingKey,
		keySet:     keySet,
		serverKey:  serverKey,
		keyHash:    sha512.Sum512(serverKey),
	}
}

// mintToken signs a verifier token over the given claims. A nil claims map
// produces a fresh token matching the fixture's server key.
func (f *tdxFixture) mintToken(t *testing.T, override map[string]any) string {
	t.Helper()

	claims := map[string]any{
		"mr_td":          hex.EncodeToString(measurement(0x11)),
		"mr_signer_seam": hex.EncodeToString(measurement(0x22)),
		"report_data":    hex.EncodeToString(f.keyHash[:]),
		"iat":            time.Now().Unix(),
	}
	for k, v := range override {
		claims[k] = v
	}

	token := jwt.New()
	for k, v := range claims {
		if v == nil {
			continue
		}
		require.NoError(t, token.Set(k, v))
	}

	jwkKey, err := jwk.Import(f.signingKey)
	require.NoError(t, err)
	require.NoError(t, jwkKey.Set(jwk.KeyIDKey, "verifier-key"))
	require.NoError(t, jwkKey.Set(jwk.AlgorithmKey, jwa.RS256()))

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256(), jwkKey))
	require.NoError(t, err)
	return string(signed)
}

// service spins up a fake verification service that returns the token.
func (f *tdxFixture) service(t *testing.T, token string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req verifierRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Quote)
		_ = json.NewEncoder(w).Encode(verifierResponse{Token: token})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (f *tdxFixture) verifier(t *testing.T, endpoint string) *TDXVerifier {
	t.Helper()
	v, err := NewTDXVerifier(context.Background(), endpoint, "", 0, time.Second, WithTDXKeySet(f.keySet))
	require.NoError(t, err)
	return v
}

func (f *tdxFixture) quote() *tdx_pb.QuoteV4 {
	return &tdx_pb.QuoteV4{
		TdQuoteBody: &tdx_pb.TDQuoteBody{
			ReportData: f.keyHash[:],
		},
	}
}

func TestTDXVerifyValidQuote(t *testing.T) {
	f := newTDXFixture(t)
	srv := f.service(t, f.mintToken(t, nil))
	v := f.verifier(t, srv.URL)

	cfg := &types.AttestationConfig{
		ExpectedMrTd:         hex.EncodeToString(measurement(0x11)),
		ExpectedMrSignerSeam: hex.EncodeToString(measurement(0x22)),
	}

	result, err := v.verifyQuote(context.Background(), f.quote(), []byte("raw-quote"), f.serverKey, cfg)
	require.NoError(t, err)
	require.True(t, result.Trusted)
	require.Equal(t, types.BackendTDX, result.Backend)
	require.Equal(t, f.serverKey, result.PublicKey)
	require.Equal(t, hex.EncodeToString(measurement(0x11)), result.Measurements[0])
	require.WithinDuration(t, time.Now(), result.IssuedAt, time.Minute)
}

func TestTDXVerifyRejectsMalformedQuote(t *testing.T) {
	f := newTDXFixture(t)
	srv := f.service(t, f.mintToken(t, nil))
	v := f.verifier(t, srv.URL)

	_, err := v.Verify(context.Background(), []byte("definitely not a quote"), f.serverKey, nil, &types.AttestationConfig{})
	require.Error(t, err)
	require.Equal(t, CodeInvalidQuote, CodeOf(err))
}

func TestTDXVerifyServiceFailure(t *testing.T) {
	f := newTDXFixture(t)

	t.Run("non-200 status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quote rejected", http.StatusBadRequest)
		}))
		t.Cleanup(srv.Close)

		_, err := f.verifier(t, srv.URL).verifyQuote(context.Background(), f.quote(), []byte("raw-quote"), f.serverKey, &types.AttestationConfig{})
		require.Error(t, err)
		require.Equal(t, CodeVerifierServiceFailed, CodeOf(err))
	})

	t.Run("unreachable service", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		srv.Close()

		_, err := f.verifier(t, srv.URL).verifyQuote(context.Background(), f.quote(), []byte("raw-quote"), f.serverKey, &types.AttestationConfig{})
		require.Error(t, err)
		require.Equal(t, CodeVerifierServiceFailed, CodeOf(err))
	})

	t.Run("empty token", func(t *testing.T) {
		srv := f.service(t, "")
		_, err := f.verifier(t, srv.URL).verifyQuote(context.Background(), f.quote(), []byte("raw-quote"), f.serverKey, &types.AttestationConfig{})
		require.Error(t, err)
		require.Equal(t, CodeVerifierServiceFailed, CodeOf(err))
	})

	t.Run("hung service", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Hold the request open until the caller gives up. The body must
			// be drained first so the server detects the client disconnect
			// and cancels the request context; otherwise srv.Close deadlocks.
			io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
		}))
		t.Cleanup(srv.Close)

		v, err := NewTDXVerifier(context.Background(), srv.URL, "", 0, 100*time.Millisecond, WithTDXKeySet(f.keySet))
		require.NoError(t, err)

		start := time.Now()
		_, err = v.verifyQuote(context.Background(), f.quote(), []byte("raw-quote"), f.serverKey, &types.AttestationConfig{})
		require.Error(t, err)
		require.Equal(t, CodeVerifierServiceFailed, CodeOf(err))
		require.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestTDXVerifyRejectsForgedToken(t *testing.T) {
	f := newTDXFixture(t)
	forger := newTDXFixture(t)
	forger.serverKey = f.serverKey
	forger.keyHash = f.keyHash

	// Token signed by a key outside the trusted set.
	srv := f.service(t, forger.mintToken(t, nil))
	_, err := f.verifier(t, srv.URL).verifyQuote(context.Background(), f.quote(), []byte("raw-quote"), f.serverKey, &types.AttestationConfig{})
	require.Error(t, err)
	require.Equal(t, CodeTokenSignatureFailed, CodeOf(err))
}

func TestTDXVerifyRejectsIncompleteToken(t *testing.T) {
	f := newTDXFixture(t)
	srv := f.service(t, f.mintToken(t, map[string]any{"report_data": nil}))

	_, err := f.verifier(t, srv.URL).verifyQuote(context.Background(), f.quote(), []byte("raw-quote"), f.serverKey, &types.AttestationConfig{})
	require.Error(t, err)
	require.Equal(t, CodeTokenSignatureFailed, CodeOf(err))
}

func TestTDXVerifyRejectsReportDataMismatch(t *testing.T) {
	f := newTDXFixture(t)

	t.Run("token binds a different key", func(t *testing.T) {
		otherHash := sha512.Sum512([]byte("some other key"))
		srv := f.service(t, f.mintToken(t, map[string]any{"report_data": hex.EncodeToString(otherHash[:])}))

		_, err := f.verifier(t, srv.URL).verifyQuote(context.Background(), f.quote(), []byte("raw-quote"), f.serverKey, &types.AttestationConfig{})
		require.Error(t, err)
		require.Equal(t, CodeReportDataMismatch, CodeOf(err))
	})

	t.Run("quote binds a different key", func(t *testing.T) {
		srv := f.service(t, f.mintToken(t, nil))
		quote := f.quote()
		quote.TdQuoteBody.ReportData = make([]byte, 64)

		_, err := f.verifier(t, srv.URL).verifyQuote(context.Background(), quote, []byte("raw-quote"), f.serverKey, &types.AttestationConfig{})
		require.Error(t, err)
		require.Equal(t, CodeReportDataMismatch, CodeOf(err))
	})
}

func TestTDXVerifyRejectsIdentityMismatch(t *testing.T) {
	f := newTDXFixture(t)
	srv := f.service(t, f.mintToken(t, nil))
	v := f.verifier(t, srv.URL)

	tests := []struct {
		name string
		cfg  *types.AttestationConfig
	}{
		{"mr_td", &types.AttestationConfig{ExpectedMrTd: hex.EncodeToString(measurement(0x99))}},
		{"mr_signer_seam", &types.AttestationConfig{ExpectedMrSignerSeam: hex.EncodeToString(measurement(0x99))}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.verifyQuote(context.Background(), f.quote(), []byte("raw-quote"), f.serverKey, tc.cfg)
			require.Error(t, err)
			require.Equal(t, CodeIdentityMismatch, CodeOf(err))
		})
	}
}

func TestTDXVerifyRejectsStaleToken(t *testing.T) {
	f := newTDXFixture(t)
	srv := f.service(t, f.mintToken(t, map[string]any{"iat": time.Now().Add(-10 * time.Minute).Unix()}))

	_, err := f.verifier(t, srv.URL).verifyQuote(context.Background(), f.quote(), []byte("raw-quote"), f.serverKey, &types.AttestationConfig{})
	require.Error(t, err)
	require.Equal(t, CodeExpired, CodeOf(err))
}
