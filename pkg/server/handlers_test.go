package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alejoamiras/tee-rex-sub002/pkg/config"
	"github.com/alejoamiras/tee-rex-sub002/pkg/enclave"
	"github.com/alejoamiras/tee-rex-sub002/pkg/encryption"
	"github.com/alejoamiras/tee-rex-sub002/pkg/prover"
	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

// countingEnclave wraps a real enclave service and counts decrypt calls,
// so tests can assert decryption was never reached.
type countingEnclave struct {
	*enclave.Service
	decrypts atomic.Int64
}

func (c *countingEnclave) Decrypt(data string) ([]byte, error) {
	c.decrypts.Add(1)
	return c.Service.Decrypt(data)
}

type testServer struct {
	router  http.Handler
	enc     *encryption.Service
	enclave *countingEnclave
	cfg     *config.ServerConfig
}

func newTestServer(t *testing.T, cfg *config.ServerConfig, p prover.Prover) *testServer {
	t.Helper()

	if cfg == nil {
		cfg = &config.ServerConfig{Port: 8080}
	}
	require.NoError(t, cfg.Validate())

	enc, err := encryption.NewService(types.BackendNone, zap.NewNop())
	require.NoError(t, err)
	encSvc, err := enclave.NewService(types.BackendNone, enc, zap.NewNop())
	require.NoError(t, err)

	if p == nil {
		p = prover.ProverFunc(func(context.Context, *types.ExecutionStepsPayload) (string, error) {
			return "test-proof", nil
		})
	}

	wrapped := &countingEnclave{Service: encSvc}
	handler := NewHandler(wrapped, p, cfg, zap.NewNop())
	srv := New(cfg, handler, zap.NewNop())

	return &testServer{
		router:  srv.Router(),
		enc:     enc,
		enclave: wrapped,
		cfg:     cfg,
	}
}

func (ts *testServer) proveRequest(t *testing.T, payload *types.ExecutionStepsPayload) *http.Request {
	t.Helper()

	plaintext, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := encryption.EncodeRequestData(types.BackendNone, plaintext, ts.enc.PublicKey())
	require.NoError(t, err)

	body, err := json.Marshal(&types.ProveRequest{Data: data})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/prove", bytes.NewReader(body))
	req.RemoteAddr = "192.0.2.10:40000"
	return req
}

func validPayload() *types.ExecutionStepsPayload {
	return &types.ExecutionStepsPayload{
		Steps: []types.ExecutionStep{
			{FunctionName: "main", Witness: map[string]any{"a": "1"}},
		},
	}
}

func TestAttestationEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/attestation", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.AttestationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "none", resp.Backend)
	require.Equal(t, ts.enc.PublicKey(), resp.PublicKey)
	require.Empty(t, resp.Document)
}

func TestAttestationEndpointRejectsBadNonce(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/attestation?nonce=!!!!", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp types.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RequestID)
}

func TestPublicKeyEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/encryption-public-key", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.PublicKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, ts.enc.PublicKey(), resp.PublicKey)
}

func TestProveHappyPath(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	req := ts.proveRequest(t, validPayload())
	req.Header.Set(RequestIDHeader, "client-supplied-id")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.ProveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "test-proof", resp.Proof)
	require.Equal(t, "client-supplied-id", resp.RequestID)
	require.Equal(t, "client-supplied-id", rec.Header().Get(RequestIDHeader))
}

func TestProveGeneratesRequestID(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, ts.proveRequest(t, validPayload()))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.ProveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RequestID)
	require.Equal(t, resp.RequestID, rec.Header().Get(RequestIDHeader))
}

func TestProveRateLimit(t *testing.T) {
	cfg := &config.ServerConfig{Port: 8080, RateQuota: 10}
	ts := newTestServer(t, cfg, nil)

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, ts.proveRequest(t, validPayload()))
		require.Equal(t, http.StatusOK, rec.Code, "request %d should pass", i+1)
	}

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, ts.proveRequest(t, validPayload()))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var resp types.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RequestID)

	// A different client still has its own quota.
	other := ts.proveRequest(t, validPayload())
	other.RemoteAddr = "192.0.2.99:40000"
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, other)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProveRateLimitExemptsLoopback(t *testing.T) {
	cfg := &config.ServerConfig{Port: 8080, RateQuota: 2}
	ts := newTestServer(t, cfg, nil)

	for i := 0; i < 5; i++ {
		req := ts.proveRequest(t, validPayload())
		req.RemoteAddr = "127.0.0.1:40000"
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestProveRejectsOversizedBodyBeforeDecrypting(t *testing.T) {
	cfg := &config.ServerConfig{Port: 8080, MaxBodyBytes: 1024}
	ts := newTestServer(t, cfg, nil)

	big := fmt.Sprintf(`{"data":"%s"}`, strings.Repeat("A", 4096))
	req := httptest.NewRequest(http.MethodPost, "/prove", strings.NewReader(big))
	req.RemoteAddr = "192.0.2.10:40000"
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Zero(t, ts.enclave.decrypts.Load(), "oversized bodies must never reach decryption")

	var resp types.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RequestID)
}

func TestProveDecryptionFailureIsGeneric(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	tests := []struct {
		name string
		data string
	}{
		{"not base64", "!!!"},
		{"random bytes", "anVuayBqdW5rIGp1bms="},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body, err := json.Marshal(&types.ProveRequest{Data: tc.data})
			require.NoError(t, err)
			req := httptest.NewRequest(http.MethodPost, "/prove", bytes.NewReader(body))
			req.RemoteAddr = "192.0.2.10:40000"
			rec := httptest.NewRecorder()
			ts.router.ServeHTTP(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			var resp types.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.Equal(t, "decryption failed", resp.Error)
			require.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestProveSchemaValidation(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	encode := func(t *testing.T, plaintext string) *http.Request {
		data, err := encryption.EncodeRequestData(types.BackendNone, []byte(plaintext), ts.enc.PublicKey())
		require.NoError(t, err)
		body, err := json.Marshal(&types.ProveRequest{Data: data})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/prove", bytes.NewReader(body))
		req.RemoteAddr = "192.0.2.10:40000"
		return req
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"not json", "not json"},
		{"missing steps", `{}`},
		{"empty steps", `{"steps":[]}`},
		{"step without function name", `{"steps":[{"witness":{}}]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ts.router.ServeHTTP(rec, encode(t, tc.plaintext))

			require.Equal(t, http.StatusBadRequest, rec.Code)
			var resp types.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			// Validation errors are detailed, unlike decryption errors.
			require.NotEqual(t, "decryption failed", resp.Error)
			require.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestProveAdmissionControl(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := prover.ProverFunc(func(ctx context.Context, _ *types.ExecutionStepsPayload) (string, error) {
		started <- struct{}{}
		select {
		case <-release:
			return "slow-proof", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	cfg := &config.ServerConfig{Port: 8080, MaxConcurrentProofs: 1}
	ts := newTestServer(t, cfg, blocking)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, ts.proveRequest(t, validPayload()))
		done <- rec
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first proving request never started")
	}

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, ts.proveRequest(t, validPayload()))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	close(release)
	first := <-done
	require.Equal(t, http.StatusOK, first.Code)
}

func TestProveProverFailure(t *testing.T) {
	failing := prover.ProverFunc(func(context.Context, *types.ExecutionStepsPayload) (string, error) {
		return "", context.DeadlineExceeded
	})
	ts := newTestServer(t, nil, failing)

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, ts.proveRequest(t, validPayload()))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp types.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "proving failed", resp.Error)
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
