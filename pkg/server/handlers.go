package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/alejoamiras/tee-rex-sub002/pkg/config"
	"github.com/alejoamiras/tee-rex-sub002/pkg/prover"
	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

// maxNonceBytes caps caller-supplied attestation nonces. The hardware
// rejects longer ones anyway; rejecting early keeps the error readable.
const maxNonceBytes = 512

// EnclaveService is what the handlers need from the enclave side: keys,
// decryption, and attestation production. *enclave.Service implements it.
type EnclaveService interface {
	Backend() types.Backend
	PublicKey() []byte
	Decrypt(data string) ([]byte, error)
	AttestationResponse(ctx context.Context, nonce []byte) (*types.AttestationResponse, error)
}

// Handler serves the proving API.
type Handler struct {
	enclave EnclaveService
	prover  prover.Prover
	cfg     *config.ServerConfig
	limiter *ipRateLimiter
	sem     *semaphore.Weighted
	logger  *zap.Logger
}

// NewHandler wires the proving pipeline.
func NewHandler(enclave EnclaveService, p prover.Prover, cfg *config.ServerConfig, logger *zap.Logger) *Handler {
	return &Handler{
		enclave: enclave,
		prover:  p,
		cfg:     cfg,
		limiter: newIPRateLimiter(cfg.RateQuota),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentProofs),
		logger:  logger,
	}
}

// handleAttestation serves GET /attestation. An optional base64 nonce
// query parameter is passed through to the hardware for freshness binding.
func (h *Handler) handleAttestation(w http.ResponseWriter, r *http.Request) {
	nonce, err := decodeNonce(r.URL.Query().Get("nonce"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid nonce")
		return
	}

	resp, err := h.enclave.AttestationResponse(r.Context(), nonce)
	if err != nil {
		h.logger.Sugar().Errorw("Failed to produce attestation", "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to produce attestation")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePublicKey serves GET /encryption-public-key, the key-only alias
// for callers that do their attestation handshake elsewhere.
func (h *Handler) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &types.PublicKeyResponse{PublicKey: h.enclave.PublicKey()})
}

// handleProve serves POST /prove. Checks are ordered cheapest first: rate
// limit, then body size, then decryption, then schema validation, then
// admission to the proving pool.
func (h *Handler) handleProve(w http.ResponseWriter, r *http.Request) {
	log := h.logger.Sugar().With("request_id", RequestIDFromContext(r.Context()))

	ip := clientIP(r)
	if !isLoopback(ip) && !h.limiter.Allow(ip) {
		log.Infow("Rate limited proving request", "ip", ip)
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	// Oversized bodies are rejected before any of them is decrypted.
	if r.ContentLength > h.cfg.MaxBodyBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req types.ProveRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Data == "" {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	// The decryption error is deliberately uninformative.
	plaintext, err := h.enclave.Decrypt(req.Data)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "decryption failed")
		return
	}

	if err := validatePayload(plaintext); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var payload types.ExecutionStepsPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid payload")
		return
	}

	if !h.sem.TryAcquire(1) {
		log.Infow("Proving pool full, rejecting request")
		writeError(w, r, http.StatusServiceUnavailable, "server is at proving capacity")
		return
	}
	defer h.sem.Release(1)

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.ProveTimeout)
	defer cancel()

	log.Infow("Starting proving run", "steps", len(payload.Steps))
	proof, err := h.prover.Prove(ctx, &payload)
	if err != nil {
		log.Errorw("Proving run failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "proving failed")
		return
	}

	log.Infow("Proving run complete")
	writeJSON(w, http.StatusOK, &types.ProveResponse{
		Proof:     proof,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

func decodeNonce(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	nonce, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		nonce, err = base64.URLEncoding.DecodeString(raw)
		if err != nil {
			return nil, err
		}
	}
	if len(nonce) > maxNonceBytes {
		return nil, errors.New("nonce too long")
	}
	return nonce, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, &types.ErrorResponse{
		Error:     msg,
		RequestID: RequestIDFromContext(r.Context()),
	})
}
