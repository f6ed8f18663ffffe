package attestation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

// Verifier validates one backend's attestation artifact and returns the
// trust-bound public key. Implementations exist for the signed-document
// scheme and the quote scheme.
type Verifier interface {
	// Backend returns the backend this verifier handles.
	Backend() types.Backend

	// Verify validates the artifact against the supplied policy.
	// document is the raw vendor artifact; serverKey is the public key the
	// server reported alongside it (quote verification binds the key
	// through the report-data hash, document verification ignores it in
	// favor of the embedded key); nonce is the value sent with the
	// attestation request, or nil.
	Verify(ctx context.Context, document, serverKey, nonce []byte, cfg *types.AttestationConfig) (*types.AttestationResult, error)
}

// Registry routes verification requests to the verifier registered for the
// reported backend. Verifiers are registered once at construction; the
// registry itself holds no mutable verification state.
type Registry struct {
	verifiers map[types.Backend]Verifier
	logger    *zap.Logger
}

// NewRegistry creates a registry with the given verifiers.
func NewRegistry(logger *zap.Logger, verifiers ...Verifier) *Registry {
	r := &Registry{
		verifiers: make(map[types.Backend]Verifier, len(verifiers)),
		logger:    logger,
	}
	for _, v := range verifiers {
		r.verifiers[v.Backend()] = v
	}
	return r
}

// Verify dispatches to the verifier for backend. Any panic raised during
// verification is converted into a verification failure: trust decisions
// are fail-closed, never implicit successes.
func (r *Registry) Verify(ctx context.Context, backend types.Backend, document, serverKey, nonce []byte, cfg *types.AttestationConfig) (result *types.AttestationResult, err error) {
	v, ok := r.verifiers[backend]
	if !ok {
		return nil, fmt.Errorf("no verifier registered for backend %q", backend)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Sugar().Errorw("Panic during attestation verification",
				"backend", backend,
				"panic", rec,
			)
			result = nil
			err = failf(CodeVerificationPanic, "verification aborted: %v", rec)
		}
	}()

	result, err = v.Verify(ctx, document, serverKey, nonce, cfg)
	if err != nil {
		r.logger.Sugar().Warnw("Attestation verification failed",
			"backend", backend,
			"code", CodeOf(err),
			"error", err,
		)
		return nil, err
	}

	r.logger.Sugar().Infow("Attestation verified",
		"backend", backend,
		"issued_at", result.IssuedAt,
	)
	return result, nil
}
