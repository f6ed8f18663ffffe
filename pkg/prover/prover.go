package prover

import (
	"context"

	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

// Prover turns a decrypted execution-steps payload into a proof. Proving
// is CPU and memory heavy; callers bound it with the context deadline and
// gate concurrency above this interface.
type Prover interface {
	Prove(ctx context.Context, payload *types.ExecutionStepsPayload) (string, error)
}

// ProverFunc adapts a function to the Prover interface.
type ProverFunc func(ctx context.Context, payload *types.ExecutionStepsPayload) (string, error)

func (f ProverFunc) Prove(ctx context.Context, payload *types.ExecutionStepsPayload) (string, error) {
	return f(ctx, payload)
}
