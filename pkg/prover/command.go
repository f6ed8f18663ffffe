package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

// CommandProver shells out to an external proving binary: payload JSON on
// stdin, proof on stdout. The binary inherits the request context, so a
// deadline or client disconnect kills the process.
type CommandProver struct {
	bin    string
	args   []string
	logger *zap.Logger
}

// NewCommandProver creates a prover around the given binary.
func NewCommandProver(bin string, args []string, logger *zap.Logger) *CommandProver {
	return &CommandProver{bin: bin, args: args, logger: logger}
}

// Prove implements Prover.
func (p *CommandProver) Prove(ctx context.Context, payload *types.ExecutionStepsPayload) (string, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.bin, p.args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Sugar().Debugw("Starting prover process",
		"bin", p.bin,
		"steps", len(payload.Steps),
	)

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("proving aborted: %w", ctxErr)
		}
		return "", fmt.Errorf("prover process failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	proof := strings.TrimSpace(stdout.String())
	if proof == "" {
		return "", fmt.Errorf("prover process produced no proof")
	}
	return proof, nil
}
