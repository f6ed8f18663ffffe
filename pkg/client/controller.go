package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/alejoamiras/tee-rex-sub002/pkg/prover"
	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

// Mode selects where proofs are computed.
type Mode string

const (
	// ModeLocal runs the prover in-process.
	ModeLocal Mode = "local"

	// ModeRemote delegates proving to an attested server.
	ModeRemote Mode = "remote"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLocal, ModeRemote:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown proving mode %q", s)
	}
}

// Controller routes proving between a local prover and a remote client.
// All setters are pure state changes that take effect on the next Prove
// call; a run already in flight finishes with the settings it started
// with.
type Controller struct {
	mu     sync.RWMutex
	mode   Mode
	local  prover.Prover
	remote *Client
	logger *zap.Logger

	// Overrides for the remote client, nil/empty until set.
	apiURL      string
	attestation *types.AttestationConfig
}

// NewController starts in local mode unless told otherwise.
func NewController(local prover.Prover, remote *Client, logger *zap.Logger) *Controller {
	return &Controller{
		mode:   ModeLocal,
		local:  local,
		remote: remote,
		logger: logger,
	}
}

// Mode returns the currently selected mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetMode switches where subsequent Prove calls run.
func (c *Controller) SetMode(mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if mode == ModeRemote && c.remote == nil {
		return errors.New("remote proving is not configured")
	}
	if c.mode != mode {
		c.logger.Sugar().Infow("Switching proving mode", "from", c.mode, "to", mode)
		c.mode = mode
	}
	return nil
}

// SetAPIURL points subsequent remote proves at a different server.
func (c *Controller) SetAPIURL(url string) error {
	if url == "" {
		return errors.New("api url is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Sugar().Infow("Switching proving server", "url", url)
	c.apiURL = url
	return nil
}

// SetAttestationConfig replaces the verification policy for subsequent
// remote proves. Verifier wiring stays as it was at client construction;
// only the per-call policy changes.
func (c *Controller) SetAttestationConfig(cfg types.AttestationConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attestation = &cfg
}

// Prove computes a proof with the mode, server and policy selected at
// call time. Setter calls made while this runs apply to the next call.
func (c *Controller) Prove(ctx context.Context, payload *types.ExecutionStepsPayload) (string, error) {
	c.mu.RLock()
	mode := c.mode
	remote := c.remote
	apiURL := c.apiURL
	att := c.attestation
	c.mu.RUnlock()

	switch mode {
	case ModeRemote:
		cl := remote
		if apiURL != "" || att != nil {
			cl = remote.withOverrides(apiURL, att)
		}
		resp, err := cl.Prove(ctx, payload)
		if err != nil {
			return "", err
		}
		return resp.Proof, nil
	default:
		if c.local == nil {
			return "", errors.New("local proving is not configured")
		}
		return c.local.Prove(ctx, payload)
	}
}
