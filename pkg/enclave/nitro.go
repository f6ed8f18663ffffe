package enclave

import (
	"context"
	"sync"

	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
	"github.com/pkg/errors"

	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

// NitroAttester requests signed attestation documents from the enclave's
// security module. Construction fails when the module device is absent, so
// a server configured for this backend cannot come up unattested.
type NitroAttester struct {
	mu      sync.Mutex
	session *nsm.Session
}

// NewNitroAttester opens a session to the security module.
func NewNitroAttester() (*NitroAttester, error) {
	session, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open security module session")
	}
	return &NitroAttester{session: session}, nil
}

// Backend implements Attester.
func (a *NitroAttester) Backend() types.Backend {
	return types.BackendNitro
}

// Attest implements Attester. The session serializes requests, so
// concurrent callers queue here.
func (a *NitroAttester) Attest(_ context.Context, publicKey, nonce []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	res, err := a.session.Send(&request.Attestation{
		Nonce:     nonce,
		PublicKey: publicKey,
	})
	if err != nil {
		return nil, errors.Wrap(err, "attestation request failed")
	}
	if res.Error != "" {
		return nil, errors.Errorf("security module error: %s", res.Error)
	}
	if res.Attestation == nil || res.Attestation.Document == nil {
		return nil, errors.New("attestation response missing attestation document")
	}
	return res.Attestation.Document, nil
}

// Close releases the security module session.
func (a *NitroAttester) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session.Close()
}
