package enclave

import (
	"context"
	"crypto/sha512"

	tdx_client "github.com/google/go-tdx-guest/client"
	"github.com/pkg/errors"

	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

// TDXAttester produces raw hardware quotes with the server key's hash as
// report data. Construction probes the quote provider so a server
// configured for this backend fails fast off TEE hardware.
type TDXAttester struct{}

// NewTDXAttester checks that a quote provider is reachable.
func NewTDXAttester() (*TDXAttester, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return &TDXAttester{}, nil
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, errors.Wrap(err, "no quote provider available")
	}
	_ = qd.Close()
	return &TDXAttester{}, nil
}

// Backend implements Attester.
func (a *TDXAttester) Backend() types.Backend {
	return types.BackendTDX
}

// Attest implements Attester. The quote scheme has no nonce slot; report
// data carries only the key hash, and freshness rides on the verifier
// token's issuance time.
func (a *TDXAttester) Attest(_ context.Context, publicKey, _ []byte) ([]byte, error) {
	reportData := sha512.Sum512(publicKey)

	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		return qp.GetRawQuote(reportData)
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open quote device")
	}
	defer qd.Close()

	return tdx_client.GetRawQuote(qd, reportData)
}
