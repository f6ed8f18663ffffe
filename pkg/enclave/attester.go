package enclave

import (
	"context"

	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

// Attester produces the raw attestation artifact for one backend. The
// artifact binds the server's encryption public key: the signed-document
// scheme embeds the key itself, the quote scheme embeds its hash as
// report data.
type Attester interface {
	Backend() types.Backend
	Attest(ctx context.Context, publicKey, nonce []byte) ([]byte, error)
}
