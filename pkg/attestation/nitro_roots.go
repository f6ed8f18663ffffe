package attestation

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

// nitroRootPEM is the hardware vendor's root certificate for signed
// attestation documents (AWS Nitro Enclaves Root-G1, distributed at
// https://aws-nitro-enclaves.amazonaws.com/AWS_NitroEnclaves_Root-G1.zip).
// It is pinned here rather than accepted from the server; the fingerprint
// below is re-checked at verifier construction so a corrupted embed fails
// at startup instead of at verification time.
const nitroRootPEM = `-----BEGIN CERTIFICATE-----
MIICETCCAZagAwIBAgIRAPkxdWgbkK/hHUbMtOTn+FYwCgYIKoZIzj0EAwMwSTEL
MAkGA1UEBhMCVVMxDzANBgNVBAoMBkFtYXpvbjEMMAoGA1UECwwDQVdTMRswGQYD
VQQDDBJhd3Mubml0cm8tZW5jbGF2ZXMwHhcNMTkxMDI4MTMyODA1WhcNNDkxMDI4
MTQyODA1WjBJMQswCQYDVQQGEwJVUzEPMA0GA1UECgwGQW1hem9uMQwwCgYDVQQL
DANBV1MxGzAZBgNVBAMMEmF3cy5uaXRyby1lbmNsYXZlczB2MBAGByqGSM49AgEG
BSuBBAAiA2IABPwCVOumCMHzaHDimtqQvkY4MpJzbolL//Zy2YlES1BR5TSksfbb
48C8WBoyt7F2Bw7eEtaaP+ohG2bnUs990d0JX28TcPQXCEPZ3BABIeTPYwEoCWZE
h8l5YoQwTcU/9KNCMEAwDwYDVR0TAQH/BAUwAwEB/zAdBgNVHQ4EFgQUkCW1DdkF
R+eWw5b6cp3PmanfS5YwDgYDVR0PAQH/BAQDAgGGMAoGCCqGSM49BAMDA2kAMGYC
MQCjfy+Rocm9Xue4YnwWmNJVA44fA0P5W2OpYow9OYCVRaEevL8uO1XYru5xtMPW
rfMCMQCi85sWBbJwKKXdS6BptQFuZbT73o/gBh1qUxl/nNr12UO8Yfwr6wPLb+6N
ESIzRFU=
-----END CERTIFICATE-----
`

// nitroRootFingerprintSHA256 pins the DER digest of nitroRootPEM.
const nitroRootFingerprintSHA256 = "e7bf4791990f5b34e5388082d3d90e9b7073a2a96d76b8003e8ee35aa4559a2e"

// defaultNitroRoots builds the pinned root pool, verifying the embedded
// certificate against the pinned fingerprint.
func defaultNitroRoots() (*x509.CertPool, error) {
	block, _ := pem.Decode([]byte(nitroRootPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode pinned root PEM")
	}

	sum := sha256.Sum256(block.Bytes)
	if hex.EncodeToString(sum[:]) != nitroRootFingerprintSHA256 {
		return nil, fmt.Errorf("pinned root fingerprint mismatch: got %s", hex.EncodeToString(sum[:]))
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pinned root: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return pool, nil
}
