package encryption

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

func TestRSAHybridRoundTrip(t *testing.T) {
	privPEM, pubPEM, err := GenerateRSAKeyPair(2048)
	require.NoError(t, err)

	// Hybrid encryption has no OAEP length ceiling, so a payload far past
	// the RSA block size must round-trip.
	plaintext := bytes.Repeat([]byte("proving payload "), 4096)

	r := NewRSAEncryption()
	env, err := r.Encrypt(plaintext, pubPEM)
	require.NoError(t, err)
	require.Equal(t, AlgRSAHybrid, env.Alg)

	decrypted, err := r.Decrypt(env, privPEM)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestRSAHybridRejectsWeakKey(t *testing.T) {
	_, pubPEM, err := GenerateRSAKeyPair(1024)
	require.NoError(t, err)

	_, err = NewRSAEncryption().Encrypt([]byte("data"), pubPEM)
	require.Error(t, err)
	require.Contains(t, err.Error(), "RSA key too weak")
}

func TestRSAHybridRejectsTamper(t *testing.T) {
	privPEM, pubPEM, err := GenerateRSAKeyPair(2048)
	require.NoError(t, err)

	r := NewRSAEncryption()
	env, err := r.Encrypt([]byte("secret"), pubPEM)
	require.NoError(t, err)

	env.Ciphertext[0] ^= 0x01
	_, err = r.Decrypt(env, privPEM)
	require.Error(t, err)
}

func TestX25519RoundTrip(t *testing.T) {
	priv, pub, err := GenerateX25519KeyPair()
	require.NoError(t, err)

	plaintext := []byte("execution steps payload")
	env, err := EncryptX25519(plaintext, pub)
	require.NoError(t, err)
	require.Equal(t, AlgX25519, env.Alg)
	require.Len(t, env.Key, 32)

	decrypted, err := DecryptX25519(env, priv)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestX25519WrongRecipient(t *testing.T) {
	_, pub, err := GenerateX25519KeyPair()
	require.NoError(t, err)
	otherPriv, _, err := GenerateX25519KeyPair()
	require.NoError(t, err)

	env, err := EncryptX25519([]byte("secret"), pub)
	require.NoError(t, err)

	_, err = DecryptX25519(env, otherPriv)
	require.Error(t, err)
}

func TestX25519RejectsTamper(t *testing.T) {
	priv, pub, err := GenerateX25519KeyPair()
	require.NoError(t, err)

	env, err := EncryptX25519([]byte("secret"), pub)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"ciphertext flip", func(e *Envelope) { e.Ciphertext[0] ^= 0x01 }},
		{"nonce flip", func(e *Envelope) { e.Nonce[0] ^= 0x01 }},
		{"ephemeral key flip", func(e *Envelope) { e.Key[0] ^= 0x01 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := env.Encode()
			require.NoError(t, err)
			copied, err := DecodeEnvelope(raw)
			require.NoError(t, err)

			tc.mutate(copied)
			_, err = DecryptX25519(copied, priv)
			require.Error(t, err)
		})
	}
}

func TestServiceRoundTrip(t *testing.T) {
	for _, backend := range []types.Backend{types.BackendNone, types.BackendNitro, types.BackendTDX} {
		t.Run(string(backend), func(t *testing.T) {
			svc, err := NewService(backend, zap.NewNop())
			require.NoError(t, err)
			require.NotEmpty(t, svc.PublicKey())

			plaintext := []byte(`{"steps":[]}`)
			data, err := EncodeRequestData(backend, plaintext, svc.PublicKey())
			require.NoError(t, err)

			decrypted, err := svc.Decrypt(data)
			require.NoError(t, err)
			require.Equal(t, plaintext, decrypted)
		})
	}
}

func TestServiceFailuresAreIndistinguishable(t *testing.T) {
	svc, err := NewService(types.BackendNone, zap.NewNop())
	require.NoError(t, err)

	valid, err := EncodeRequestData(types.BackendNone, []byte("payload"), svc.PublicKey())
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(valid)
	require.NoError(t, err)
	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	env.Ciphertext[0] ^= 0x01
	tamperedRaw, err := env.Encode()
	require.NoError(t, err)

	// Same-scheme envelope for a different recipient key.
	_, otherPub, err := GenerateX25519KeyPair()
	require.NoError(t, err)
	wrongKey, err := EncodeRequestData(types.BackendNone, []byte("payload"), otherPub)
	require.NoError(t, err)

	tests := []struct {
		name string
		data string
	}{
		{"not base64", "%%% not base64 %%%"},
		{"not an envelope", base64.StdEncoding.EncodeToString([]byte("junk"))},
		{"tampered ciphertext", base64.StdEncoding.EncodeToString(tamperedRaw)},
		{"wrong recipient", wrongKey},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// Every failure mode collapses to the same sentinel.
			_, err := svc.Decrypt(tc.data)
			require.ErrorIs(t, err, ErrDecryptionFailed)
			require.Equal(t, ErrDecryptionFailed.Error(), err.Error())
		})
	}
}

func TestDecodeEnvelopeRequiresAllFields(t *testing.T) {
	env := &Envelope{Alg: AlgX25519, Key: []byte{1}, Nonce: []byte{2}, Ciphertext: []byte{3}}
	raw, err := env.Encode()
	require.NoError(t, err)
	_, err = DecodeEnvelope(raw)
	require.NoError(t, err)

	env.Nonce = nil
	raw, err = env.Encode()
	require.NoError(t, err)
	_, err = DecodeEnvelope(raw)
	require.Error(t, err)
}

func TestEncryptForBackendUnknown(t *testing.T) {
	_, err := EncryptForBackend(types.Backend("sgx"), []byte("data"), []byte("key"))
	require.Error(t, err)
}
