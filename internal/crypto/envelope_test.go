package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	sym := make([]byte, 32)
	_, err = rand.Read(sym)
	require.NoError(t, err)

	ks, err := NewKeyStore(priv, nil, sym, &priv.PublicKey)
	require.NoError(t, err)
	return ks
}

func testEnvelope(t *testing.T) *Envelope {
	t.Helper()
	env, err := NewEnvelope(testKeyStore(t), "RS256", "A256KW", "A128GCM")
	require.NoError(t, err)
	return env
}

func TestEnvelopeDetachedSignRoundTrip(t *testing.T) {
	env := testEnvelope(t)
	payload := []byte(`{"actNumber":"1234567890","curr":"VND"}`)

	sig, err := env.SignDetached(payload)
	require.NoError(t, err)

	// Detached serialization has an empty payload segment.
	parts := strings.Split(sig, ".")
	require.Len(t, parts, 3)
	assert.Empty(t, parts[1])

	require.NoError(t, env.VerifyDetached(sig, payload))
}

func TestEnvelopeDetachedSignRejectsModifiedPayload(t *testing.T) {
	env := testEnvelope(t)
	payload := []byte(`{"actNumber":"1234567890"}`)

	sig, err := env.SignDetached(payload)
	require.NoError(t, err)

	err = env.VerifyDetached(sig, []byte(`{"actNumber":"9999999999"}`))
	require.Error(t, err)

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "envelope.verify", cerr.Op)
}

func TestEnvelopeEncryptDecryptRoundTrip(t *testing.T) {
	env := testEnvelope(t)
	payload := []byte(`{"result":"success","totalRecords":2}`)

	token, err := env.Encrypt(payload)
	require.NoError(t, err)
	assert.Contains(t, token, `"ciphertext"`)

	plain, err := env.VerifyAndDecrypt(token)
	require.NoError(t, err)
	assert.Equal(t, payload, plain)
}

func TestEnvelopeNestedSignThenEncrypt(t *testing.T) {
	env := testEnvelope(t)
	payload := []byte(`{"result":"success"}`)

	jws, err := env.Sign(payload)
	require.NoError(t, err)
	token, err := env.Encrypt([]byte(jws))
	require.NoError(t, err)

	plain, err := env.VerifyAndDecrypt(token)
	require.NoError(t, err)
	assert.Equal(t, payload, plain)
}

func TestEnvelopeDecryptRejectsTamperedCiphertext(t *testing.T) {
	env := testEnvelope(t)

	token, err := env.Encrypt([]byte(`{"result":"success"}`))
	require.NoError(t, err)

	// Flip one character inside the ciphertext member.
	i := strings.Index(token, `"ciphertext":"`) + len(`"ciphertext":"`)
	tampered := token[:i] + flip(token[i]) + token[i+1:]

	_, err = env.VerifyAndDecrypt(tampered)
	require.Error(t, err)

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "envelope.decrypt", cerr.Op)
}

func flip(b byte) string {
	if b == 'A' {
		return "B"
	}
	return "A"
}

func TestEnvelopePassesThroughPlaintext(t *testing.T) {
	env := testEnvelope(t)

	plain, err := env.VerifyAndDecrypt(`{"result":"success"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":"success"}`, string(plain))
}

func TestEnvelopeEncryptedModeRejectsPlaintext(t *testing.T) {
	env := testEnvelope(t)

	_, err := env.VerifyAndDecryptEncrypted(`{"result":"success"}`)
	require.Error(t, err)

	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "envelope.decrypt", cerr.Op)
}

func TestEnvelopeEncryptedModeAcceptsJWE(t *testing.T) {
	env := testEnvelope(t)
	payload := []byte(`{"result":"success"}`)

	token, err := env.Encrypt(payload)
	require.NoError(t, err)

	plain, err := env.VerifyAndDecryptEncrypted(token)
	require.NoError(t, err)
	assert.Equal(t, payload, plain)
}

func TestNewEnvelopeRejectsUnsupportedAlgorithms(t *testing.T) {
	ks := testKeyStore(t)

	cases := []struct {
		name string
		jws  string
		jwe  string
		enc  string
	}{
		{"none signature", "none", "A256KW", "A128GCM"},
		{"HMAC signature", "HS256", "A256KW", "A128GCM"},
		{"direct encryption", "RS256", "dir", "A128GCM"},
		{"CBC content encryption", "RS256", "A256KW", "A128CBC-HS256"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEnvelope(ks, tc.jws, tc.jwe, tc.enc)
			require.Error(t, err)
		})
	}
}

func TestNewEnvelopeRequiresSymmetricKeyForKW(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ks, err := NewKeyStore(priv, nil, nil, &priv.PublicKey)
	require.NoError(t, err)

	_, err = NewEnvelope(ks, "RS256", "A256KW", "A128GCM")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symmetric key")
}

func TestNewKeyStoreRejectsBadSymmetricLength(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, err = NewKeyStore(priv, nil, make([]byte, 17), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid key length")
}
