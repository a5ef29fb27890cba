package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAdapterRejectsUnknownPolicy(t *testing.T) {
	_, err := NewAdapter("http://example.com/not-a-policy")
	assert.Error(t, err)
}

func TestGenerateNonceHasPolicyLength(t *testing.T) {
	a, err := NewAdapter(PolicyBasic256Sha256)
	require.NoError(t, err)
	nonce, err := a.GenerateNonce()
	require.NoError(t, err)
	assert.Len(t, nonce, 32)
}

func TestDeriveKeysIsDeterministicAndSized(t *testing.T) {
	a, err := NewAdapter(PolicyAes128Sha256RsaOaep)
	require.NoError(t, err)

	secret := []byte("client-nonce-bytes-0123456789ab")
	seed := []byte("server-nonce-bytes-0123456789ab")

	sign1, enc1, iv1, err := a.DeriveKeys(secret, seed)
	require.NoError(t, err)
	assert.Len(t, sign1, 32)
	assert.Len(t, enc1, 16)
	assert.Len(t, iv1, 16)

	sign2, enc2, iv2, err := a.DeriveKeys(secret, seed)
	require.NoError(t, err)
	assert.Equal(t, sign1, sign2)
	assert.Equal(t, enc1, enc2)
	assert.Equal(t, iv1, iv2)
}

func TestDeriveKeysNoneIsNoop(t *testing.T) {
	a, err := NewAdapter(PolicyNone)
	require.NoError(t, err)
	sign, enc, iv, err := a.DeriveKeys([]byte("x"), []byte("y"))
	require.NoError(t, err)
	assert.Nil(t, sign)
	assert.Nil(t, enc)
	assert.Nil(t, iv)
}

func TestSymmetricSignVerifyRoundTrip(t *testing.T) {
	a, err := NewAdapter(PolicyBasic256Sha256)
	require.NoError(t, err)

	key := make([]byte, 32)
	data := []byte("the quick brown fox")
	sig := a.SignSymmetric(key, data)
	assert.True(t, a.VerifySymmetric(key, data, sig))
	assert.False(t, a.VerifySymmetric(key, append(data, 'x'), sig))
}

func TestSymmetricEncryptDecryptRoundTrip(t *testing.T) {
	a, err := NewAdapter(PolicyBasic256Sha256)
	require.NoError(t, err)

	key := make([]byte, 32)
	iv := make([]byte, 16)
	plaintext := make([]byte, 32) // must be block-aligned
	for i := range plaintext {
		plaintext[i] = byte(i)
	}

	ct, err := a.EncryptSymmetric(key, iv, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ct)

	pt, err := a.DecryptSymmetric(key, iv, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestSymmetricEncryptRejectsUnalignedPlaintext(t *testing.T) {
	a, err := NewAdapter(PolicyBasic256Sha256)
	require.NoError(t, err)
	_, err = a.EncryptSymmetric(make([]byte, 32), make([]byte, 16), make([]byte, 17))
	assert.Error(t, err)
}

func TestAsymmetricSignVerifyRoundTripPKCS1(t *testing.T) {
	a, err := NewAdapter(PolicyBasic256Sha256)
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	data := []byte("open secure channel request")
	sig, err := a.SignAsymmetric(key, data)
	require.NoError(t, err)
	assert.NoError(t, a.VerifyAsymmetric(&key.PublicKey, data, sig))
	assert.Error(t, a.VerifyAsymmetric(&key.PublicKey, append(data, '!'), sig))
}

func TestAsymmetricSignVerifyRoundTripPSS(t *testing.T) {
	a, err := NewAdapter(PolicyAes256Sha256RsaPss)
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	data := []byte("open secure channel request")
	sig, err := a.SignAsymmetric(key, data)
	require.NoError(t, err)
	assert.NoError(t, a.VerifyAsymmetric(&key.PublicKey, data, sig))
}

func TestAsymmetricEncryptDecryptRoundTrip(t *testing.T) {
	a, err := NewAdapter(PolicyAes128Sha256RsaOaep)
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	plaintext := []byte("a symmetric key of some kind")
	ct, err := a.EncryptAsymmetric(&key.PublicKey, plaintext)
	require.NoError(t, err)

	pt, err := a.DecryptAsymmetric(key, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestCertificateThumbprintIsDeterministic(t *testing.T) {
	der := []byte("not a real certificate but deterministic bytes")
	a := CertificateThumbprint(der)
	b := CertificateThumbprint(der)
	assert.Equal(t, a, b)
}

func TestMinAsymKeyBits(t *testing.T) {
	a, err := NewAdapter(PolicyBasic256Sha256)
	require.NoError(t, err)
	assert.Equal(t, 2048, a.MinAsymKeyBits())
}
