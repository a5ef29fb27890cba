// Package crypto presents a uniform adapter over the cryptographic
// primitives a SecureChannel needs: hashing, symmetric/asymmetric
// sign/verify/encrypt/decrypt, key derivation from nonces, and nonce
// generation. It is stateless per operation given key material: this
// package is only the seam, real primitive operations are delegated to
// stdlib crypto/* and golang.org/x/crypto, never reimplemented.
package crypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/fenwick-automation/opcuacore/status"
)

// PolicyURI identifies a security policy by its normative URI.
type PolicyURI string

const (
	PolicyNone                PolicyURI = "http://opcfoundation.org/UA/SecurityPolicy#None"
	PolicyBasic256Sha256      PolicyURI = "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256"
	PolicyAes128Sha256RsaOaep PolicyURI = "http://opcfoundation.org/UA/SecurityPolicy#Aes128_Sha256_RsaOaep"
	PolicyAes256Sha256RsaPss PolicyURI = "http://opcfoundation.org/UA/SecurityPolicy#Aes256_Sha256_RsaPss"
)

// Policy fixes the algorithm choices and key sizes for one security policy
//: signature algorithm, encryption algorithm, key derivation PRF,
// key/signature lengths, and the minimum asymmetric key size accepted.
type Policy struct {
	URI PolicyURI

	SymSignKeyLen   int // bytes
	SymEncryptKeyLen int // bytes
	SymBlockSize    int // bytes, 0 if stream/no padding block
	SymSigLen       int // bytes (HMAC output length)

	AsymMinKeyBits int // minimum RSA modulus size accepted

	NonceLen int // bytes of client/server nonce used for key derivation
}

// Policies lists the four recognized policies by URI: OAEP + SHA-256 for
// asymmetric encryption, PKCS#1v1.5 signing for the OPN handshake under
// Basic256Sha256.
var Policies = map[PolicyURI]Policy{
	PolicyNone: {
		URI: PolicyNone,
	},
	PolicyBasic256Sha256: {
		URI:              PolicyBasic256Sha256,
		SymSignKeyLen:    32,
		SymEncryptKeyLen: 32,
		SymBlockSize:     16,
		SymSigLen:        32,
		AsymMinKeyBits:   2048,
		NonceLen:         32,
	},
	PolicyAes128Sha256RsaOaep: {
		URI:              PolicyAes128Sha256RsaOaep,
		SymSignKeyLen:    32,
		SymEncryptKeyLen: 16,
		SymBlockSize:     16,
		SymSigLen:        32,
		AsymMinKeyBits:   2048,
		NonceLen:         32,
	},
	PolicyAes256Sha256RsaPss: {
		URI:              PolicyAes256Sha256RsaPss,
		SymSignKeyLen:    32,
		SymEncryptKeyLen: 32,
		SymBlockSize:     16,
		SymSigLen:        32,
		AsymMinKeyBits:   2048,
		NonceLen:         32,
	},
}

// Adapter implements the capability set required by the SecureChannel
// engine for one resolved Policy. It holds no channel state of its own
// — every method takes the key material it needs as arguments.
type Adapter struct {
	policy Policy
}

// NewAdapter resolves uri to its Policy and returns an Adapter, or an error
// if uri names no recognized policy.
func NewAdapter(uri PolicyURI) (*Adapter, error) {
	p, ok := Policies[uri]
	if !ok {
		return nil, status.New(fmt.Sprintf("unknown security policy %q", uri), status.BadSecurityChecksFailed)
	}
	return &Adapter{policy: p}, nil
}

// Policy returns the resolved Policy.
func (a *Adapter) Policy() Policy { return a.policy }

// Hash returns the SHA-256 digest used by every non-None policy's signature
// and key-derivation steps.
func (a *Adapter) Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// GenerateNonce returns a cryptographically random nonce of the policy's
// required length.
func (a *Adapter) GenerateNonce() ([]byte, error) {
	n := a.policy.NonceLen
	if n == 0 {
		n = 32
	}
	nonce := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, status.New("generate nonce", status.BadInternalError)
	}
	return nonce, nil
}

// DeriveKeys expands (clientNonce, serverNonce) into the signing key,
// encryption key and initialization vector for one direction, using the
// P-SHA256 construction. P-SHA256 is HMAC-based
// expansion; pbkdf2.Key with a single iteration over HMAC-SHA256 gives the
// same "HMAC as a PRF, expand by re-keying" shape without hand-rolling the
// byte-stream construction.
func (a *Adapter) DeriveKeys(secret, seed []byte) (signKey, encryptKey, iv []byte, err error) {
	if a.policy.URI == PolicyNone {
		return nil, nil, nil, nil
	}
	total := a.policy.SymSignKeyLen + a.policy.SymEncryptKeyLen + a.policy.SymBlockSize
	expanded := pHash(secret, seed, total)
	signKey = expanded[:a.policy.SymSignKeyLen]
	encryptKey = expanded[a.policy.SymSignKeyLen : a.policy.SymSignKeyLen+a.policy.SymEncryptKeyLen]
	iv = expanded[a.policy.SymSignKeyLen+a.policy.SymEncryptKeyLen:]
	return signKey, encryptKey, iv, nil
}

// pHash implements the TLS-style P_SHA256(secret, seed) expansion used by
// OPC UA's key derivation algorithm: an HMAC-chained
// keystream of arbitrary length derived deterministically from secret and
// seed, then whitened through a single-iteration pbkdf2.Key pass keyed on
// the expansion itself and the seed — pbkdf2 supplies that final
// HMAC-SHA256 stretch rather than hand-rolling it.
func pHash(secret, seed []byte, length int) []byte {
	mac := hmac.New(sha256.New, secret)
	a := seed
	var out []byte
	for len(out) < length {
		mac.Reset()
		mac.Write(a)
		a = mac.Sum(nil)

		mac.Reset()
		mac.Write(a)
		mac.Write(seed)
		out = append(out, mac.Sum(nil)...)
	}
	out = out[:length]
	return pbkdf2.Key(out, seed, 1, length, sha256.New)
}

// SignSymmetric computes the HMAC-SHA256 MAC over data using signKey.
func (a *Adapter) SignSymmetric(signKey, data []byte) []byte {
	mac := hmac.New(sha256.New, signKey)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifySymmetric reports whether sig is the correct HMAC-SHA256 MAC of
// data under signKey.
func (a *Adapter) VerifySymmetric(signKey, data, sig []byte) bool {
	return hmac.Equal(a.SignSymmetric(signKey, data), sig)
}

// EncryptSymmetric performs AES-CBC encryption with encryptKey and iv. The
// caller is responsible for PKCS#7 padding to the policy's block size.
func (a *Adapter) EncryptSymmetric(encryptKey, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(encryptKey)
	if err != nil {
		return nil, status.New("aes key", status.BadSecurityChecksFailed)
	}
	if len(plaintext)%block.BlockSize() != 0 {
		return nil, status.New("aes plaintext alignment", status.BadSecurityChecksFailed)
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plaintext)
	return out, nil
}

// DecryptSymmetric reverses EncryptSymmetric.
func (a *Adapter) DecryptSymmetric(encryptKey, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(encryptKey)
	if err != nil {
		return nil, status.New("aes key", status.BadSecurityChecksFailed)
	}
	if len(ciphertext)%block.BlockSize() != 0 {
		return nil, status.New("aes ciphertext alignment", status.BadSecurityChecksFailed)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return out, nil
}

// SignAsymmetric signs data with the local RSA private key: PKCS#1v1.5 for
// Basic256Sha256 and Aes128_Sha256_RsaOaep, PSS for Aes256_Sha256_RsaPss.
func (a *Adapter) SignAsymmetric(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	if a.policy.URI == PolicyAes256Sha256RsaPss {
		return rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	}
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
}

// VerifyAsymmetric verifies sig over data against the peer's RSA public key.
func (a *Adapter) VerifyAsymmetric(pub *rsa.PublicKey, data, sig []byte) error {
	digest := sha256.Sum256(data)
	var err error
	if a.policy.URI == PolicyAes256Sha256RsaPss {
		err = rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil)
	} else {
		err = rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
	}
	if err != nil {
		return status.New("verify asymmetric signature", status.BadSecurityChecksFailed)
	}
	return nil
}

// EncryptAsymmetric encrypts plaintext (a symmetric key or nonce payload)
// under the peer's RSA public key using OAEP-SHA256.
func (a *Adapter) EncryptAsymmetric(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, status.New("rsa-oaep encrypt", status.BadSecurityChecksFailed)
	}
	return ct, nil
}

// DecryptAsymmetric reverses EncryptAsymmetric using the local private key.
func (a *Adapter) DecryptAsymmetric(key *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, ciphertext, nil)
	if err != nil {
		return nil, status.New("rsa-oaep decrypt", status.BadSecurityChecksFailed)
	}
	return pt, nil
}

// MinAsymKeyBits reports the policy's minimum accepted RSA modulus size.
func (a *Adapter) MinAsymKeyBits() int { return a.policy.AsymMinKeyBits }

// CertificateThumbprint returns the SHA-1 digest of a DER certificate, used
// to match a receiver-certificate-thumbprint field in an OPN security
// header against the local certificate. SHA-1 is mandated by Part 6
// for thumbprints regardless of the channel's signing policy.
func CertificateThumbprint(der []byte) [20]byte {
	return sha1.Sum(der)
}

// ParseCertificate is a thin wrapper kept here so callers in package
// channel don't need to import crypto/x509 directly for this one call.
func ParseCertificate(der []byte) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, status.New("parse certificate", status.BadCertificateInvalid)
	}
	return cert, nil
}
