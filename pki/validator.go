// Package pki implements the certificate chain validator: a depth-first
// chain walk from a leaf certificate to a trusted anchor over
// caller-supplied trust/issuer/revocation lists, built on stdlib
// crypto/x509 for the primitive parse/verify/revocation operations. The
// custom walk exists because OPC UA's error-code precedence is not
// expressible through x509.Certificate.Verify.
package pki

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"time"

	"github.com/fenwick-automation/opcuacore/status"
)

// MaxChainDepth bounds the DFS chain walk.
const MaxChainDepth = 10

// List holds the three inputs the validator consumes: trust anchors,
// intermediate issuers, and revocation entries (CRLs). A List can be backed
// either by explicit in-memory byte strings or reloaded from folders on each
// Validate call.
type List struct {
	TrustAnchors [][]byte // DER-encoded trusted certificates, including self-signed roots
	Issuers      [][]byte // DER-encoded intermediate issuer certificates
	CRLs         []*x509.RevocationList

	// Loader, if set, is invoked at the start of every Validate call and
	// replaces TrustAnchors/Issuers/CRLs with its return value, implementing
	// the folder-reload behavior without this package knowing
	// anything about a filesystem layout.
	Loader func() (trust [][]byte, issuers [][]byte, crls []*x509.RevocationList, err error)
}

func (l *List) reload() error {
	if l.Loader == nil {
		return nil
	}
	trust, issuers, crls, err := l.Loader()
	if err != nil {
		return err
	}
	l.TrustAnchors, l.Issuers, l.CRLs = trust, issuers, crls
	return nil
}

// Validator checks a leaf certificate (and optional supplied chain) against
// a List.
type Validator struct {
	List List
	Now  func() time.Time // defaults to time.Now; overridable for tests
}

// NewValidator returns a Validator bound to list.
func NewValidator(list List) *Validator {
	return &Validator{List: list, Now: time.Now}
}

// Validate runs the chain algorithm against leafDER (and any chain
// certificates supplied alongside it) and returns status.Good, or the most
// specific Bad* code among sibling candidates.
func (v *Validator) Validate(leafDER []byte, suppliedChain [][]byte) status.Code {
	if err := v.List.reload(); err != nil {
		return status.BadCertificateInvalid
	}

	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return status.BadCertificateInvalid
	}

	if code := v.checkLeafUsage(leaf); code != status.Good {
		return code
	}

	candidates := v.candidatePool(suppliedChain)

	now := v.now()
	visited := make(map[string]bool)
	code, ok := v.walk(leaf, candidates, visited, now, 0, true)
	if !ok {
		return status.BadCertificateChainIncomplete
	}
	return code
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// checkLeafUsage rejects a leaf that is itself a CA certificate: if
// keyCertSign and cRLSign are both set, the cert is a CA and cannot be a
// peer leaf.
func (v *Validator) checkLeafUsage(leaf *x509.Certificate) status.Code {
	const caUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	if leaf.KeyUsage&caUsage == caUsage {
		return status.BadCertificateUseNotAllowed
	}
	return status.Good
}

// candidatePool merges the caller-supplied chain certificates, the
// configured issuer list and the trust anchors into one parsed candidate
// set for the walk.
func (v *Validator) candidatePool(suppliedChain [][]byte) []*x509.Certificate {
	var out []*x509.Certificate
	for _, der := range suppliedChain {
		if c, err := x509.ParseCertificate(der); err == nil {
			out = append(out, c)
		}
	}
	for _, der := range v.List.Issuers {
		if c, err := x509.ParseCertificate(der); err == nil {
			out = append(out, c)
		}
	}
	for _, der := range v.List.TrustAnchors {
		if c, err := x509.ParseCertificate(der); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// walk implements the depth-first chain algorithm: at each step,
// choose the next candidate issuer whose subject equals the current
// certificate's issuer DN, whose public-key algorithm matches the signature
// algorithm, and whose signature verifies. A self-signed certificate
// terminates the chain. The chain is trusted iff any certificate on the
// path, including a self-signed root, byte-equals a trust anchor entry.
// Cycles (a revisited issuer subject) return chain-incomplete. Among
// sibling candidates the most specific error wins, meaning a concrete
// Bad* verdict is preferred over falling through to incomplete.
func (v *Validator) walk(cert *x509.Certificate, candidates []*x509.Certificate, visited map[string]bool, now time.Time, depth int, isLeaf bool) (status.Code, bool) {
	if depth >= MaxChainDepth {
		return status.BadCertificateChainIncomplete, true
	}

	key := cert.Subject.String() + "|" + string(cert.RawSubjectPublicKeyInfo)
	if visited[key] {
		return status.BadCertificateChainIncomplete, true
	}
	visited[key] = true

	if code := v.checkValidityAndRevocation(cert, now, isLeaf); code != status.Good {
		return code, true
	}

	isSelfSigned := bytesEqualName(cert.RawIssuer, cert.RawSubject) && selfSignatureValid(cert)
	if isSelfSigned {
		if v.isTrustAnchor(cert) {
			return status.Good, true
		}
		return status.BadCertificateUntrusted, true
	}

	if v.isTrustAnchor(cert) {
		return status.Good, true
	}

	var best status.Code
	haveBest := false
	for _, issuer := range candidates {
		if !bytesEqualName(cert.RawIssuer, issuer.RawSubject) {
			continue
		}
		if cert.SignatureAlgorithm.String() == "" {
			continue
		}
		if err := cert.CheckSignatureFrom(issuer); err != nil {
			continue
		}
		code, ok := v.walk(issuer, candidates, visited, now, depth+1, false)
		if !ok {
			continue
		}
		if !haveBest || moreSpecific(code, best) {
			best, haveBest = code, true
		}
		if code == status.Good {
			return status.Good, true
		}
	}
	if haveBest {
		return best, true
	}
	return status.BadCertificateChainIncomplete, false
}

// moreSpecific reports whether a should take precedence over b when both
// are candidate verdicts for sibling paths. BadCertificateChainIncomplete is the least specific verdict;
// any concrete Bad* code beats it.
func moreSpecific(a, b status.Code) bool {
	if b == status.BadCertificateChainIncomplete && a != status.BadCertificateChainIncomplete {
		return true
	}
	return false
}

func (v *Validator) checkValidityAndRevocation(cert *x509.Certificate, now time.Time, isLeaf bool) status.Code {
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		if isLeaf {
			return status.BadCertificateTimeInvalid
		}
		return status.BadCertificateIssuerTimeInvalid
	}
	if v.isRevoked(cert) {
		if isLeaf {
			return status.BadCertificateRevoked
		}
		return status.BadCertificateIssuerRevoked
	}
	return status.Good
}

func (v *Validator) isRevoked(cert *x509.Certificate) bool {
	for _, crl := range v.List.CRLs {
		if !bytesEqualName(crl.RawIssuer, cert.RawIssuer) && !issuerMatches(crl.Issuer.ToRDNSequence(), cert) {
			continue
		}
		for _, rc := range crl.RevokedCertificateEntries {
			if rc.SerialNumber != nil && cert.SerialNumber != nil && rc.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return true
			}
		}
	}
	return false
}

func issuerMatches(name pkix.RDNSequence, cert *x509.Certificate) bool {
	var dn pkix.Name
	dn.FillFromRDNSequence(&name)
	return dn.String() == cert.Issuer.String()
}

func (v *Validator) isTrustAnchor(cert *x509.Certificate) bool {
	for _, der := range v.List.TrustAnchors {
		if bytes.Equal(der, cert.Raw) {
			return true
		}
	}
	return false
}

func bytesEqualName(a, b []byte) bool { return bytes.Equal(a, b) }

func selfSignatureValid(cert *x509.Certificate) bool {
	return cert.CheckSignatureFrom(cert) == nil
}

// ApplicationURI extracts the ApplicationUri a leaf certificate asserts in
// its subjectAltName URI entry, for comparison against an endpoint's
// configured ApplicationUri.
func ApplicationURI(leaf *x509.Certificate) (string, bool) {
	for _, uri := range leaf.URIs {
		return uri.String(), true
	}
	return "", false
}

// CheckApplicationURI returns BadCertificateUriInvalid if leaf's
// subjectAltName does not contain wantURI.
func CheckApplicationURI(leaf *x509.Certificate, wantURI string) status.Code {
	for _, uri := range leaf.URIs {
		if uri.String() == wantURI {
			return status.Good
		}
	}
	return status.BadCertificateUriInvalid
}
