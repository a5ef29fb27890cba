package pki

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
)

// FolderLoader returns a List.Loader reading DER (or PEM) certificates from
// trustDir and issuerDir and revocation lists from crlDir, re-reading the
// directories on every Validate call. Empty directory arguments
// contribute nothing; unreadable individual files are skipped so one stray
// file cannot take certificate validation down with it.
func FolderLoader(trustDir, issuerDir, crlDir string) func() ([][]byte, [][]byte, []*x509.RevocationList, error) {
	return func() ([][]byte, [][]byte, []*x509.RevocationList, error) {
		trust, err := readCertDir(trustDir)
		if err != nil {
			return nil, nil, nil, err
		}
		issuers, err := readCertDir(issuerDir)
		if err != nil {
			return nil, nil, nil, err
		}
		crls, err := readCRLDir(crlDir)
		if err != nil {
			return nil, nil, nil, err
		}
		return trust, issuers, crls, nil
	}
}

func readCertDir(dir string) ([][]byte, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		der := raw
		if block, _ := pem.Decode(raw); block != nil {
			der = block.Bytes
		}
		if _, err := x509.ParseCertificate(der); err != nil {
			continue
		}
		out = append(out, der)
	}
	return out, nil
}

func readCRLDir(dir string) ([]*x509.RevocationList, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []*x509.RevocationList
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		der := raw
		if block, _ := pem.Decode(raw); block != nil {
			der = block.Bytes
		}
		crl, err := x509.ParseRevocationList(der)
		if err != nil {
			continue
		}
		out = append(out, crl)
	}
	return out, nil
}
