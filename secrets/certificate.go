package secrets

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// DecodeTrustAnchor decodes a base64 certificate secret into a PEM bundle.
// A PKCS#12 blob yields its leaf certificate followed by any intermediates;
// the private key is dropped. Anything else is taken as PEM already.
func DecodeTrustAnchor(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}

	if blocks, err := pkcs12.ToPEM(raw, ""); err == nil {
		var certs []*x509.Certificate
		for _, b := range blocks {
			if b.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(b.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse pkcs12 certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		if len(certs) == 0 {
			return nil, errors.New("pkcs12 bundle carries no certificate")
		}

		var buf bytes.Buffer
		for _, cert := range leafFirst(certs) {
			if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
				return nil, err
			}
		}

		return buf.Bytes(), nil
	}

	return raw, nil
}

// leafFirst orders certs as a chain: the certificate that issued none of the
// others, then its issuer, and so on. Certificates off that chain keep their
// relative order at the end.
func leafFirst(certs []*x509.Certificate) []*x509.Certificate {
	issuedOthers := func(c *x509.Certificate) bool {
		for _, o := range certs {
			if o != c && bytes.Equal(o.RawIssuer, c.RawSubject) {
				return true
			}
		}

		return false
	}

	leaf := -1
	for i, c := range certs {
		if !issuedOthers(c) && (leaf < 0 || certs[leaf].IsCA && !c.IsCA) {
			leaf = i
		}
	}
	if leaf < 0 {
		return certs
	}

	used := make([]bool, len(certs))
	ordered := make([]*x509.Certificate, 0, len(certs))
	for cur := leaf; cur >= 0; {
		used[cur] = true
		ordered = append(ordered, certs[cur])
		next := -1
		for i, c := range certs {
			if !used[i] && bytes.Equal(c.RawSubject, certs[cur].RawIssuer) {
				next = i
				break
			}
		}
		cur = next
	}
	for i, c := range certs {
		if !used[i] {
			ordered = append(ordered, c)
		}
	}

	return ordered
}

// ParseCertificates parses every certificate of a PEM bundle.
func ParseCertificates(pemBytes []byte) ([]*x509.Certificate, error) {
	data := pemBytes
	var certs []*x509.Certificate
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			parsed, err := x509.ParseCertificates(block.Bytes)
			if err != nil {
				return nil, err
			}
			certs = append(certs, parsed...)
		}
		data = rest
	}
	if len(certs) == 0 {
		return nil, errors.New("cannot decode pem block")
	}

	return certs, nil
}
