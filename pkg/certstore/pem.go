package certstore

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
)

const certEndMarker = "-----END CERTIFICATE-----"

// SplitChain splits a PEM bundle into one byte slice per certificate,
// preserving the original text of each block. Non-certificate PEM
// blocks and leading/trailing junk are dropped.
func SplitChain(chainPEM []byte) [][]byte {
	var blocks [][]byte
	text := string(chainPEM)
	for {
		idx := strings.Index(text, certEndMarker)
		if idx < 0 {
			break
		}
		block := text[:idx+len(certEndMarker)]
		text = text[idx+len(certEndMarker):]

		start := strings.Index(block, "-----BEGIN CERTIFICATE-----")
		if start < 0 {
			continue
		}
		blocks = append(blocks, []byte(strings.TrimSpace(block[start:])+"\n"))
	}
	return blocks
}

// JoinChain concatenates certificate blocks back into one PEM bundle.
func JoinChain(blocks [][]byte) []byte {
	var buf bytes.Buffer
	for _, b := range blocks {
		buf.Write(bytes.TrimSpace(b))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// NormalizePEM trims surrounding whitespace and normalizes line
// endings so equal certificates compare equal regardless of transport
// formatting.
func NormalizePEM(pemText string) string {
	pemText = strings.ReplaceAll(pemText, "\r\n", "\n")
	return strings.TrimSpace(pemText)
}

// ParseFirstCertificate parses the first CERTIFICATE block of a PEM
// bundle.
func ParseFirstCertificate(pemData []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			return nil, fmt.Errorf("no certificate PEM block found")
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}
		return cert, nil
	}
}

// ExtractCSRBlocks pulls the CSR and, when present, the private key
// out of an operator-supplied PEM blob. The CSR block is required; the
// key block is optional.
func ExtractCSRBlocks(pemText string) (csrPEM, keyPEM []byte, err error) {
	rest := []byte(pemText)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch {
		case block.Type == "CERTIFICATE REQUEST" || block.Type == "NEW CERTIFICATE REQUEST":
			csrPEM = pem.EncodeToMemory(block)
		case strings.HasSuffix(block.Type, "PRIVATE KEY"):
			keyPEM = pem.EncodeToMemory(block)
		}
	}
	if csrPEM == nil {
		return nil, nil, fmt.Errorf("no CERTIFICATE REQUEST block found")
	}
	return csrPEM, keyPEM, nil
}

// DecodeCSR returns the DER bytes of a PEM-encoded CSR after checking
// that it parses as a certificate request.
func DecodeCSR(csrPEM []byte) ([]byte, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil || !strings.Contains(block.Type, "CERTIFICATE REQUEST") {
		return nil, fmt.Errorf("no CERTIFICATE REQUEST block found")
	}
	if _, err := x509.ParseCertificateRequest(block.Bytes); err != nil {
		return nil, fmt.Errorf("parsing certificate request: %w", err)
	}
	return block.Bytes, nil
}
