package attestation

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/enclave-secure-channel/interfaces"
)

// Quote statuses reported by authorities.
const (
	QuoteStatusOK                  = "OK"
	QuoteStatusGroupOutOfDate      = "GROUP_OUT_OF_DATE"
	QuoteStatusConfigurationNeeded = "CONFIGURATION_NEEDED"
	QuoteStatusSignatureInvalid    = "SIGNATURE_INVALID"
)

var ErrReportSignature = errors.New("authority report signature invalid")

// ReportBody is the JSON document an authority issues for a quote.
type ReportBody struct {
	ID          string `json:"id"`
	Timestamp   string `json:"timestamp"`
	Version     int    `json:"version"`
	QuoteStatus string `json:"isvEnclaveQuoteStatus"`
	QuoteBody   []byte `json:"isvEnclaveQuoteBody"`

	// Nonce is the hex encoded nonce submitted with the quote.
	Nonce string `json:"nonce"`

	// Mock marks reports produced without a hardware root of trust.
	Mock bool `json:"mock,omitempty"`
}

// VerifiedReport is an authority report whose body was decoded and whose
// signature was checked against the configured trust roots.
type VerifiedReport struct {
	Body  ReportBody
	Quote *Quote
	Raw   *interfaces.AuthorityReport
}

const timestampLayout = "2006-01-02T15:04:05.000000"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// verifyReportSignature checks that the report body was signed by the leaf of
// the certificate chain and that the chain verifies against roots.
func verifyReportSignature(report *interfaces.AuthorityReport, roots *x509.CertPool, now time.Time) error {
	if len(report.Signature) == 0 {
		return fmt.Errorf("%w: missing signature", ErrReportSignature)
	}

	certs, err := parseCertificateChain(report.CertificateChain)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReportSignature, err)
	}

	leaf := certs[0]
	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return fmt.Errorf("%w: certificate chain: %v", ErrReportSignature, err)
	}

	var algo x509.SignatureAlgorithm
	switch leaf.PublicKeyAlgorithm {
	case x509.RSA:
		algo = x509.SHA256WithRSA
	case x509.ECDSA:
		algo = x509.ECDSAWithSHA256
	default:
		return fmt.Errorf("%w: unsupported key algorithm %s", ErrReportSignature, leaf.PublicKeyAlgorithm)
	}

	if err := leaf.CheckSignature(algo, report.Body, report.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrReportSignature, err)
	}
	return nil
}

func parseCertificateChain(chain []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := chain
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("empty certificate chain")
	}
	return certs, nil
}
