package flags

import (
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/ruteri/enclave-secure-channel/api/attestationproxy"
	"github.com/ruteri/enclave-secure-channel/attestation"
	"github.com/ruteri/enclave-secure-channel/interfaces"
	"github.com/urfave/cli/v2"
)

var QuoteProviderFlag = &cli.StringFlag{
	Name:     "quote-provider",
	Value:    "mock",
	Usage:    "quote provider: 'mock', 'dcap' or 'remote'",
	Category: categoryAttestation,
}

var RemoteQuoteProviderFlag = &cli.StringFlag{
	Name:     "remote-quote-provider",
	Usage:    "address of the quote helper used with --quote-provider=remote",
	Category: categoryAttestation,
}

var MockMeasurementFlag = &cli.StringFlag{
	Name:     "mock-measurement",
	Value:    "0000000000000000000000000000000000000000000000000000000000000000",
	Usage:    "hex-encoded measurement reported by the mock quote provider",
	Category: categoryAttestation,
}

var AuthorityFlag = &cli.StringFlag{
	Name:     "authority",
	Value:    "mock",
	Usage:    "attestation authority: 'mock', 'ias', 'dcap' or 'proxy'",
	Category: categoryAttestation,
}

var AuthorityURLFlag = &cli.StringFlag{
	Name:     "authority-url",
	Usage:    "base URL of the attestation proxy (--authority=proxy) or an IAS endpoint override",
	Category: categoryAttestation,
}

var IASSubscriptionKeyFlag = &cli.StringFlag{
	Name:     "ias-subscription-key",
	EnvVars:  []string{"IAS_SUBSCRIPTION_KEY"},
	Usage:    "Intel Attestation Service subscription key",
	Category: categoryAttestation,
}

var IASSPIDFlag = &cli.StringFlag{
	Name:     "ias-spid",
	Usage:    "hex-encoded service provider ID registered with IAS",
	Category: categoryAttestation,
}

var IASReleaseFlag = &cli.BoolFlag{
	Name:     "ias-release",
	Usage:    "use the production IAS endpoint",
	Category: categoryAttestation,
}

var TrustRootsFlag = &cli.StringFlag{
	Name:     "trust-roots",
	Usage:    "PEM file with certificates that sign authority reports",
	Category: categoryAttestation,
}

var AllowedMeasurementsFlag = &cli.StringSliceFlag{
	Name:     "allowed-measurement",
	Usage:    "hex-encoded peer measurement to accept, can be repeated",
	Category: categoryAttestation,
}

var AllowMockFlag = &cli.BoolFlag{
	Name:     "allow-mock",
	Usage:    "accept reports from mock authorities",
	Category: categoryAttestation,
}

var AttestationFlags = []cli.Flag{
	QuoteProviderFlag,
	RemoteQuoteProviderFlag,
	MockMeasurementFlag,
	AuthorityFlag,
	AuthorityURLFlag,
	IASSubscriptionKeyFlag,
	IASSPIDFlag,
	IASReleaseFlag,
	TrustRootsFlag,
	AllowedMeasurementsFlag,
	AllowMockFlag,
}

// SetupAuthority builds the attestation authority selected by the flags. The
// returned config carries the authority and how its reports are trusted;
// callers add the quote provider and logger.
//
// Reports from 'ias' and 'proxy' cross an untrusted network or host and are
// only accepted with --trust-roots. Reports from 'dcap' are produced in
// process and carry no signature.
func SetupAuthority(cCtx *cli.Context, logger *slog.Logger) (attestation.Config, error) {
	roots, err := loadTrustRoots(cCtx.String(TrustRootsFlag.Name))
	if err != nil {
		return attestation.Config{}, err
	}

	switch authorityType := cCtx.String(AuthorityFlag.Name); authorityType {
	case "mock":
		logger.Warn("Using mock attestation authority")
		authority, err := attestation.NewMockAuthority()
		if err != nil {
			return attestation.Config{}, err
		}
		if roots == nil {
			roots = authority.TrustRoots()
		}
		return attestation.Config{Authority: authority, TrustRoots: roots}, nil
	case "ias":
		if roots == nil {
			return attestation.Config{}, fmt.Errorf("trust-roots is required for the IAS authority")
		}
		spid, err := hex.DecodeString(cCtx.String(IASSPIDFlag.Name))
		if err != nil {
			return attestation.Config{}, fmt.Errorf("invalid ias-spid: %w", err)
		}
		if cCtx.String(IASSubscriptionKeyFlag.Name) == "" {
			return attestation.Config{}, fmt.Errorf("ias-subscription-key is required for the IAS authority")
		}
		authority := attestation.NewIASAuthority(attestation.IASConfig{
			Release:         cCtx.Bool(IASReleaseFlag.Name),
			BaseURL:         cCtx.String(AuthorityURLFlag.Name),
			SubscriptionKey: cCtx.String(IASSubscriptionKeyFlag.Name),
			SPID:            spid,
		})
		return attestation.Config{Authority: authority, TrustRoots: roots}, nil
	case "dcap":
		if roots != nil {
			return attestation.Config{}, fmt.Errorf("trust-roots does not apply to the DCAP authority, its reports are unsigned")
		}
		return attestation.Config{
			Authority:                   attestation.NewDCAPAuthority(),
			InsecureSkipReportSignature: true,
		}, nil
	case "proxy":
		url := cCtx.String(AuthorityURLFlag.Name)
		if url == "" {
			return attestation.Config{}, fmt.Errorf("authority-url is required for the proxy authority")
		}
		if roots == nil {
			return attestation.Config{}, fmt.Errorf("trust-roots is required for the proxy authority")
		}
		return attestation.Config{Authority: attestationproxy.NewClient(url), TrustRoots: roots}, nil
	default:
		return attestation.Config{}, fmt.Errorf("unknown authority type %q", authorityType)
	}
}

// SetupQuoteProvider builds the quote provider selected by the flags.
func SetupQuoteProvider(cCtx *cli.Context, logger *slog.Logger) (interfaces.QuoteProvider, error) {
	switch providerType := cCtx.String(QuoteProviderFlag.Name); providerType {
	case "mock":
		measurement, err := hex.DecodeString(cCtx.String(MockMeasurementFlag.Name))
		if err != nil {
			return nil, fmt.Errorf("invalid mock-measurement: %w", err)
		}
		logger.Warn("Using mock quote provider", "measurement", hex.EncodeToString(measurement))
		return attestation.NewMockQuoteProvider(measurement), nil
	case "dcap":
		return attestation.DCAPQuoteProvider{}, nil
	case "remote":
		addr := cCtx.String(RemoteQuoteProviderFlag.Name)
		if addr == "" {
			return nil, fmt.Errorf("remote-quote-provider is required for the remote quote provider")
		}
		return &attestation.RemoteQuoteProvider{Address: addr}, nil
	default:
		return nil, fmt.Errorf("unknown quote provider %q", providerType)
	}
}

// SetupPolicy builds the measurement policy applied to peer quotes.
func SetupPolicy(cCtx *cli.Context) (attestation.Policy, error) {
	measurements, err := attestation.ParseMeasurements(cCtx.StringSlice(AllowedMeasurementsFlag.Name))
	if err != nil {
		return attestation.Policy{}, fmt.Errorf("invalid allowed-measurement: %w", err)
	}
	return attestation.Policy{
		AllowedMeasurements: measurements,
		AllowMock:           cCtx.Bool(AllowMockFlag.Name),
	}, nil
}

func loadTrustRoots(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust roots: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return roots, nil
}
