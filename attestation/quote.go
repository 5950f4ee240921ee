package attestation

import (
	"encoding/binary"
	"errors"
	"fmt"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/ruteri/enclave-secure-channel/interfaces"
)

// TEE types reported by the quote header.
const (
	TEETypeSGX = "sgx"
	TEETypeTDX = "tdx"
)

const (
	sgxQuoteBodySize     = 432
	sgxMREnclaveOffset   = 112
	sgxMRSignerOffset    = 176
	sgxISVSVNOffset      = 306
	sgxReportDataOffset  = 368
	tdxQuoteVersion      = 4
	tdxTEEType           = 0x81
	quoteHeaderPrefixLen = 8
)

var ErrQuoteMalformed = errors.New("malformed quote")

// Quote is the subset of an enclave quote the channel relies on.
type Quote struct {
	TEEType string

	// Measurement is MRENCLAVE for SGX and MRTD for TDX.
	Measurement []byte

	// Signer is MRSIGNER for SGX; empty for TDX.
	Signer []byte

	SVN        uint16
	ReportData [interfaces.ReportDataSize]byte

	// Body is the portion of the quote an authority reports back, the
	// 432-byte report body for SGX and the whole quote for TDX.
	Body []byte
}

// ParseQuote parses either an SGX quote (EPID or DCAP v3 layout) or a TDX v4 quote.
func ParseQuote(raw []byte) (*Quote, error) {
	if len(raw) >= quoteHeaderPrefixLen &&
		binary.LittleEndian.Uint16(raw[0:2]) == tdxQuoteVersion &&
		binary.LittleEndian.Uint32(raw[4:8]) == tdxTEEType {
		return parseTDXQuote(raw)
	}
	return parseSGXQuote(raw)
}

func parseSGXQuote(raw []byte) (*Quote, error) {
	if len(raw) < sgxQuoteBodySize {
		return nil, fmt.Errorf("%w: quote too short: minimum %d bytes required", ErrQuoteMalformed, sgxQuoteBodySize)
	}

	q := &Quote{
		TEEType:     TEETypeSGX,
		Measurement: append([]byte(nil), raw[sgxMREnclaveOffset:sgxMREnclaveOffset+32]...),
		Signer:      append([]byte(nil), raw[sgxMRSignerOffset:sgxMRSignerOffset+32]...),
		SVN:         binary.LittleEndian.Uint16(raw[sgxISVSVNOffset : sgxISVSVNOffset+2]),
		Body:        append([]byte(nil), raw[:sgxQuoteBodySize]...),
	}
	copy(q.ReportData[:], raw[sgxReportDataOffset:sgxReportDataOffset+interfaces.ReportDataSize])
	return q, nil
}

func parseTDXQuote(raw []byte) (*Quote, error) {
	protoQuote, err := tdx_abi.QuoteToProto(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: could not parse quote: %v", ErrQuoteMalformed, err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported quote type: %T", ErrQuoteMalformed, protoQuote)
	}

	body := v4Quote.GetTdQuoteBody()
	if len(body.GetReportData()) != interfaces.ReportDataSize {
		return nil, fmt.Errorf("%w: invalid report data length %d", ErrQuoteMalformed, len(body.GetReportData()))
	}

	q := &Quote{
		TEEType:     TEETypeTDX,
		Measurement: append([]byte(nil), body.GetMrTd()...),
		Body:        append([]byte(nil), raw...),
	}
	copy(q.ReportData[:], body.GetReportData())
	return q, nil
}

// ReportData lays out the quote user data as context (16) || public key (32) || nonce (16).
func ReportData(actx interfaces.AttestationContext, key interfaces.PublicKey, nonce interfaces.QuoteNonce) [interfaces.ReportDataSize]byte {
	var data [interfaces.ReportDataSize]byte
	copy(data[0:16], actx[:])
	copy(data[16:48], key[:])
	copy(data[48:64], nonce[:])
	return data
}

// SplitReportData is the inverse of ReportData.
func SplitReportData(data [interfaces.ReportDataSize]byte) (interfaces.AttestationContext, interfaces.PublicKey, interfaces.QuoteNonce) {
	var (
		actx  interfaces.AttestationContext
		key   interfaces.PublicKey
		nonce interfaces.QuoteNonce
	)
	copy(actx[:], data[0:16])
	copy(key[:], data[16:48])
	copy(nonce[:], data[48:64])
	return actx, key, nonce
}
