package interfaces

import (
	"encoding/json"
	"fmt"
)

// Internal protocol methods. They are dispatched by the enclave itself and
// cannot be overridden by application handlers.
const (
	MethodChannelInit  = "_channel_init"
	MethodChannelClose = "_channel_close"
	MethodKeyRestore   = "_key_restore"
)

// EndpointRPC is the only endpoint exposed across the enclave boundary.
const EndpointRPC = "rpc"

// StatusCode is the outcome of a dispatched request.
type StatusCode int

const (
	StatusSuccess StatusCode = iota
	StatusError
	StatusErrorSecureChannel
	StatusErrorBadRequest
	StatusErrorMethodNotFound
)

// String returns the wire name of the status.
func (s StatusCode) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusError:
		return "ERROR"
	case StatusErrorSecureChannel:
		return "ERROR_SECURE_CHANNEL"
	case StatusErrorBadRequest:
		return "ERROR_BAD_REQUEST"
	case StatusErrorMethodNotFound:
		return "ERROR_METHOD_NOT_FOUND"
	default:
		return fmt.Sprintf("STATUS_%d", int(s))
	}
}

// CryptoBox is an authenticated ciphertext together with the nonce it was
// sealed under and the sender's public key.
type CryptoBox struct {
	Nonce           Nonce     `json:"nonce"`
	Ciphertext      []byte    `json:"ciphertext"`
	SenderPublicKey PublicKey `json:"sender_public_key"`
}

// PlainRequest is a method invocation. It travels either in the clear
// (handshake and key restore only) or as the plaintext of a CryptoBox.
type PlainRequest struct {
	Method  string `json:"method"`
	Payload []byte `json:"payload"`

	// Signature is an optional secp256k1 signature over the method
	// envelope, see cryptoutils.SignRequest.
	Signature []byte `json:"signature,omitempty"`
}

// PlainResponse is the outcome of a method invocation.
type PlainResponse struct {
	Status  StatusCode `json:"status"`
	Payload []byte     `json:"payload"`
}

// ClientRequest is the envelope crossing the enclave boundary. Exactly one
// field is set.
type ClientRequest struct {
	EncryptedRequest *CryptoBox    `json:"encrypted_request,omitempty"`
	PlainRequest     *PlainRequest `json:"plain_request,omitempty"`
}

// ClientResponse is the envelope returned from the enclave boundary. Exactly
// one field is set.
type ClientResponse struct {
	EncryptedResponse *CryptoBox     `json:"encrypted_response,omitempty"`
	PlainResponse     *PlainResponse `json:"plain_response,omitempty"`
}

// ChannelInitRequest opens a channel. The attestation report is the raw quote
// of a client enclave in mutually attested deployments.
type ChannelInitRequest struct {
	ShortTermPublicKey      PublicKey `json:"short_term_public_key"`
	ClientAttestationReport []byte    `json:"client_attestation_report,omitempty"`
}

// ChannelInitResponse carries the server's quote over its long-term key and
// a box, sealed with that key, holding the server's short-term key.
type ChannelInitResponse struct {
	ContractAttestationReport []byte    `json:"contract_attestation_report"`
	ResponseBox               CryptoBox `json:"response_box"`
}

// ChannelInitResponseBox is the plaintext of ChannelInitResponse.ResponseBox.
type ChannelInitResponseBox struct {
	ShortTermPublicKey PublicKey `json:"short_term_public_key"`
}

type ChannelCloseRequest struct{}

type ChannelCloseResponse struct{}

// KeyRestoreRequest installs a previously sealed long-term keypair.
type KeyRestoreRequest struct {
	SealedKey []byte `json:"sealed_key"`
}

// KeyRestoreResponse reports the public half of the restored keypair.
type KeyRestoreResponse struct {
	PublicKey PublicKey `json:"public_key"`
}

// Encode serializes a wire message.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return data, nil
}

// Decode deserializes a wire message. Any failure wraps ErrParse.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}
