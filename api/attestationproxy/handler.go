package attestationproxy

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/enclave-secure-channel/api"
	"github.com/ruteri/enclave-secure-channel/attestation"
	"github.com/ruteri/enclave-secure-channel/interfaces"
)

const maxQuoteRequestSize = 64 * 1024

type Handler struct {
	authority interfaces.AttestationAuthority
	log       *slog.Logger
}

func NewHandler(authority interfaces.AttestationAuthority, log *slog.Logger) *Handler {
	return &Handler{
		authority: authority,
		log:       log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/attestation/verify", h.HandleVerify)
	r.Get("/api/attestation/spid", h.HandleSPID)
}

// HandleVerify forwards a quote to the authority.
//
// Status codes:
//   - 200 OK: report returned
//   - 400 Bad Request: malformed request or quote rejected as malformed
//   - 503 Service Unavailable: authority unreachable
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxQuoteRequestSize))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}

	var req api.VerifyQuoteRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Quote) == 0 {
		http.Error(w, "invalid verify request", http.StatusBadRequest)
		return
	}

	report, err := h.authority.Verify(r.Context(), req.Quote, req.Nonce)
	if err != nil {
		h.writeError(w, "Quote verification failed", err)
		return
	}

	h.writeJSON(w, &api.VerifyQuoteResponse{Report: *report})
}

// HandleSPID returns the authority's SPID.
func (h *Handler) HandleSPID(w http.ResponseWriter, r *http.Request) {
	spid, err := h.authority.SPID(r.Context())
	if err != nil {
		h.writeError(w, "Failed to get SPID", err)
		return
	}
	h.writeJSON(w, &api.SPIDResponse{SPID: spid})
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, err error) {
	h.log.Error(msg, "err", err)
	switch {
	case errors.Is(err, attestation.ErrQuoteMalformed):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, interfaces.ErrAttestationUnavailable):
		http.Error(w, "attestation authority unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, "attestation failed", http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}
