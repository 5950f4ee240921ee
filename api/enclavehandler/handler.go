package enclavehandler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/enclave-secure-channel/interfaces"
)

// DefaultMaxRequestSize bounds request bodies accepted from the network.
const DefaultMaxRequestSize = 1 << 20

// Handler forwards boundary calls received over HTTP to the enclave.
type Handler struct {
	boundary       interfaces.EnclaveBoundary
	maxRequestSize int64
	log            *slog.Logger
}

func NewHandler(boundary interfaces.EnclaveBoundary, log *slog.Logger) *Handler {
	return &Handler{
		boundary:       boundary,
		maxRequestSize: DefaultMaxRequestSize,
		log:            log,
	}
}

// RegisterRoutes registers:
//   - POST /api/enclave/{endpoint} - forward a serialized request to the enclave
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/enclave/{endpoint}", h.HandleCall)
}

// HandleCall forwards the request body to the enclave endpoint and writes
// back the serialized response.
//
// Status codes:
//   - 200 OK: the enclave produced a response (which may carry an error status)
//   - 404 Not Found: unknown endpoint
//   - 413 Request Entity Too Large: request body over the limit
//   - 502 Bad Gateway: the enclave produced no response
func (h *Handler) HandleCall(w http.ResponseWriter, r *http.Request) {
	endpoint := r.PathValue("endpoint")

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxRequestSize+1))
	if err != nil {
		h.log.Error("Failed to read request body", "err", err)
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > h.maxRequestSize {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	resp, err := h.boundary.Call(r.Context(), endpoint, body)
	if err != nil {
		h.log.Error("Enclave call failed", "err", err, "endpoint", endpoint)
		if errors.Is(err, interfaces.ErrUnknownEndpoint) {
			http.Error(w, "unknown endpoint", http.StatusNotFound)
			return
		}
		http.Error(w, "enclave call failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp); err != nil {
		h.log.Debug("Failed to write response", "err", err)
	}
}
