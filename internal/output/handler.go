package output

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/k1networth/outputfeed/internal/shared/requestid"
)

const defaultMaxBodyBytes = 1 << 20

type Handler struct {
	Log          *slog.Logger
	Store        *Store
	Ingester     *Ingester
	MaxBodyBytes int64
}

// ListOutputs serves the current window, most recent first.
func (h *Handler) ListOutputs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Store.Snapshot())
}

// Webhook accepts an arbitrary JSON object from the automation tool.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	defer func() {
		if rec := recover(); rec != nil {
			h.Log.Error("webhook_panic",
				slog.String("request_id", requestid.Get(r.Context())),
				slog.Any("panic", rec),
			)
			WriteError(w, r, http.StatusInternalServerError, "Failed to process webhook", nil)
		}
	}()

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()

	var body any
	if err := dec.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			WriteError(w, r, http.StatusRequestEntityTooLarge, "Payload too large", nil)
		case errors.Is(err, io.EOF):
			WriteError(w, r, http.StatusBadRequest, "Invalid request data", []FieldError{{Field: "body", Message: "empty body"}})
		default:
			WriteError(w, r, http.StatusBadRequest, "Invalid request data", []FieldError{{Field: "body", Message: "invalid json"}})
		}
		return
	}
	if dec.More() {
		WriteError(w, r, http.StatusBadRequest, "Invalid request data", []FieldError{{Field: "body", Message: "invalid json"}})
		return
	}

	raw, ok := body.(map[string]any)
	if !ok {
		WriteError(w, r, http.StatusBadRequest, "Invalid request data", []FieldError{{Field: "body", Message: "must be a JSON object"}})
		return
	}

	ev, err := h.Ingester.Ingest(r.Context(), raw)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			WriteError(w, r, http.StatusBadRequest, "Invalid request data", ve.Details)
			return
		}
		h.Log.Error("webhook_failed",
			slog.String("request_id", requestid.Get(r.Context())),
			slog.String("err", err.Error()),
		)
		WriteError(w, r, http.StatusInternalServerError, "Failed to process webhook", nil)
		return
	}

	writeJSON(w, http.StatusCreated, ev)
}
