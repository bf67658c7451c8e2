package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"bonding-curve-feed/internal/observability"
)

// DefaultMaxBodyBytes caps the size of one delivery.
const DefaultMaxBodyBytes = 5 << 20

// Response is the body of a successful delivery.
type Response struct {
	Success             bool `json:"success"`
	Processed           int  `json:"processed"`
	TotalNewPools       int  `json:"totalNewPools"`
	TotalNewCollections int  `json:"totalNewCollections"`
	TotalVolumeEvents   int  `json:"totalVolumeEvents"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Handler is the webhook ingress endpoint.
type Handler struct {
	processor   *Processor
	broadcaster Broadcaster
	secret      string
	maxBody     int64
	log         *logrus.Entry
}

// NewHandler creates a Handler. An empty secret accepts unsigned deliveries.
func NewHandler(p *Processor, b Broadcaster, secret string, log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if secret == "" {
		log.Warn("webhook secret not configured, accepting unsigned deliveries")
	}
	return &Handler{
		processor:   p,
		broadcaster: b,
		secret:      secret,
		maxBody:     DefaultMaxBodyBytes,
		log:         log,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		h.fail(w, http.StatusBadRequest, "invalid", err)
		return
	}

	if h.secret != "" {
		sig := r.Header.Get(SignatureHeader)
		if sig == "" {
			sig = r.Header.Get(HeliusSignatureHeader)
		}
		if err := VerifySignature(h.secret, body, sig); err != nil {
			h.fail(w, http.StatusUnauthorized, "unauthorized", err)
			return
		}
	}

	txs, err := ParsePayload(body)
	if err != nil {
		h.fail(w, http.StatusBadRequest, "invalid", err)
		return
	}

	res, err := h.processor.Process(r.Context(), txs)
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "error", err)
		return
	}
	if _, err := Publish(h.broadcaster, res, time.Now()); err != nil {
		// nothing was broadcast; let the redelivery process the batch again
		h.processor.Rollback(r.Context(), res)
		h.fail(w, http.StatusInternalServerError, "error", err)
		return
	}

	observability.RecordWebhookDelivery("ok")
	h.log.WithFields(logrus.Fields{
		"transactions": len(txs),
		"processed":    res.Processed,
		"pools":        len(res.NewPools),
		"collections":  len(res.NewCollections),
		"trades":       len(res.VolumeData),
	}).Debug("webhook processed")

	writeJSON(w, http.StatusOK, Response{
		Success:             true,
		Processed:           res.Processed,
		TotalNewPools:       len(res.NewPools),
		TotalNewCollections: len(res.NewCollections),
		TotalVolumeEvents:   len(res.VolumeData),
	})
}

func (h *Handler) fail(w http.ResponseWriter, status int, label string, err error) {
	observability.RecordWebhookDelivery(label)
	entry := h.log.WithError(err).WithField("status", status)
	if status == http.StatusInternalServerError {
		entry.Error("webhook failed")
	} else {
		entry.Warn("webhook rejected")
	}

	msg := err.Error()
	switch {
	case errors.Is(err, ErrInvalidSignature):
		msg = "invalid signature"
	case status == http.StatusInternalServerError:
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
