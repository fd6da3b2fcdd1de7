package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/psicoagenda/wa-gateway/internal/service"
)

type DeliveryHandler struct {
	delivery *service.DeliveryService
}

func NewDeliveryHandler(delivery *service.DeliveryService) *DeliveryHandler {
	return &DeliveryHandler{delivery: delivery}
}

func (h *DeliveryHandler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r, 0)
	return r
}

// Register adds the delivery routes to r. Paced bulk sends are exempt from
// timeout; a zero timeout disables it for every route.
func (h *DeliveryHandler) Register(r chi.Router, timeout time.Duration) {
	r.Post("/send-bulk", h.SendBulk)

	r.Group(func(r chi.Router) {
		if timeout > 0 {
			r.Use(chimiddleware.Timeout(timeout))
		}
		r.Get("/status", h.Status)
		r.Post("/send-message", h.SendMessage)
		r.Post("/check-number", h.CheckNumber)
	})
}

// GET /status
func (h *DeliveryHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.delivery.Status())
}

// POST /send-message
func (h *DeliveryHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req service.BulkItem
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.delivery.SendOne(r.Context(), req.PhoneNumber, req.Message, req.NotificationID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"messageId": res.MessageID,
		"recipient": res.Recipient,
		"timestamp": res.Timestamp,
	})
}

// POST /send-bulk
// Item failures are reported in the results with a 200 response.
func (h *DeliveryHandler) SendBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []service.BulkItem `json:"messages"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	results, err := h.delivery.SendBulk(r.Context(), req.Messages)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sent := 0
	for _, res := range results {
		if res.Success {
			sent++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"total":   len(results),
		"sent":    sent,
		"failed":  len(results) - sent,
	})
}

// POST /check-number
func (h *DeliveryHandler) CheckNumber(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PhoneNumber string `json:"phoneNumber"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.delivery.CheckNumber(r.Context(), req.PhoneNumber)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
