package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/psicoagenda/wa-gateway/internal/errors"
	"github.com/psicoagenda/wa-gateway/internal/session"
	"github.com/psicoagenda/wa-gateway/internal/sse"
)

// EventStateChange carries the session State after every transition.
const EventStateChange = "state"

type StateSource interface {
	SessionID() string
	Snapshot() session.State
}

type EventsHandler struct {
	broker            *sse.Broker
	session           StateSource
	heartbeatInterval time.Duration
}

func NewEventsHandler(broker *sse.Broker, sess StateSource) *EventsHandler {
	return &EventsHandler{
		broker:            broker,
		session:           sess,
		heartbeatInterval: sse.HeartbeatInterval,
	}
}

// GET /events
// Streams session transitions, starting with the current state.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, apperrors.Internal("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sessionID := h.session.SessionID()
	client := h.broker.Subscribe(sessionID)
	defer h.broker.Unsubscribe(client)

	log.Info().Str("sessionId", sessionID).Msg("sse connection established")

	if err := h.sendEvent(w, flusher, EventStateChange, h.session.Snapshot()); err != nil {
		log.Debug().Err(err).Msg("failed to send initial state")
		return
	}

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("sessionId", sessionID).Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().Str("sessionId", sessionID).Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Debug().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("sessionId", sessionID).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
