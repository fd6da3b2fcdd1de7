package handler

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psicoagenda/wa-gateway/internal/session"
	"github.com/psicoagenda/wa-gateway/internal/sse"
)

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var eventType, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && eventType != "":
			return eventType, data
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventsHandler_Stream(t *testing.T) {
	broker := sse.NewBroker(nil)
	defer broker.Close()

	sess := newStubSession(session.PhaseConnecting)
	srv := httptest.NewServer(NewEventsHandler(broker, sess))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	reader := bufio.NewReader(resp.Body)

	eventType, data := readEvent(t, reader)
	assert.Equal(t, EventStateChange, eventType)
	assert.Contains(t, data, `"phase":"connecting"`)

	require.Eventually(t, func() bool { return broker.ClientCount("default") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, broker.Publish(ctx, "default", EventStateChange, session.State{SessionID: "default", Phase: session.PhaseConnected}))

	eventType, data = readEvent(t, reader)
	assert.Equal(t, EventStateChange, eventType)
	assert.Contains(t, data, `"phase":"connected"`)

	cancel()
	require.Eventually(t, func() bool { return broker.ClientCount("default") == 0 }, time.Second, 10*time.Millisecond)
}

func TestEventsHandler_sendRawEvent(t *testing.T) {
	h := &EventsHandler{}
	rec := httptest.NewRecorder()

	err := h.sendRawEvent(rec, rec, sse.Event{Type: "state", Data: []byte(`{"phase":"connected"}`)})

	assert.NoError(t, err)
	assert.Equal(t, "event: state\ndata: {\"phase\":\"connected\"}\n\n", rec.Body.String())
}
