package sse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_LocalDelivery(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	ctx := context.Background()
	first := b.Subscribe("default")
	second := b.Subscribe("default")
	other := b.Subscribe("other")
	assert.Equal(t, 2, b.ClientCount("default"))

	require.NoError(t, b.Publish(ctx, "default", "state", map[string]string{"phase": "connected"}))

	for _, c := range []*Client{first, second} {
		select {
		case ev := <-c.Events:
			assert.Equal(t, "state", ev.Type)
			var data map[string]string
			require.NoError(t, json.Unmarshal(ev.Data, &data))
			assert.Equal(t, "connected", data["phase"])
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	select {
	case <-other.Events:
		t.Fatal("event leaked to another session")
	default:
	}
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	c := b.Subscribe("default")
	b.Unsubscribe(c)
	b.Unsubscribe(c)

	assert.Zero(t, b.ClientCount("default"))
	select {
	case <-c.Done:
	default:
		t.Fatal("done channel not closed")
	}
}

func TestBroker_CloseEndsClients(t *testing.T) {
	b := NewBroker(nil)
	c := b.Subscribe("default")
	b.Close()

	select {
	case <-c.Done:
	case <-time.After(time.Second):
		t.Fatal("client not closed")
	}
}
