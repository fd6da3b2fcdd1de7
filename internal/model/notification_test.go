package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadata(t *testing.T) {
	t.Run("Value encodes nil as empty object", func(t *testing.T) {
		var m Metadata
		v, err := m.Value()
		require.NoError(t, err)
		assert.Equal(t, "{}", v)
	})

	t.Run("Scan accepts text and bytes", func(t *testing.T) {
		var fromText, fromBytes Metadata
		require.NoError(t, fromText.Scan(`{"phoneNumber":"+54 11 1234 5678"}`))
		require.NoError(t, fromBytes.Scan([]byte(`{"appointmentId":"a1"}`)))

		assert.Equal(t, "+54 11 1234 5678", fromText.PhoneNumber())
		assert.Equal(t, "a1", fromBytes["appointmentId"])
		assert.Empty(t, fromBytes.PhoneNumber())
	})

	t.Run("Scan of NULL yields empty map", func(t *testing.T) {
		m := Metadata{"x": 1}
		require.NoError(t, m.Scan(nil))
		assert.Empty(t, m)
	})

	t.Run("Scan rejects unsupported types", func(t *testing.T) {
		var m Metadata
		assert.Error(t, m.Scan(42))
	})
}

func TestNotificationStatus(t *testing.T) {
	assert.True(t, NotificationStatusPending.Valid())
	assert.True(t, NotificationStatusFailed.Valid())
	assert.False(t, NotificationStatus("claimed").Valid())
}
