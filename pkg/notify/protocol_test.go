package notify

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventSubscribe, SubscribePayload{Channels: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, EventSubscribe, env.Event)

	var payload SubscribePayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, []string{"a", "b"}, payload.Channels)
}

func TestNewEnvelope_NilPayload(t *testing.T) {
	env, err := NewEnvelope(EventDisconnect, nil)
	require.NoError(t, err)
	assert.Equal(t, EventDisconnect, env.Event)
	assert.Nil(t, env.Data)
}

func TestUserChannel(t *testing.T) {
	assert.Equal(t, "user:u1", UserChannel("u1"))
	assert.True(t, IsUserChannel("user:u1"))
	assert.False(t, IsUserChannel("alerts"))
}

func TestConnectionRecord_HasChannel(t *testing.T) {
	record := ConnectionRecord{Channels: []string{"a", "b"}}
	assert.True(t, record.HasChannel("a"))
	assert.False(t, record.HasChannel("c"))
}

func TestErrorCodes(t *testing.T) {
	err := NewAuthorizationError("nope")
	assert.Equal(t, CodePermissionDenied, err.Code)
	assert.Equal(t, CodePermissionDenied, CodeOf(err))
	assert.Equal(t, CodeServerError, CodeOf(assert.AnError))

	payload := err.Payload()
	assert.Equal(t, "nope", payload.Message)
	assert.Equal(t, CodePermissionDenied, payload.Code)
}
