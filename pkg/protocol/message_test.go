package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessagePayloadRoundTrip(t *testing.T) {
	msg, err := NewMessage(TypeRegistration, RegistrationPayload{
		Token:     "tok",
		PublicKey: "pem",
		Hostname:  "host",
		Platform:  "linux/amd64",
	})
	require.NoError(t, err)
	assert.False(t, msg.Timestamp.IsZero())

	var payload RegistrationPayload
	require.NoError(t, msg.ParsePayload(&payload))
	assert.Equal(t, "tok", payload.Token)
	assert.Equal(t, "host", payload.Hostname)
}

func TestParsePayloadEmpty(t *testing.T) {
	msg := &Message{Type: TypeHeartbeat}
	var payload HeartbeatPayload
	require.Error(t, msg.ParsePayload(&payload))
}

func TestAlertLevelValid(t *testing.T) {
	for _, level := range []AlertLevel{AlertInfo, AlertWarning, AlertError, AlertCritical} {
		assert.True(t, level.Valid())
	}
	assert.False(t, AlertLevel("panic").Valid())
	assert.False(t, AlertLevel("").Valid())
}

func TestKnownCommand(t *testing.T) {
	for _, cmd := range []string{
		CommandReloadConfig, CommandReloadFileWatcher, CommandGitPull,
		CommandRemoveWorkflow, CommandSetLogLevel,
	} {
		assert.True(t, KnownCommand(cmd))
	}
	assert.False(t, KnownCommand("self-destruct"))
}
