package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]string{"--config-env", "missing"})
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "ice", cfg.Transport.Strategy)
	assert.True(t, cfg.Transport.RTCPMux)
	assert.Equal(t, 5*time.Second, cfg.Transport.WrapupTimeout)
	assert.Equal(t, time.Second, cfg.Transport.WrapupPoll)
	assert.Equal(t, "first-candidate", cfg.Reconciler.AcceptGate)
	require.Len(t, cfg.STUN.Defaults, 2)
	assert.Equal(t, "stun:stun.l.google.com:19302", cfg.STUN.Defaults[0].URI)
}

func TestLoadFlagAndEnvOverrides(t *testing.T) {
	t.Setenv("JINGLE_PORT", "9090")
	t.Setenv("JINGLE_SECURITY_ENCRYPTION_REQUIRED", "true")

	cfg, err := Load([]string{"--config-env", "missing", "--strategy", "rawudp"})
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "rawudp", cfg.Transport.Strategy)
	assert.True(t, cfg.Security.EncryptionRequired)
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	_, err := Load([]string{"--config-env", "missing", "--strategy", "sctp"})
	assert.Error(t, err)

	for _, env := range []string{
		"JINGLE_TRANSPORT_WRAPUP_POLL",
		"JINGLE_TRANSPORT_WRAPUP_TIMEOUT",
		"JINGLE_RECONCILER_ACCEPT_GATE_TIMEOUT",
		"JINGLE_RECONCILER_PENDING_TTL",
	} {
		for _, val := range []string{"0s", "-1s"} {
			t.Run(env+"="+val, func(t *testing.T) {
				t.Setenv(env, val)
				_, err := Load([]string{"--config-env", "missing"})
				assert.ErrorContains(t, err, "must be positive")
			})
		}
	}
}

func TestValidateDurations(t *testing.T) {
	cfg, err := Load([]string{"--config-env", "missing"})
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	cfg.Transport.WrapupPoll = 0
	assert.ErrorContains(t, cfg.Validate(), "transport.wrapup_poll")

	cfg.Transport.WrapupPoll = time.Second
	cfg.Reconciler.PendingTTL = -time.Second
	assert.ErrorContains(t, cfg.Validate(), "reconciler.pending_ttl")
}
