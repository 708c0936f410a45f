package config

import (
	"testing"
	"time"

	"github.com/dkeye/callserver/internal/domain"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadDefaults(t *testing.T) Config {
	t.Helper()
	v := viper.New()
	setDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := loadDefaults(t)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, "postgres", cfg.Sync.Driver)
	assert.Equal(t, time.Minute, cfg.Sync.ProbeInterval)
	assert.Equal(t, 20*time.Second, cfg.Signal.RequestTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Call.ReactionWindow)
	assert.Equal(t, 10, cfg.Call.MaxConsumerReplicas)
	assert.Equal(t, uint16(40000), cfg.Media.MinPort)
	assert.Equal(t, 2500*time.Millisecond, cfg.Media.ActiveSpeakerInterval)
	assert.Equal(t, TierLimits{CallSlots: 50, BroadcastSlots: 50, BroadcasterSlots: 3}, cfg.Call.Limits())
	assert.False(t, cfg.TLS.Enabled())
}

func TestLimitsFallsBackForUnknownTier(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Call.DefaultTier = "pro"
	assert.Equal(t, 200, cfg.Call.Limits().BroadcastSlots)

	cfg.Call.DefaultTier = "platinum"
	assert.Equal(t, TierLimits{CallSlots: 50, BroadcastSlots: 50, BroadcasterSlots: 3}, cfg.Call.Limits())
}

func TestServerURL(t *testing.T) {
	cfg := &Config{Domain: "media.example.com", Port: 4443}
	assert.Equal(t, "ws://media.example.com:4443", cfg.ServerURL())

	cfg.TLS = TLSConfig{Cert: "cert.pem", Key: "key.pem"}
	assert.Equal(t, "wss://media.example.com:4443", cfg.ServerURL())

	cfg.Domain = "wss://calls.example.com"
	assert.Equal(t, "wss://calls.example.com", cfg.ServerURL())
}

func TestRtpCodecs(t *testing.T) {
	cfg := loadDefaults(t)
	codecs := cfg.Media.RtpCodecs()
	require.Len(t, codecs, 3)

	assert.Equal(t, domain.RtpCodecCapability{
		Kind:      domain.MediaKindAudio,
		MimeType:  "audio/opus",
		ClockRate: 48000,
		Channels:  2,
	}, codecs[0])
	assert.Equal(t, "video/H264", codecs[2].MimeType)
	assert.Equal(t, "42e01f", codecs[2].Parameters["profile-level-id"])
}
