package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *ServerConfig {
	cfg := LoadServerConfig()
	cfg.Instrument = "LSSTComCam"

	return cfg
}

func TestLoadServerConfig_Defaults(t *testing.T) {
	cfg := LoadServerConfig()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)

	// The response is held until the visit finishes processing, so the write
	// timeout must cover a whole visit.
	assert.Equal(t, 20*time.Minute, cfg.WriteTimeout)
	assert.Equal(t, int64(1048576), cfg.MaxRequestSize)
}

func TestServerConfig_Address(t *testing.T) {
	cfg := &ServerConfig{Host: "127.0.0.1", Port: 9090}

	assert.Equal(t, "127.0.0.1:9090", cfg.Address())
}

func TestServerConfig_EnvOverrides(t *testing.T) {
	t.Setenv("ACTIVATOR_SERVER_PORT", "9999")
	t.Setenv("ACTIVATOR_INSTRUMENT", "LATISS")
	t.Setenv("ACTIVATOR_SERVER_WRITE_TIMEOUT", "5m")

	cfg := LoadServerConfig()

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "LATISS", cfg.Instrument)
	assert.Equal(t, 5*time.Minute, cfg.WriteTimeout)
}

func TestServerConfig_Validate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr error
	}{
		{name: "zero port", mutate: func(c *ServerConfig) { c.Port = 0 }, wantErr: ErrInvalidPort},
		{name: "port too large", mutate: func(c *ServerConfig) { c.Port = 70000 }, wantErr: ErrInvalidPort},
		{name: "empty host", mutate: func(c *ServerConfig) { c.Host = "" }, wantErr: ErrEmptyHost},
		{name: "empty instrument", mutate: func(c *ServerConfig) { c.Instrument = "" }, wantErr: ErrEmptyInstrument},
		{name: "zero read timeout", mutate: func(c *ServerConfig) { c.ReadTimeout = 0 }, wantErr: ErrInvalidReadTimeout},
		{name: "negative write timeout", mutate: func(c *ServerConfig) { c.WriteTimeout = -time.Second }, wantErr: ErrInvalidWriteTimeout},
		{name: "zero shutdown timeout", mutate: func(c *ServerConfig) { c.ShutdownTimeout = 0 }, wantErr: ErrInvalidShutdownTimeout},
		{name: "zero max request size", mutate: func(c *ServerConfig) { c.MaxRequestSize = 0 }, wantErr: ErrInvalidMaxRequestSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			assert.ErrorIs(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestToCORSConfig(t *testing.T) {
	cfg := validConfig()
	cfg.CORSAllowedOrigins = []string{"https://fanout.example.org"}
	cfg.CORSMaxAge = 600

	cors := cfg.ToCORSConfig()

	assert.Equal(t, []string{"https://fanout.example.org"}, cors.GetAllowedOrigins())
	assert.Equal(t, 600, cors.GetMaxAge())
	assert.NotEmpty(t, cors.GetAllowedMethods())
	assert.NotEmpty(t, cors.GetAllowedHeaders())
}
