// Package config loads server configuration from the environment.
//
// Variables are read with the EXTDIRECT_ prefix, e.g. EXTDIRECT_DEBUG=true.
// Example programs load a .env file first via godotenv, so development
// settings live next to the code instead of in the shell.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/mnehpets/extdirect/direct"
)

// Config is the environment-driven server configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `split_words:"true" default:":8080"`

	// ProviderName is the JavaScript global api.js assigns the descriptor to.
	ProviderName string `split_words:"true" default:"Ext.app.REMOTING_API"`
	// AutoAdd emits the provider-registration boilerplate in api.js.
	AutoAdd bool `split_words:"true" default:"true"`
	// Timeout is the client-side call timeout advertised in the descriptor.
	Timeout time.Duration
	// Debug exposes error traces in exception envelopes.
	Debug bool
	// LoginURL marks redirects to it as session-expiry for remoting clients.
	LoginURL string `split_words:"true"`
	// CSRFCookie is the token cookie name shared by the CSRF processor and
	// the api.js boilerplate.
	CSRFCookie string `envconfig:"CSRF_COOKIE" default:"csrftoken"`

	// SessionKey seals session and auth-state cookies. Must be exactly 32
	// bytes. Empty disables cookie-backed features in the examples.
	SessionKey []byte `split_words:"true"`
	// SessionKeyID labels SessionKey in the cookie key ring.
	SessionKeyID string `split_words:"true" default:"k1"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("extdirect", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Provider returns the direct.Config equivalent of cfg.
func (c *Config) Provider() direct.Config {
	return direct.Config{
		Name:       c.ProviderName,
		AutoAdd:    c.AutoAdd,
		Timeout:    c.Timeout,
		LoginURL:   c.LoginURL,
		CSRFCookie: c.CSRFCookie,
		Debug:      c.Debug,
	}
}

// Keys returns the cookie key ring, or nil when no key is configured.
func (c *Config) Keys() map[string][]byte {
	if len(c.SessionKey) == 0 {
		return nil
	}
	return map[string][]byte{c.SessionKeyID: c.SessionKey}
}
