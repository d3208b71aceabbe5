package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvCredentials(t *testing.T) {
	env := map[string]string{
		"BINANCE_API_KEY":      "global-key",
		"BINANCE_SECRET_KEY":   "global-secret",
		"BINANCE_API_KEY_7":    "bot7-key",
		"BINANCE_SECRET_KEY_7": "bot7-secret",
		"BINANCE_API_KEY_8":    "bot8-key-only",
	}
	p := &EnvCredentials{lookup: func(k string) (string, bool) { v, ok := env[k]; return v, ok }}

	c, err := p.Credentials(7)
	require.NoError(t, err)
	assert.Equal(t, Credentials{APIKey: "bot7-key", SecretKey: "bot7-secret"}, c)

	c, err = p.Credentials(8)
	require.NoError(t, err)
	assert.Equal(t, "global-key", c.APIKey)

	delete(env, "BINANCE_SECRET_KEY")
	_, err = p.Credentials(9)
	assert.Error(t, err)
}
