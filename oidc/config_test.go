package oidc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		authority   string
		clientID    string
		redirectURL string
		opts        []Option
		wantErr     bool
		wantIsErr   error
	}{
		{
			name:        "valid-public-client",
			authority:   "https://gateway.test:8000",
			clientID:    "core_web",
			redirectURL: "https://core.test:7200/callback",
		},
		{
			name:        "valid-confidential-client",
			authority:   "https://gateway.test:8000",
			clientID:    "core_web",
			redirectURL: "https://core.test:7200/callback",
			opts:        []Option{WithClientSecret("s3cr3t")},
		},
		{
			name:        "valid-static-endpoints",
			authority:   "https://gateway.test:8000",
			clientID:    "core_web",
			redirectURL: "https://core.test:7200/callback",
			opts: []Option{WithStaticEndpoints(Endpoints{
				AuthURL:  "https://gateway.test:8000/connect/authorize",
				TokenURL: "https://gateway.test:8000/connect/token",
			})},
		},
		{
			name:        "missing-authority",
			authority:   "",
			clientID:    "core_web",
			redirectURL: "https://core.test:7200/callback",
			wantErr:     true,
			wantIsErr:   ErrInvalidConfiguration,
		},
		{
			name:        "missing-client-id",
			authority:   "https://gateway.test:8000",
			clientID:    "",
			redirectURL: "https://core.test:7200/callback",
			wantErr:     true,
			wantIsErr:   ErrInvalidConfiguration,
		},
		{
			name:        "missing-redirect-url",
			authority:   "https://gateway.test:8000",
			clientID:    "core_web",
			redirectURL: "",
			wantErr:     true,
			wantIsErr:   ErrInvalidConfiguration,
		},
		{
			name:        "bad-authority-scheme",
			authority:   "ldap://gateway.test",
			clientID:    "core_web",
			redirectURL: "https://core.test:7200/callback",
			wantErr:     true,
			wantIsErr:   ErrInvalidConfiguration,
		},
		{
			name:        "static-endpoints-missing-token-url",
			authority:   "https://gateway.test:8000",
			clientID:    "core_web",
			redirectURL: "https://core.test:7200/callback",
			opts: []Option{WithStaticEndpoints(Endpoints{
				AuthURL: "https://gateway.test:8000/connect/authorize",
			})},
			wantErr:   true,
			wantIsErr: ErrInvalidConfiguration,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := NewConfig(tt.authority, tt.clientID, tt.redirectURL, tt.opts...)
			if tt.wantErr {
				require.Error(err)
				assert.ErrorIs(err, tt.wantIsErr)
				return
			}
			require.NoError(err)
			assert.Equal(DefaultScopes(), got.Scopes)
		})
	}
	t.Run("secret-from-runtime-string", func(t *testing.T) {
		// secrets read from the environment arrive as plain strings
		assert, require := assert.New(t), require.New(t)
		fromEnv := "s3cr3t"
		got, err := NewConfig("https://gateway.test", "core_web", "https://core.test/callback",
			WithClientSecret(ClientSecret(fromEnv)))
		require.NoError(err)
		assert.Equal(ClientSecret("s3cr3t"), got.ClientSecret)
	})
	t.Run("scopes-override", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := NewConfig("https://gateway.test", "core_web", "https://core.test/callback",
			WithScopes([]string{"openid", "email"}))
		require.NoError(err)
		assert.Equal([]string{"openid", "email"}, got.Scopes)
	})
}

func TestClientSecret_Redaction(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	secret := ClientSecret("s3cr3t")
	assert.Equal(RedactedClientSecret, secret.String())
	data, err := secret.MarshalJSON()
	assert.NoError(err)
	assert.NotContains(string(data), "s3cr3t")
}

func TestConfig_HTTPClient(t *testing.T) {
	t.Parallel()
	t.Run("bad-ca-pem", func(t *testing.T) {
		require := require.New(t)
		c, err := NewConfig("https://gateway.test", "core_web", "https://core.test/callback",
			WithProviderCA("not a pem"))
		require.NoError(err)
		_, err = c.HTTPClient()
		require.ErrorIs(err, ErrInvalidCACert)
	})
	t.Run("valid-ca-pem", func(t *testing.T) {
		require := require.New(t)
		tp := StartTestProvider(t)
		c, err := NewConfig(tp.Addr(), "core_web", "https://core.test/callback",
			WithProviderCA(tp.CACert()))
		require.NoError(err)
		client, err := c.HTTPClient()
		require.NoError(err)
		require.NotNil(client)
	})
}
