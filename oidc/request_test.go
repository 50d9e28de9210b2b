package oidc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest(t *testing.T) {
	t.Parallel()
	testNow := func() time.Time {
		return time.Now().Add(-1 * time.Minute)
	}
	tests := []struct {
		name      string
		expireIn  time.Duration
		returnURL string
		opts      []Option
		wantErr   bool
		wantIsErr error
		wantPKCE  bool
	}{
		{
			name:      "valid",
			expireIn:  DefaultRequestExpiry,
			returnURL: "/dashboards/crm",
		},
		{
			name:      "valid-with-pkce",
			expireIn:  DefaultRequestExpiry,
			returnURL: "/dashboards/crm",
			opts:      []Option{WithPKCE()},
			wantPKCE:  true,
		},
		{
			name:      "valid-with-now",
			expireIn:  DefaultRequestExpiry,
			returnURL: "/",
			opts:      []Option{WithNow(testNow)},
		},
		{
			name:      "zero-expireIn",
			expireIn:  0,
			returnURL: "/",
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
		{
			name:      "empty-returnURL",
			expireIn:  DefaultRequestExpiry,
			returnURL: "",
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := NewRequest(tt.expireIn, tt.returnURL, tt.opts...)
			if tt.wantErr {
				require.Error(err)
				assert.ErrorIs(err, tt.wantIsErr)
				return
			}
			require.NoError(err)
			assert.NotEmpty(got.State())
			assert.NotEmpty(got.Nonce())
			assert.NotEqual(got.State(), got.Nonce())
			assert.Equal(tt.returnURL, got.ReturnURL())
			if tt.wantPKCE {
				require.NotNil(got.Verifier())
				assert.Equal(S256, got.Verifier().Method())
			} else {
				assert.Nil(got.Verifier())
			}
		})
	}
}

func TestRequest_IsExpired(t *testing.T) {
	t.Parallel()
	t.Run("not-expired", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		r, err := NewRequest(2*time.Second, "/")
		require.NoError(err)
		assert.False(r.IsExpired())
	})
	t.Run("expired", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		r, err := NewRequest(1*time.Nanosecond, "/")
		require.NoError(err)
		assert.True(r.IsExpired())
	})
}

func TestRequest_JSONRoundTrip(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	orig, err := NewRequest(DefaultRequestExpiry, "/reports?from=2024-01-01&to=2024-02-01&q=a%20b", WithPKCE())
	require.NoError(err)

	data, err := json.Marshal(orig)
	require.NoError(err)

	var got Request
	require.NoError(json.Unmarshal(data, &got))
	assert.Equal(orig.State(), got.State())
	assert.Equal(orig.Nonce(), got.Nonce())
	assert.Equal(orig.ReturnURL(), got.ReturnURL())
	require.NotNil(got.Verifier())
	assert.Equal(orig.Verifier().Verifier(), got.Verifier().Verifier())
	assert.Equal(orig.Verifier().Challenge(), got.Verifier().Challenge())
	assert.False(got.IsExpired())
}
