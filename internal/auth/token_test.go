package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hqtran/collabhub/internal/jobs"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	v := NewTokenVerifier("test-secret")

	token, err := v.Sign(Principal{UserID: "user-1", Name: "Dana"}, time.Minute)
	require.NoError(t, err)

	p, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.UserID)
	assert.Equal(t, "Dana", p.Name)
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	v := NewTokenVerifier("test-secret")

	expired, err := v.Sign(Principal{UserID: "user-1"}, -time.Minute)
	require.NoError(t, err)

	wrongSecret, err := NewTokenVerifier("other-secret").Sign(Principal{UserID: "user-1"}, time.Minute)
	require.NoError(t, err)

	anonymous, err := v.Sign(Principal{}, time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not.a.token"},
		{name: "empty", token: ""},
		{name: "expired", token: expired},
		{name: "wrong secret", token: wrongSecret},
		{name: "missing user id", token: anonymous},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, jobs.ErrUnauthenticated)
		})
	}
}
