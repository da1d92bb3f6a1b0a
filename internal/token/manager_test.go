package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		AccessSecret:  "access-secret-0123456789abcdefghij",
		RefreshSecret: "refresh-secret-0123456789abcdefghi",
	})
	require.NoError(t, err)
	return m
}

func TestManagerDefaults(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, 15*time.Minute, m.AccessTTL())
	assert.Equal(t, 7*24*time.Hour, m.RefreshTTL())
}

func TestManagerSecretsAreSeparate(t *testing.T) {
	m := newTestManager(t)

	pair, err := m.IssuePair(sampleClaims())
	require.NoError(t, err)
	assert.Equal(t, 900, pair.ExpiresIn)

	require.NotNil(t, m.VerifyAccess(pair.AccessToken))
	require.NotNil(t, m.VerifyRefresh(pair.RefreshToken))

	assert.Nil(t, m.VerifyAccess(pair.RefreshToken), "refresh token must not pass as access")
	assert.Nil(t, m.VerifyRefresh(pair.AccessToken), "access token must not pass as refresh")
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(ManagerConfig{AccessSecret: "same", RefreshSecret: "same"})
	assert.Error(t, err)

	_, err = NewManager(ManagerConfig{AccessSecret: "only-access"})
	assert.Error(t, err)
}
