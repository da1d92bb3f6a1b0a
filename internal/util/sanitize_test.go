package util

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeInput(t *testing.T) {
	assert.Equal(t, "&lt;b&gt;Ada&lt;/b&gt;", SanitizeInput("  <b>Ada</b> "))
	assert.True(t, ContainsSuspicious("<script>alert(1)</script>"))
	assert.True(t, ContainsSuspicious("ONERROR=x"))
	assert.False(t, ContainsSuspicious("Ada Lovelace"))
}

func TestEmailHelpers(t *testing.T) {
	assert.Equal(t, "a@x.com", NormalizeEmail("  A@X.Com "))
	assert.True(t, IsValidEmail("a@x.com"))
	assert.False(t, IsValidEmail("a@x"))
	assert.False(t, IsValidEmail("a b@x.com"))
	assert.False(t, IsValidEmail(""))
	assert.Equal(t, "ada", EmailLocalPart("ada@x.com"))
	assert.Equal(t, "nodomain", EmailLocalPart("nodomain"))
}

func TestClientIP_IgnoresHeadersFromUntrustedPeers(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "10.0.0.9", ClientIP(r))

	r.Header.Set("X-Real-IP", "10.0.0.2")
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "10.0.0.9", ClientIP(r))
}

func TestTrustedProxies_ClientIP(t *testing.T) {
	tp, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.1 ", ""})
	require.NoError(t, err)
	require.Len(t, tp, 2)

	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"untrusted peer", "198.51.100.3:443", "203.0.113.7", "", "198.51.100.3"},
		{"rightmost untrusted hop", "10.0.0.1:443", "1.1.1.1, 203.0.113.7, 10.0.0.5", "", "203.0.113.7"},
		{"spoofed leading hop ignored", "192.0.2.1:443", "6.6.6.6, 203.0.113.9", "", "203.0.113.9"},
		{"all hops trusted falls back to real ip", "10.0.0.1:443", "10.0.0.2", "203.0.113.8", "203.0.113.8"},
		{"garbage hop stops the walk", "10.0.0.1:443", "203.0.113.7, nonsense", "", "10.0.0.1"},
		{"no headers", "10.0.0.1:443", "", "", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, tp.ClientIP(r))
		})
	}

	_, err = ParseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)
	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}

func TestDeviceInfo(t *testing.T) {
	ua := "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
	assert.Equal(t, "Macintosh; Intel Mac OS X 10_15_7", DeviceInfo(ua))
	assert.Equal(t, "curl/8.0", DeviceInfo("curl/8.0"))
	assert.Equal(t, "Unknown device", DeviceInfo(""))
}
