package useragent

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iamasit07/souqchat/internal/domain"
)

func TestPlatform(t *testing.T) {
	tests := []struct {
		declared, ua string
		want         domain.Platform
	}{
		{"", "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 Chrome/124.0 Mobile Safari/537.36", domain.PlatformAndroid},
		{"", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 Safari/604.1", domain.PlatformIOS},
		{"", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/124.0 Safari/537.36", domain.PlatformWeb},
		{"iOS", "okhttp/4.12", domain.PlatformIOS},
		{"", "", domain.PlatformUnknown},
		{"", "curl/8.0", domain.PlatformUnknown},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Platform(tc.declared, tc.ua), tc.ua)
	}
}

func TestDeviceInfo(t *testing.T) {
	assert.Equal(t, "Chrome on Android", DeviceInfo("Mozilla/5.0 (Linux; Android 14) Chrome/124.0 Mobile Safari/537.36"))
	assert.Equal(t, "Edge on Windows", DeviceInfo("Mozilla/5.0 (Windows NT 10.0) Chrome/124.0 Safari/537.36 Edg/124.0"))
	assert.Equal(t, "Unknown Device", DeviceInfo(""))
}

func TestPreferredLanguage(t *testing.T) {
	assert.Equal(t, "ar-SY", PreferredLanguage("ar-SY,ar;q=0.9,en;q=0.8"))
	assert.Equal(t, "en", PreferredLanguage("en;q=0.5"))
	assert.Equal(t, "", PreferredLanguage("*"))
	assert.Equal(t, "", PreferredLanguage(""))
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?locale=en", nil)
	r.RemoteAddr = "10.0.0.5:41234"
	r.Header.Set("User-Agent", "Mozilla/5.0 (Linux; Android 14) Chrome/124.0 Mobile Safari/537.36")
	r.Header.Set("Accept-Language", "ar")

	dc := FromRequest(r)
	assert.Equal(t, domain.PlatformAndroid, dc.Platform)
	assert.Equal(t, "en", dc.Locale)
	assert.Equal(t, "10.0.0.5", dc.IPAddress)

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ExtractIPAddress(r))
}
