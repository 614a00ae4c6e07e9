// Package useragent derives the device context of an inbound request.
package useragent

import (
	"net"
	"net/http"
	"strings"

	"github.com/iamasit07/souqchat/internal/domain"
)

// FromRequest builds the device context for r. Native apps may state their
// platform in X-Client-Platform; otherwise it is guessed from the User-Agent.
func FromRequest(r *http.Request) domain.DeviceContext {
	ua := r.Header.Get("User-Agent")
	platform := Platform(r.Header.Get("X-Client-Platform"), ua)
	locale := r.URL.Query().Get("locale")
	if locale == "" {
		locale = PreferredLanguage(r.Header.Get("Accept-Language"))
	}
	return domain.DeviceContext{
		DeviceInfo: DeviceInfo(ua),
		Platform:   platform,
		IPAddress:  ExtractIPAddress(r),
		Locale:     locale,
	}
}

func Platform(declared, ua string) domain.Platform {
	switch strings.ToLower(strings.TrimSpace(declared)) {
	case "android":
		return domain.PlatformAndroid
	case "ios":
		return domain.PlatformIOS
	case "web":
		return domain.PlatformWeb
	}
	switch {
	case ua == "":
		return domain.PlatformUnknown
	case strings.Contains(ua, "Android"):
		return domain.PlatformAndroid
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"), strings.Contains(ua, "CFNetwork"):
		return domain.PlatformIOS
	case strings.Contains(ua, "Mozilla/"):
		return domain.PlatformWeb
	}
	return domain.PlatformUnknown
}

// DeviceInfo returns a short "Browser on OS" description of ua.
func DeviceInfo(ua string) string {
	if ua == "" {
		return "Unknown Device"
	}

	browser := "Unknown Browser"
	switch {
	case strings.Contains(ua, "Edg/"):
		browser = "Edge"
	case strings.Contains(ua, "Chrome/"):
		browser = "Chrome"
	case strings.Contains(ua, "Firefox/"):
		browser = "Firefox"
	case strings.Contains(ua, "Safari/"):
		browser = "Safari"
	case strings.Contains(ua, "okhttp"), strings.Contains(ua, "CFNetwork"), strings.Contains(ua, "Dart/"):
		browser = "App"
	}

	// Android and iOS user agents also mention Linux / Mac OS X
	os := "Unknown OS"
	switch {
	case strings.Contains(ua, "Android"):
		os = "Android"
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"):
		os = "iOS"
	case strings.Contains(ua, "Windows"):
		os = "Windows"
	case strings.Contains(ua, "Mac OS X"):
		os = "macOS"
	case strings.Contains(ua, "Linux"):
		os = "Linux"
	}
	return browser + " on " + os
}

// PreferredLanguage returns the first tag of an Accept-Language header.
func PreferredLanguage(header string) string {
	first, _, _ := strings.Cut(header, ",")
	tag, _, _ := strings.Cut(first, ";")
	tag = strings.TrimSpace(tag)
	if tag == "*" {
		return ""
	}
	return tag
}

// ExtractIPAddress gets the real IP address from the request
// Handles proxies and load balancers by checking X-Forwarded-For and X-Real-IP headers
func ExtractIPAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
