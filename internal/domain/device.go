package domain

import "time"

type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWeb     Platform = "web"
	PlatformUnknown Platform = "unknown"
)

// DeviceToken is a push registration owned by a user.
type DeviceToken struct {
	UserID          string    `json:"userId"`
	Token           string    `json:"token"`
	Platform        Platform  `json:"platform"`
	Locale          string    `json:"locale,omitempty"`
	RegisteredAt    time.Time `json:"registeredAt"`
	LastValidatedAt time.Time `json:"lastValidatedAt"`
}

// Expired reports whether the registration has not been validated within window.
func (d DeviceToken) Expired(now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return now.Sub(d.LastValidatedAt) > window
}

// ShortToken is safe to log.
func ShortToken(token string) string {
	if len(token) <= 10 {
		return "***"
	}
	return token[:6] + "..." + token[len(token)-4:]
}

// DeviceContext describes the client behind a connection or request.
type DeviceContext struct {
	DeviceInfo string   `json:"deviceInfo,omitempty"`
	Platform   Platform `json:"platform"`
	IPAddress  string   `json:"ipAddress,omitempty"`
	Locale     string   `json:"locale,omitempty"`
}
