// Package security holds the device-trust and login-risk half of the engine.
package security

import (
	"net"
	"net/http"
	"strings"

	"warden.dev/internal/session"
)

// Device types reported by ParseUserAgent.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceBot     = "bot"
	DeviceUnknown = "unknown"
)

// DeviceInfo is the request metadata a fingerprint and a session are derived from.
type DeviceInfo struct {
	DeviceName      string `json:"device_name,omitempty"`
	DeviceType      string `json:"device_type,omitempty"`
	OperatingSystem string `json:"operating_system,omitempty"`
	Browser         string `json:"browser,omitempty"`
	UserAgent       string `json:"user_agent,omitempty"`
	AcceptLanguage  string `json:"accept_language,omitempty"`
	AcceptEncoding  string `json:"accept_encoding,omitempty"`
}

// SessionDevice converts the info into the session's device record.
func (d DeviceInfo) SessionDevice() session.Device {
	name := d.DeviceName
	if name == "" {
		name = d.Browser + " on " + d.OperatingSystem
	}
	return session.Device{Name: name, Type: d.DeviceType, OS: d.OperatingSystem, Browser: d.Browser}
}

// DeviceInfoFromRequest extracts DeviceInfo from request headers.
func DeviceInfoFromRequest(r *http.Request) DeviceInfo {
	ua := r.Header.Get("User-Agent")
	info := ParseUserAgent(ua)
	info.AcceptLanguage = r.Header.Get("Accept-Language")
	info.AcceptEncoding = r.Header.Get("Accept-Encoding")
	if name := strings.TrimSpace(r.Header.Get("X-Device-Name")); name != "" {
		info.DeviceName = name
	}
	return info
}

// ParseUserAgent derives browser, operating system and device type from a
// User-Agent string. Unknown parts are reported as "unknown".
func ParseUserAgent(ua string) DeviceInfo {
	info := DeviceInfo{
		UserAgent:       ua,
		DeviceType:      DeviceUnknown,
		OperatingSystem: "unknown",
		Browser:         "unknown",
	}
	if strings.TrimSpace(ua) == "" {
		return info
	}
	lower := strings.ToLower(ua)

	switch {
	case strings.Contains(ua, "Edg/"):
		info.Browser = "Edge"
	case strings.Contains(ua, "OPR/"):
		info.Browser = "Opera"
	case strings.Contains(ua, "Chrome/"):
		info.Browser = "Chrome"
	case strings.Contains(ua, "Firefox/"):
		info.Browser = "Firefox"
	case strings.Contains(ua, "Safari/"):
		info.Browser = "Safari"
	}

	switch {
	case strings.Contains(ua, "Android"):
		info.OperatingSystem = "Android"
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"):
		info.OperatingSystem = "iOS"
	case strings.Contains(ua, "Windows"):
		info.OperatingSystem = "Windows"
	case strings.Contains(ua, "Mac OS X"):
		info.OperatingSystem = "macOS"
	case strings.Contains(ua, "CrOS"):
		info.OperatingSystem = "ChromeOS"
	case strings.Contains(ua, "Linux"):
		info.OperatingSystem = "Linux"
	}

	switch {
	case containsAny(lower, defaultBotSignatures):
		info.DeviceType = DeviceBot
	case strings.Contains(ua, "iPad"), strings.Contains(lower, "tablet"):
		info.DeviceType = DeviceTablet
	case strings.Contains(lower, "mobile"), strings.Contains(ua, "iPhone"), strings.Contains(ua, "Android"):
		info.DeviceType = DeviceMobile
	case info.OperatingSystem != "unknown":
		info.DeviceType = DeviceDesktop
	}
	return info
}

// ClientIP returns the host part of r.RemoteAddr. Forwarding headers are
// never read here; ClientIPResolver.Middleware rewrites RemoteAddr when the
// peer is a trusted proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}
