package security

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	chromeWindows = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	safariIPhone  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
	chromeAndroid = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36"
	firefoxLinux  = "Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0"
)

func TestParseUserAgent(t *testing.T) {
	cases := []struct {
		name    string
		ua      string
		browser string
		os      string
		device  string
	}{
		{"chrome windows", chromeWindows, "Chrome", "Windows", DeviceDesktop},
		{"safari iphone", safariIPhone, "Safari", "iOS", DeviceMobile},
		{"chrome android", chromeAndroid, "Chrome", "Android", DeviceMobile},
		{"firefox linux", firefoxLinux, "Firefox", "Linux", DeviceDesktop},
		{"curl", "curl/8.4.0", "unknown", "unknown", DeviceBot},
		{"empty", "", "unknown", "unknown", DeviceUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			info := ParseUserAgent(tc.ua)
			require.Equal(t, tc.browser, info.Browser)
			require.Equal(t, tc.os, info.OperatingSystem)
			require.Equal(t, tc.device, info.DeviceType)
		})
	}
}

func TestClientIPIgnoresForwardingHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	r.Header.Set("X-Real-IP", "198.51.100.4")
	r.Header.Set("X-Forwarded-For", "203.0.113.7")
	require.Equal(t, "10.0.0.9", ClientIP(r))

	r.RemoteAddr = "2001:db8::1"
	require.Equal(t, "2001:db8::1", ClientIP(r))
}

func TestClientIPResolver(t *testing.T) {
	res, err := NewClientIPResolver([]string{"10.0.0.0/8", " 192.0.2.10 ", ""})
	require.NoError(t, err)

	cases := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"untrusted peer keeps its own address", "198.51.100.7:1", "203.0.113.7", "203.0.113.8", "198.51.100.7"},
		{"trusted peer forwards", "10.0.0.1:1", "203.0.113.7", "", "203.0.113.7"},
		{"spoofed left hops are skipped", "10.0.0.1:1", "1.2.3.4, 203.0.113.7, 10.0.0.2", "", "203.0.113.7"},
		{"single trusted address", "192.0.2.10:1", "203.0.113.9", "", "203.0.113.9"},
		{"only trusted hops", "10.0.0.1:1", "10.0.0.3, 10.0.0.2", "", "10.0.0.3"},
		{"malformed hop stops the walk", "10.0.0.1:1", "junk, 10.0.0.2", "", "10.0.0.2"},
		{"real ip without chain", "10.0.0.1:1", "", "203.0.113.5", "203.0.113.5"},
		{"trusted peer without headers", "10.0.0.1:1", "", "", "10.0.0.1"},
		{"mapped v4 peer is trusted", "[::ffff:10.0.0.1]:1", "203.0.113.7", "", "203.0.113.7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xri != "" {
				r.Header.Set("X-Real-IP", tc.xri)
			}
			require.Equal(t, tc.want, res.ClientIP(r))
		})
	}
}

func TestClientIPResolverRejectsBadProxy(t *testing.T) {
	_, err := NewClientIPResolver([]string{"10.0.0.0/33"})
	require.Error(t, err)
	_, err = NewClientIPResolver([]string{"proxy.internal"})
	require.Error(t, err)

	var none *ClientIPResolver
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:1"
	r.Header.Set("X-Forwarded-For", "203.0.113.7")
	require.Equal(t, "10.0.0.1", none.ClientIP(r))
}

func TestDeviceInfoFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("User-Agent", chromeWindows)
	r.Header.Set("Accept-Language", "en-US,en;q=0.9")
	r.Header.Set("Accept-Encoding", "gzip, br")
	r.Header.Set("X-Device-Name", "work laptop")

	info := DeviceInfoFromRequest(r)
	require.Equal(t, "work laptop", info.DeviceName)
	require.Equal(t, "en-US,en;q=0.9", info.AcceptLanguage)
	require.Equal(t, "work laptop", info.SessionDevice().Name)
	require.Equal(t, "Chrome on Windows", ParseUserAgent(chromeWindows).SessionDevice().Name)
}

func TestFingerprintStable(t *testing.T) {
	info := ParseUserAgent(chromeWindows)
	info.AcceptLanguage = "en-US"
	info.AcceptEncoding = "gzip, br"

	fp := Fingerprint(info, "203.0.113.10")
	require.Len(t, fp, FingerprintLength)
	require.True(t, ValidFingerprint(fp))
	require.Equal(t, fp, Fingerprint(info, "203.0.113.10"))
	require.Equal(t, fp, Fingerprint(info, "203.0.113.200"), "same /24 network")

	spaced := info
	spaced.AcceptEncoding = "GZIP,br"
	require.Equal(t, fp, Fingerprint(spaced, "203.0.113.10"), "header formatting is canonicalized")

	require.NotEqual(t, fp, Fingerprint(info, "198.51.100.10"))
	other := ParseUserAgent(firefoxLinux)
	other.AcceptLanguage, other.AcceptEncoding = info.AcceptLanguage, info.AcceptEncoding
	require.NotEqual(t, fp, Fingerprint(other, "203.0.113.10"))
}

func TestIPDigestIPv6Prefix(t *testing.T) {
	require.Equal(t, IPDigest("2001:db8:1:2::1"), IPDigest("2001:db8:1:2:ffff::9"))
	require.NotEqual(t, IPDigest("2001:db8:1:2::1"), IPDigest("2001:db8:1:3::1"))
	require.Len(t, IPDigest("garbage"), 32)
}

func TestValidFingerprint(t *testing.T) {
	require.False(t, ValidFingerprint(""))
	require.False(t, ValidFingerprint("zz"))
	require.False(t, ValidFingerprint("0123456789abcdef0123456789abcdeg"))
	require.True(t, ValidFingerprint("0123456789abcdef0123456789abcdef"))
}
