package security

import (
	"encoding/hex"
	"net"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/blake2b"
)

// FingerprintLength is the number of hex characters kept from the digest.
const FingerprintLength = 32

// fingerprintInput fixes the field order of the hashed document.
type fingerprintInput struct {
	DeviceType      string `json:"device_type"`
	OperatingSystem string `json:"os"`
	UserAgent       string `json:"user_agent"`
	Network         string `json:"network"`
	AcceptLanguage  string `json:"accept_language"`
	AcceptEncoding  string `json:"accept_encoding"`
}

// Fingerprint derives a stable device identifier from request metadata and the
// client address. Only the address's network prefix enters the hash, so a
// device keeps its fingerprint across DHCP renewals on the same network.
// Nothing time-dependent is hashed.
func Fingerprint(info DeviceInfo, ip string) string {
	in := fingerprintInput{
		DeviceType:      canonical(info.DeviceType),
		OperatingSystem: canonical(info.OperatingSystem),
		UserAgent:       canonical(info.UserAgent),
		Network:         IPDigest(ip),
		AcceptLanguage:  canonical(info.AcceptLanguage),
		AcceptEncoding:  canonicalList(info.AcceptEncoding),
	}
	doc, err := json.Marshal(in)
	if err != nil {
		// a struct of strings always marshals
		panic(err)
	}
	sum := blake2b.Sum256(doc)
	return hex.EncodeToString(sum[:])[:FingerprintLength]
}

// IPDigest hashes the network an address belongs to: /24 for IPv4, /64 for
// IPv6. Unparsable input is hashed as given.
func IPDigest(ip string) string {
	network := strings.TrimSpace(ip)
	if parsed := net.ParseIP(network); parsed != nil {
		if v4 := parsed.To4(); v4 != nil {
			network = v4.Mask(net.CIDRMask(24, 32)).String() + "/24"
		} else {
			network = parsed.Mask(net.CIDRMask(64, 128)).String() + "/64"
		}
	}
	sum := blake2b.Sum256([]byte(network))
	return hex.EncodeToString(sum[:16])
}

// ValidFingerprint reports whether s has the shape Fingerprint produces.
func ValidFingerprint(s string) bool {
	if len(s) != FingerprintLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func canonical(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// canonicalList normalizes comma separated header values so that spacing
// differences between clients do not change the fingerprint.
func canonicalList(s string) string {
	parts := strings.Split(strings.ToLower(s), ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}
