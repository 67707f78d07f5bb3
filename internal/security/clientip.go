package security

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPResolver decides which address a request came from. X-Forwarded-For
// and X-Real-IP are honoured only when the direct peer is a trusted proxy.
// A zero or nil resolver trusts no proxy.
type ClientIPResolver struct {
	trusted []netip.Prefix
}

// NewClientIPResolver parses proxies as CIDR blocks or single addresses.
func NewClientIPResolver(proxies []string) (*ClientIPResolver, error) {
	r := &ClientIPResolver{}
	for _, raw := range proxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("security: trusted proxy %q: %w", raw, err)
			}
			addr = addr.Unmap()
			r.trusted = append(r.trusted, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("security: trusted proxy %q: %w", raw, err)
		}
		r.trusted = append(r.trusted, prefix.Masked())
	}
	return r, nil
}

func (r *ClientIPResolver) trusts(addr netip.Addr) bool {
	if r == nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range r.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the peer address unless the peer is a trusted proxy. Then
// X-Forwarded-For is walked right to left past trusted hops and the first
// untrusted hop wins. X-Real-IP is used when no forwarded chain is present.
func (r *ClientIPResolver) ClientIP(req *http.Request) string {
	peer := ClientIP(req)
	addr, err := netip.ParseAddr(peer)
	if err != nil || !r.trusts(addr) {
		return peer
	}
	if chain := req.Header.Values("X-Forwarded-For"); len(chain) > 0 {
		hops := strings.Split(strings.Join(chain, ","), ",")
		client := peer
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			client = hop.Unmap().String()
			if !r.trusts(hop) {
				break
			}
		}
		return client
	}
	if xri, err := netip.ParseAddr(strings.TrimSpace(req.Header.Get("X-Real-IP"))); err == nil {
		return xri.Unmap().String()
	}
	return peer
}

// Middleware replaces RemoteAddr with the resolved client address so later
// handlers and ClientIP see one answer.
func (r *ClientIPResolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if ip := r.ClientIP(req); ip != "" && ip != ClientIP(req) {
			req.RemoteAddr = ip
		}
		next.ServeHTTP(w, req)
	})
}
