package api

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy decides which browser pages may drive the view server. The
// server acts with the operator's session, so pages from other origins are
// refused outright, including the simple requests CORS alone lets through.
type originPolicy struct {
	allowed map[string]bool
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: map[string]bool{}}
	for _, origin := range origins {
		origin = strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
		if origin != "" && origin != "*" {
			p.allowed[origin] = true
		}
	}
	return p
}

// trusted reports whether r may proceed. Requests without an Origin header
// come from non-browser clients such as curl. A page served from the view
// server itself is trusted only on a loopback host name.
func (p originPolicy) trusted(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if p.allowed[strings.ToLower(origin)] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host) && isLoopback(u.Hostname())
}

func (p originPolicy) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.trusted(r) {
			respondWithDetail(w, http.StatusForbidden, "Origin not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
