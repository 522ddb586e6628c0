package parley

import (
	"fmt"
	"net/url"
	"strings"
)

// OriginAny is the AllowedOrigins value that admits frames from every origin.
const OriginAny = "any"

// NormalizeOrigin canonicalizes an origin string: scheme and host are
// lowercased, default ports are stripped, explicit non-default ports are
// preserved. Opaque origins (file scheme, or the literal "null") normalize to
// "null".
func NormalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", fmt.Errorf("empty origin")
	}
	if origin == "null" {
		return "null", nil
	}

	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parsing origin %q: %w", origin, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "file" {
		return "null", nil
	}
	if scheme == "" || u.Host == "" {
		return "", fmt.Errorf("origin %q missing scheme or host", origin)
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == defaultPort(scheme) {
		port = ""
	}
	if port != "" {
		return scheme + "://" + host + ":" + port, nil
	}
	return scheme + "://" + host, nil
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	}
	return ""
}

// originGate decides whether an inbound frame's source origin is trusted and
// computes the outbound target origin. It is configured once at engine
// construction and never mutated.
type originGate struct {
	any     bool
	allowed map[string]struct{}

	// selfOrigin is this endpoint's own origin, used as the outbound target
	// when cross-origin posting is disabled.
	selfOrigin string
	// sameOriginOnly makes selfOrigin the outbound target when no peer
	// origin is known.
	sameOriginOnly bool
	// allowWildcard permits "*" as the outbound target when no specific
	// origin is known. Off by default: wildcard outbound leaks payloads to
	// whichever origin currently owns the peer endpoint.
	allowWildcard bool
}

func newOriginGate(cfg Config) (originGate, error) {
	g := originGate{
		sameOriginOnly: cfg.SameOriginOnly,
		allowWildcard:  cfg.AllowWildcardTarget,
	}

	if cfg.LocalOrigin != "" {
		self, err := NormalizeOrigin(cfg.LocalOrigin)
		if err != nil {
			return originGate{}, &Error{Kind: KindConfig, Code: CodeInvalidConfig, Message: "invalid local origin", Err: err}
		}
		g.selfOrigin = self
	}

	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == OriginAny {
		g.any = true
		return g, nil
	}

	g.allowed = make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		norm, err := NormalizeOrigin(o)
		if err != nil {
			return originGate{}, &Error{Kind: KindConfig, Code: CodeInvalidConfig, Message: fmt.Sprintf("invalid allowed origin %q", o), Err: err}
		}
		g.allowed[norm] = struct{}{}
	}
	return g, nil
}

// admit reports whether a frame from the given source origin is trusted.
func (g originGate) admit(sourceOrigin string) bool {
	if g.any {
		return true
	}
	norm, err := NormalizeOrigin(sourceOrigin)
	if err != nil {
		return false
	}
	_, ok := g.allowed[norm]
	return ok
}

// resolveTargetOrigin computes the origin to post outbound frames to. A
// specific trusted origin wins; with same-origin posting enforced the local
// origin is used; otherwise "*" requires the explicit wildcard opt-in.
func (g originGate) resolveTargetOrigin(expectedOrigin string) (string, error) {
	if expectedOrigin != "" {
		norm, err := NormalizeOrigin(expectedOrigin)
		if err != nil {
			return "", &Error{Kind: KindSecurity, Code: CodeOriginNotAllowed, Message: "invalid peer origin", Err: err}
		}
		return norm, nil
	}
	if g.sameOriginOnly {
		if g.selfOrigin == "" {
			return "", newError(KindSecurity, CodeWildcardForbidden, "same-origin posting requires a local origin")
		}
		return g.selfOrigin, nil
	}
	if g.allowWildcard {
		return "*", nil
	}
	return "", newError(KindSecurity, CodeWildcardForbidden,
		"refusing wildcard target origin; set AllowWildcardTarget or connect a transport with a known peer origin")
}
