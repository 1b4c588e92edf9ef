package realtime

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
)

var errMissingOrigin = errors.New("missing origin")

// originPolicy decides which browser origins may open a socket. An entry
// matches either the full origin or, failing that, its host alone.
type originPolicy struct {
	required bool
	wildcard bool
	origins  map[string]struct{}
	hosts    map[string]struct{}
}

func newOriginPolicy(required bool, allowed []string) originPolicy {
	p := originPolicy{
		required: required,
		origins:  make(map[string]struct{}, len(allowed)),
		hosts:    make(map[string]struct{}, len(allowed)),
	}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
		case a == "*":
			p.wildcard = true
		default:
			p.origins[strings.ToLower(a)] = struct{}{}
			if h := originHost(a); h != "" {
				p.hosts[h] = struct{}{}
			}
		}
	}
	return p
}

func (p originPolicy) check(origin string) error {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		if p.required {
			return errMissingOrigin
		}
		return nil
	}
	if p.wildcard {
		return nil
	}
	if _, ok := p.origins[strings.ToLower(origin)]; ok {
		return nil
	}
	if _, ok := p.hosts[originHost(origin)]; ok {
		return nil
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// acceptPatterns feeds websocket.AcceptOptions.OriginPatterns so the
// library's own cross-origin check agrees with this policy. The library
// matches against host:port, hence the port wildcard per host.
func (p originPolicy) acceptPatterns() []string {
	if p.wildcard {
		return []string{"*"}
	}
	out := make([]string, 0, 2*len(p.hosts))
	for _, h := range slices.Sorted(maps.Keys(p.hosts)) {
		out = append(out, h, h+":*")
	}
	return out
}

// originHost extracts the lowercased host from an origin or a bare host[:port].
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "//" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
