package ports

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	corsAllowedMethods = "GET, POST, PUT, DELETE"
	corsAllowedHeaders = "Content-Type, X-User-Id"
	corsMaxAgeSeconds  = "600"
)

// DomainSuffixes matches browser origins against https domains and their
// subdomains. Plain http is accepted only for localhost, and only when
// enabled with AllowLocalhost.
type DomainSuffixes struct {
	suffixes       []string
	allowLocalhost bool
}

func NewDomainSuffixes(suffixes ...string) (*DomainSuffixes, error) {
	for _, suffix := range suffixes {
		switch {
		case suffix == "":
			return nil, fmt.Errorf("domain suffix must not be empty")
		case strings.HasPrefix(suffix, "."):
			return nil, fmt.Errorf("domain suffix %s should not start with a dot", suffix)
		case strings.Contains(suffix, "://"):
			return nil, fmt.Errorf("domain suffix %s should not contain a scheme", suffix)
		case strings.ContainsAny(suffix, "/:"):
			return nil, fmt.Errorf("domain suffix %s should be a bare domain", suffix)
		}
	}
	return &DomainSuffixes{
		suffixes: suffixes,
	}, nil
}

// AllowLocalhost additionally accepts http and https origins on localhost, any port
func (s *DomainSuffixes) AllowLocalhost() *DomainSuffixes {
	return &DomainSuffixes{
		suffixes:       s.suffixes,
		allowLocalhost: true,
	}
}

func (s *DomainSuffixes) AnyMatch(origin string) bool {
	if s.allowLocalhost && isLocalhostOrigin(origin) {
		return true
	}

	host, ok := strings.CutPrefix(origin, "https://")
	if !ok || strings.ContainsAny(host, "/?#@") {
		return false
	}
	for _, suffix := range s.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

func isLocalhostOrigin(origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	if parsed.Path != "" || parsed.RawQuery != "" || parsed.User != nil {
		return false
	}
	return parsed.Hostname() == "localhost"
}

func BuildCORSMiddleware(allowedSuffixes *DomainSuffixes) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			if !allowedSuffixes.AnyMatch(origin) {
				next(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			if r.Method != http.MethodOptions {
				next(w, r)
				return
			}

			// Preflight
			w.Header().Set("Access-Control-Allow-Methods", corsAllowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			w.Header().Set("Access-Control-Max-Age", corsMaxAgeSeconds)
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

func BuildCORSHandler(allowedSuffixes *DomainSuffixes) http.HandlerFunc {
	return BuildCORSMiddleware(allowedSuffixes)(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}
