// Package cors builds the CORS middleware described in spec.md §4.5: off,
// allow-all, or an explicit origin list where a value of the shape
// "/pattern/" is matched as a regex instead of a literal.
package cors

import (
	"net/http"
	"regexp"
	"strings"

	gochicors "github.com/go-chi/cors"
)

// Config is the resolved --cors flag: Disabled unless Present.
type Config struct {
	Present  bool
	AllowAll bool
	Origins  []string
}

// exposedHeaders is added to Access-Control-Expose-Headers on every
// CORS-enabled response so browser clients can read the session id
// Streamable HTTP stamps onto responses (spec.md §4.5).
var exposedHeaders = []string{"Mcp-Session-Id"}

// Build returns a chi-compatible CORS middleware for cfg, or nil if CORS
// is disabled.
func Build(cfg Config) func(http.Handler) http.Handler {
	if !cfg.Present {
		return nil
	}
	if cfg.AllowAll || len(cfg.Origins) == 0 || containsWildcard(cfg.Origins) {
		return gochicors.Handler(gochicors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   exposedHeaders,
			AllowCredentials: false,
		})
	}

	exact, regexes := splitOrigins(cfg.Origins)
	return gochicors.Handler(gochicors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			for _, e := range exact {
				if e == origin {
					return true
				}
			}
			for _, re := range regexes {
				if re.MatchString(origin) {
					return true
				}
			}
			return false
		},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: exposedHeaders,
	})
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// splitOrigins separates literal origins from "/regex/"-shaped ones,
// anchored per the source pattern (spec.md §4.5: "anchored per the source
// pattern" — i.e. no implicit ^/$ is added beyond what the author wrote).
func splitOrigins(origins []string) ([]string, []*regexp.Regexp) {
	var exact []string
	var regexes []*regexp.Regexp
	for _, o := range origins {
		if strings.HasPrefix(o, "/") && strings.HasSuffix(o, "/") && len(o) > 2 {
			pattern := o[1 : len(o)-1]
			if re, err := regexp.Compile(pattern); err == nil {
				regexes = append(regexes, re)
				continue
			}
		}
		exact = append(exact, o)
	}
	return exact, regexes
}
