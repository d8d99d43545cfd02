package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/broady/modelrpc/wire"
)

// CORSConfig configures cross-origin access for browser clients.
type CORSConfig struct {
	// AllowOrigins lists the origins allowed to call the server. "*" allows
	// every origin. Default: ["*"]
	AllowOrigins []string

	// AllowHeaders lists request headers allowed in addition to the ones
	// the transport and call metadata use.
	AllowHeaders []string

	// AllowCredentials lets browsers send cookies and authorization.
	AllowCredentials bool

	// MaxAge is how long browsers may cache a preflight result. Zero omits
	// the header.
	MaxAge time.Duration
}

// Request headers every modelrpc client may send.
var corsRequestHeaders = []string{
	"Content-Type",
	"Authorization",
	wire.HeaderEncoding,
	wire.HeaderTimeout,
	"Ordering",
	"Pagination",
	"Filters",
	"Partial-Update-Fields",
	"Traceparent",
	"Tracestate",
}

// Response headers and trailers that carry the call status.
var corsExposeHeaders = []string{
	wire.HeaderEncoding,
	wire.TrailerStatus,
	wire.TrailerMessage,
	wire.TrailerDetails,
}

// CORS returns an HTTP middleware for App.WithMiddleware that answers
// preflight requests and marks allowed responses. A nil config allows every
// origin without credentials.
func CORS(cfg *CORSConfig) func(http.Handler) http.Handler {
	if cfg == nil {
		cfg = &CORSConfig{}
	}
	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	wildcard := slices.Contains(origins, "*")
	allowHeaders := strings.Join(append(slices.Clone(corsRequestHeaders), cfg.AllowHeaders...), ", ")
	exposeHeaders := strings.Join(corsExposeHeaders, ", ")
	maxAge := ""
	if cfg.MaxAge > 0 {
		maxAge = strconv.Itoa(int(cfg.MaxAge / time.Second))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			if !wildcard || cfg.AllowCredentials {
				h.Add("Vary", "Origin")
			}

			allowed := origin != "" && (wildcard || slices.Contains(origins, origin))
			if allowed {
				// A literal "*" cannot be combined with credentials.
				if wildcard && !cfg.AllowCredentials {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
				}
				if cfg.AllowCredentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
				h.Set("Access-Control-Expose-Headers", exposeHeaders)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if allowed {
					h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
					h.Set("Access-Control-Allow-Headers", allowHeaders)
					if maxAge != "" {
						h.Set("Access-Control-Max-Age", maxAge)
					}
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
