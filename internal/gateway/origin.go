package gateway

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	return normalized, true
}

// originChecker enforces the configured client origin on the websocket
// handshake. Requests without an Origin header (non-browser clients) pass;
// their credentials are checked by the surrounding middleware instead.
func originChecker(allowed string, log *slog.Logger) func(r *http.Request) bool {
	normalizedAllowed, _ := normalizeOrigin(allowed)

	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			return true
		}

		origin, ok := normalizeOrigin(originHeader)
		if ok && origin == normalizedAllowed {
			return true
		}

		log.Warn("blocked push-channel handshake from disallowed origin", "origin", originHeader)
		return false
	}
}
