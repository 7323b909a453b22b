// Package httpmw assembles the HTTP pipeline: panic recovery, CORS and
// security headers, request body limits, routing, and the translation of
// handler errors into wire records.
package httpmw

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/mverbeek/pushgate/internal/apperr"
	"github.com/mverbeek/pushgate/internal/jsoncodec"
	"github.com/mverbeek/pushgate/internal/settings"
)

// HandlerFunc is an HTTP handler that reports failures instead of writing
// them; the pipeline translates the error into the wire record.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Pipeline wires the middleware chain around a router. Register routes first,
// then mount Handler on the server.
type Pipeline struct {
	cfg    *settings.Settings
	log    *slog.Logger
	router *httprouter.Router
}

func New(cfg *settings.Settings, log *slog.Logger) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		log:    log,
		router: httprouter.New(),
	}
	p.router.NotFound = http.HandlerFunc(p.notFound)
	p.router.HandleMethodNotAllowed = false
	return p
}

// Handle registers an error-returning handler on the router.
func (p *Pipeline) Handle(method, path string, h HandlerFunc) {
	p.router.Handler(method, path, p.translate(h))
}

// HandleHTTP registers a plain handler, for routes that hijack the connection
// (the push-channel upgrade) and manage their own failures.
func (p *Pipeline) HandleHTTP(method, path string, h http.Handler) {
	p.router.Handler(method, path, h)
}

// Handler returns the full chain. Order matters: recovery wraps everything so
// a panic in any later stage still yields a well-formed record, and the body
// limit runs before any handler reads.
func (p *Pipeline) Handler() http.Handler {
	var h http.Handler = p.router
	h = p.bodyLimit(h)
	h = p.security(h)
	h = p.recovery(h)
	return h
}

// recovery converts a handler panic into the generic fault record.
func (p *Pipeline) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				p.log.Error("panic in handler", "path", r.URL.Path, "panic", rec)
				writeRecord(w, apperr.InternalRecord())
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// security sets the CORS policy for the single allowed client origin and
// answers preflight requests without touching the router.
func (p *Pipeline) security(next http.Handler) http.Handler {
	allowedMethods := strings.Join(settings.AllowedMethods, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !strings.EqualFold(origin, p.cfg.ClientOrigin) {
				p.log.Warn("request from disallowed origin", "origin", origin, "path", r.URL.Path)
				writeRecord(w, apperr.NotAuthorized("origin not allowed").Record())
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", p.cfg.ClientOrigin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bodyLimit rejects oversized requests before the handler runs when the
// declared length already exceeds the limit, and caps the reader for the rest.
func (p *Pipeline) bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > p.cfg.MaxBodyBytes {
			p.log.Warn("rejecting oversized request", "path", r.URL.Path, "length", r.ContentLength)
			writeRecord(w, apperr.PayloadTooLarge("request body too large").Record())
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, p.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// notFound writes the fixed unknown-route body. Its shape is part of the
// public contract: only the message field, naming the path.
func (p *Pipeline) notFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_ = jsoncodec.Encode(w, struct {
		Message string `json:"message"`
	}{Message: fmt.Sprintf("%s not found", r.URL.Path)})
}

// translate runs the handler and converts a returned error into its wire
// record. Unclassified errors become the generic fault and are logged with
// their cause; the cause never reaches the client.
func (p *Pipeline) translate(h HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}

		rec, known := apperr.Classify(err)
		if !known || rec.StatusCode >= http.StatusInternalServerError {
			p.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		} else {
			p.log.Debug("request rejected", "method", r.Method, "path", r.URL.Path,
				"status", rec.StatusCode, "err", err)
		}
		writeRecord(w, rec)
	})
}

func writeRecord(w http.ResponseWriter, rec apperr.Record) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rec.StatusCode)
	_ = jsoncodec.Encode(w, rec)
}

// DecodeJSON reads the request body into dst, mapping decode failures to the
// validation kind and an exhausted body limit to the payload-too-large kind.
func DecodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperr.PayloadTooLarge("request body too large").WithCause(err)
		}
		return apperr.BadRequest("reading request body failed").WithCause(err)
	}
	if err := jsoncodec.Unmarshal(body, dst); err != nil {
		return apperr.Validation("request body is not valid JSON").WithCause(err)
	}
	return nil
}
