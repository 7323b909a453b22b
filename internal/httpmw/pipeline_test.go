package httpmw

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mverbeek/pushgate/internal/apperr"
	"github.com/mverbeek/pushgate/internal/jsoncodec"
	"github.com/mverbeek/pushgate/internal/settings"
)

func newTestPipeline() *Pipeline {
	cfg := &settings.Settings{
		ClientOrigin: "http://localhost:3000",
		MaxBodyBytes: 1024,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, log)
}

func do(p *Pipeline, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeRecord(t *testing.T, rr *httptest.ResponseRecorder) apperr.Record {
	t.Helper()
	var rec apperr.Record
	if err := jsoncodec.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("body is not a record: %v (%s)", err, rr.Body)
	}
	return rec
}

func TestUnknownRouteBody(t *testing.T) {
	p := newTestPipeline()

	rr := do(p, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", rr.Code)
	}
	want := `{"message":"/nope not found"}`
	if got := strings.TrimSpace(rr.Body.String()); got != want {
		t.Fatalf("body = %s, want %s", got, want)
	}
}

func TestHandlerErrorTranslation(t *testing.T) {
	p := newTestPipeline()
	p.Handle(http.MethodGet, "/invalid", func(w http.ResponseWriter, r *http.Request) error {
		return apperr.Validation("name is required")
	})
	p.Handle(http.MethodGet, "/boom", func(w http.ResponseWriter, r *http.Request) error {
		return errors.New("pq: connection refused")
	})

	t.Run("classified error keeps its record", func(t *testing.T) {
		rr := do(p, httptest.NewRequest(http.MethodGet, "/invalid", nil))
		rec := decodeRecord(t, rr)
		want := apperr.Record{Message: "name is required", Status: "fail", StatusCode: 400}
		if rec != want {
			t.Fatalf("record = %+v, want %+v", rec, want)
		}
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("code = %d, want 400", rr.Code)
		}
	})

	t.Run("unclassified error never leaks", func(t *testing.T) {
		rr := do(p, httptest.NewRequest(http.MethodGet, "/boom", nil))
		rec := decodeRecord(t, rr)
		want := apperr.Record{Message: "something went very wrong", Status: "error", StatusCode: 500}
		if rec != want {
			t.Fatalf("record = %+v, want %+v", rec, want)
		}
		if strings.Contains(rr.Body.String(), "pq:") {
			t.Fatal("internal cause leaked to the client")
		}
	})
}

func TestOversizedBodyNeverReachesHandler(t *testing.T) {
	p := newTestPipeline()
	invoked := false
	p.Handle(http.MethodPost, "/ingest", func(w http.ResponseWriter, r *http.Request) error {
		invoked = true
		return nil
	})

	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(strings.Repeat("x", 2048)))
	req.Header.Set("Content-Type", "application/json")
	rr := do(p, req)

	if invoked {
		t.Fatal("handler ran despite oversized body")
	}
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("code = %d, want 413", rr.Code)
	}
	rec := decodeRecord(t, rr)
	if rec.Status != "fail" || rec.StatusCode != 413 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestPanicRecovery(t *testing.T) {
	p := newTestPipeline()
	p.Handle(http.MethodGet, "/panic", func(w http.ResponseWriter, r *http.Request) error {
		panic("nil map write")
	})

	rr := do(p, httptest.NewRequest(http.MethodGet, "/panic", nil))
	rec := decodeRecord(t, rr)
	if rec != apperr.InternalRecord() {
		t.Fatalf("record = %+v", rec)
	}
	if strings.Contains(rr.Body.String(), "nil map") {
		t.Fatal("panic value leaked to the client")
	}
}

func TestCORSPreflight(t *testing.T) {
	p := newTestPipeline()

	req := httptest.NewRequest(http.MethodOptions, "/anything", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := do(p, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("code = %d, want 204", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow-origin = %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("allow-credentials = %q", got)
	}
}

func TestDisallowedOriginRejected(t *testing.T) {
	p := newTestPipeline()
	invoked := false
	p.Handle(http.MethodGet, "/data", func(w http.ResponseWriter, r *http.Request) error {
		invoked = true
		return nil
	})

	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	rr := do(p, req)

	if invoked {
		t.Fatal("handler ran for disallowed origin")
	}
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rr.Code)
	}
}

func TestRequestWithoutOriginPasses(t *testing.T) {
	p := newTestPipeline()
	p.Handle(http.MethodGet, "/data", func(w http.ResponseWriter, r *http.Request) error {
		w.WriteHeader(http.StatusOK)
		return nil
	})

	rr := do(p, httptest.NewRequest(http.MethodGet, "/data", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rr.Code)
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("valid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}`))
		var dst payload
		if err := DecodeJSON(req, &dst); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if dst.Name != "a" {
			t.Fatalf("dst = %+v", dst)
		}
	})

	t.Run("malformed body maps to validation", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
		var dst payload
		err := DecodeJSON(req, &dst)
		var appErr *apperr.Error
		if !errors.As(err, &appErr) || appErr.Kind != apperr.KindValidation {
			t.Fatalf("err = %v, want validation", err)
		}
	})

	t.Run("exhausted limit maps to payload too large", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"aaaaaaaaaa"}`))
		req.Body = http.MaxBytesReader(rr, req.Body, 4)
		var dst payload
		err := DecodeJSON(req, &dst)
		var appErr *apperr.Error
		if !errors.As(err, &appErr) || appErr.Kind != apperr.KindPayloadTooLarge {
			t.Fatalf("err = %v, want payload too large", err)
		}
	})
}
