package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestRecordShapePerKind(t *testing.T) {
	tests := []struct {
		name       string
		err        *Error
		statusCode int
		status     string
	}{
		{"validation", Validation("name is required"), 400, "fail"},
		{"bad request", BadRequest("unsupported content type"), 400, "fail"},
		{"not authorized", NotAuthorized("missing credentials"), 401, "fail"},
		{"not found", NotFound("no such chat"), 404, "fail"},
		{"payload too large", PayloadTooLarge("body exceeds limit"), 413, "fail"},
		{"server unavailable", Unavailable("database unreachable"), 503, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.err.Record()
			if rec.StatusCode != tt.statusCode {
				t.Errorf("statusCode = %d, want %d", rec.StatusCode, tt.statusCode)
			}
			if rec.Status != tt.status {
				t.Errorf("status = %q, want %q", rec.Status, tt.status)
			}
			if rec.Message != tt.err.Message {
				t.Errorf("message = %q, want %q", rec.Message, tt.err.Message)
			}
		})
	}
}

func TestClassifyKnownKind(t *testing.T) {
	rec, known := Classify(NotFound("no such room"))
	if !known {
		t.Fatal("expected taxonomy member to be recognized")
	}
	if rec.StatusCode != 404 || rec.Status != "fail" || rec.Message != "no such room" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestClassifyWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("handler failed: %w", Unavailable("broker down"))
	rec, known := Classify(wrapped)
	if !known {
		t.Fatal("expected wrapped taxonomy member to be recognized")
	}
	if rec.StatusCode != 503 {
		t.Fatalf("statusCode = %d, want 503", rec.StatusCode)
	}
}

func TestClassifyUnknownFault(t *testing.T) {
	rec, known := Classify(errors.New("nil pointer dereference in handler"))
	if known {
		t.Fatal("unclassified fault should not be recognized")
	}
	if rec.StatusCode != 500 {
		t.Errorf("statusCode = %d, want 500", rec.StatusCode)
	}
	if rec.Status != "error" {
		t.Errorf("status = %q, want %q", rec.Status, "error")
	}
	if rec.Message != "something went very wrong" {
		t.Errorf("generic record leaked detail: %q", rec.Message)
	}
}

func TestCauseNeverReachesRecord(t *testing.T) {
	err := Unavailable("service unavailable").WithCause(errors.New("dial tcp 10.0.0.5:5432: connection refused"))
	rec := err.Record()
	if rec.Message != "service unavailable" {
		t.Fatalf("record message carries internal detail: %q", rec.Message)
	}
	if !errors.Is(err, err.Unwrap()) && err.Unwrap() == nil {
		t.Fatal("cause should remain reachable for server-side logging")
	}
}

func TestKindStatusCodeAlwaysValid(t *testing.T) {
	for k := KindUnknown; k <= KindServerUnavailable; k++ {
		code := k.StatusCode()
		if code < 400 || code > 599 {
			t.Errorf("kind %v maps to invalid status code %d", k, code)
		}
	}
}
