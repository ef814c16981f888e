package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseLimit(t *testing.T) {
	tests := map[string]int64{
		"1M":      1000000,
		"1MiB":    1 << 20,
		"512KiB":  512 << 10,
		"2MB":     2000000,
		"1024":    1024,
		" 64 KB ": 64000,
		"":        DefaultBodyLimit,
		"invalid": DefaultBodyLimit,
		"0":       DefaultBodyLimit,
	}
	for input, want := range tests {
		if got := parseLimit(input); got != want {
			t.Errorf("parseLimit(%q) = %d, want %d", input, got, want)
		}
	}
}

// postDocument sends body to a handler that reads it completely, the way
// c.Bind does.
func postDocument(limit string, body []byte, knownLength bool) (read int, err error) {
	req := httptest.NewRequest(http.MethodPost, "/api/documents", bytes.NewReader(body))
	if !knownLength {
		req.ContentLength = -1
	}
	c := echo.New().NewContext(req, httptest.NewRecorder())

	err = BodyLimit(limit)(func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		read = len(b)
		return err
	})(c)
	return read, err
}

func requireTooLarge(t *testing.T, err error) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %v", err)
	}
	if body, ok := httpErr.Message.(errorBody); !ok || body.Code != "body_too_large" {
		t.Errorf("unexpected error body %#v", httpErr.Message)
	}
}

func TestBodyLimit_AllowsDocumentWithinLimit(t *testing.T) {
	doc := []byte(`{"id":"doc1","title":"Receita","content":"Amoxicilina 500mg","patientName":"Maria Souza"}`)
	for _, known := range []bool{true, false} {
		read, err := postDocument("1KiB", doc, known)
		if err != nil {
			t.Fatalf("knownLength=%v: unexpected error: %v", known, err)
		}
		if read != len(doc) {
			t.Errorf("knownLength=%v: read %d of %d bytes", known, read, len(doc))
		}
	}
}

func TestBodyLimit_ExactLimitPasses(t *testing.T) {
	if _, err := postDocument("512", bytes.Repeat([]byte("a"), 512), false); err != nil {
		t.Fatalf("a body of exactly the limit must pass: %v", err)
	}
}

func TestBodyLimit_RejectsDeclaredLength(t *testing.T) {
	called := false
	req := httptest.NewRequest(http.MethodPost, "/api/documents", bytes.NewReader(make([]byte, 2048)))
	c := echo.New().NewContext(req, httptest.NewRecorder())

	err := BodyLimit("1KiB")(func(c echo.Context) error {
		called = true
		return nil
	})(c)
	requireTooLarge(t, err)
	if called {
		t.Error("handler ran for a body declared too large")
	}
}

func TestBodyLimit_RejectsWhileReading(t *testing.T) {
	_, err := postDocument("512", bytes.Repeat([]byte("a"), 1024), false)
	requireTooLarge(t, err)
}

func TestBodyLimit_NoBody(t *testing.T) {
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/api/certificate", nil), httptest.NewRecorder())
	if err := BodyLimit("1")(func(c echo.Context) error { return nil })(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
