package sigrequest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/doctrust/internal/platform/auth"
	"github.com/ehr/doctrust/internal/platform/metrics"
)

func newTestEcho(t *testing.T) (*echo.Echo, *fixture) {
	t.Helper()
	f := newFixture(t)
	e := echo.New()
	NewHandler(f.svc).RegisterRoutes(e.Group("/api", auth.DevAuthMiddleware()))
	return e, f
}

func doJSON(e *echo.Echo, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

const createBody = `{"documentId":"doc1","signerName":"Dr. Silva","signerCrm":"CRM-SP-123456",` +
	`"signerEmail":"silva@example.com","documentHash":"abc123","expiresInHours":48}`

func createViaAPI(t *testing.T, e *echo.Echo) createResponse {
	t.Helper()
	rec := doJSON(e, http.MethodPost, "/api/signature-requests", createBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func signBody(token, password string) string {
	b, _ := json.Marshal(map[string]any{
		"token":      token,
		"password":   password,
		"method":     "password",
		"clientInfo": map[string]string{"ipAddress": "198.51.100.4", "userAgent": "sign-page"},
	})
	return string(b)
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Code
}

func TestHandler_CreateSignAndVerify(t *testing.T) {
	e, f := newTestEcho(t)
	created := createViaAPI(t, e)
	assert.NotEmpty(t, created.RequestID)
	assert.NotEmpty(t, created.Token)
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, f.clock.Now().Add(48*time.Hour), created.ExpiresAt.UTC())

	rec := doJSON(e, http.MethodGet, "/api/signature-requests/"+created.RequestID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "verificationToken")
	assert.NotContains(t, rec.Body.String(), created.Token)

	rec = doJSON(e, http.MethodPost, "/api/signature-requests/"+created.RequestID+"/sign",
		signBody(created.Token, "s3cret!"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var signed attemptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signed))
	assert.Equal(t, StatusSigned, signed.Status)
	assert.Len(t, signed.SignatureHash, 64)

	stored, err := f.store.GetSignature(context.Background(), signed.SignatureID)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.4", stored.IPAddress)
	assert.Equal(t, "sign-page", stored.UserAgent)

	rec = doJSON(e, http.MethodGet, "/api/signatures/"+signed.SignatureID+"/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report VerificationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Valid)

	rec = doJSON(e, http.MethodGet, "/api/documents/doc1/signatures?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Data  []Signature `json:"data"`
		Total int         `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, 1, listing.Total)
	require.Len(t, listing.Data, 1)
	assert.Equal(t, signed.SignatureID, listing.Data[0].ID)
}

func TestHandler_SignFallsBackToRequestClient(t *testing.T) {
	e, f := newTestEcho(t)
	created := createViaAPI(t, e)

	body := `{"token":"` + created.Token + `","password":"s3cret!"}`
	rec := doJSON(e, http.MethodPost, "/api/signature-requests/"+created.RequestID+"/sign", body,
		echo.HeaderXRealIP, "192.0.2.10", "User-Agent", "curl/8")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var signed attemptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signed))
	stored, err := f.store.GetSignature(context.Background(), signed.SignatureID)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", stored.IPAddress)
	assert.Equal(t, "curl/8", stored.UserAgent)
}

func TestHandler_SignErrors(t *testing.T) {
	e, f := newTestEcho(t)
	created := createViaAPI(t, e)
	path := "/api/signature-requests/" + created.RequestID + "/sign"

	rec := doJSON(e, http.MethodPost, path, signBody("bogus", "s3cret!"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_token", errorCode(t, rec))

	rec = doJSON(e, http.MethodPost, path, signBody(created.Token, "123"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "weak_password", errorCode(t, rec))

	rec = doJSON(e, http.MethodPost, path, `{"token":"`+created.Token+`","password":"s3cret!","method":"retina"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Third failure blocks; the fourth call sees a processed request.
	rec = doJSON(e, http.MethodPost, path, signBody(created.Token, "123"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = doJSON(e, http.MethodPost, path, signBody(created.Token, "s3cret!"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_processed", errorCode(t, rec))

	rec = doJSON(e, http.MethodPost, "/api/signature-requests/missing/sign", signBody(created.Token, "s3cret!"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	expiring := createViaAPI(t, e)
	f.clock.Advance(49 * time.Hour)
	rec = doJSON(e, http.MethodPost, "/api/signature-requests/"+expiring.RequestID+"/sign", signBody(expiring.Token, "s3cret!"))
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "request_expired", errorCode(t, rec))
}

func TestHandler_CreateValidation(t *testing.T) {
	e, _ := newTestEcho(t)

	rec := doJSON(e, http.MethodPost, "/api/signature-requests", `{"documentId":"doc1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_failed", errorCode(t, rec))

	rec = doJSON(e, http.MethodPost, "/api/signature-requests", strings.Replace(createBody, `48`, `500`, 1))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_expiry", errorCode(t, rec))
}

func TestHandler_Revoke(t *testing.T) {
	e, f := newTestEcho(t)
	sig := f.signed(t)
	path := "/api/signatures/" + sig.ID + "/revoke"

	rec := doJSON(e, http.MethodPost, path, `{"reason":"superseded"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var revoked Signature
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &revoked))
	assert.Equal(t, SignatureRevoked, revoked.Status)
	require.NotNil(t, revoked.Revocation)
	assert.Equal(t, "dev-user", revoked.Revocation.RevokedBy)

	rec = doJSON(e, http.MethodPost, path, `{"reason":"compromise"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", errorCode(t, rec))

	rec = doJSON(e, http.MethodPost, "/api/signatures/missing/revoke", `{"reason":"compromise"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(e, http.MethodGet, "/api/signatures/"+sig.ID+"/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report VerificationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.False(t, report.Valid)
	assert.Equal(t, SignatureRevoked, report.Status)
}

func TestHandler_RolesEnforced(t *testing.T) {
	f := newFixture(t)
	e := echo.New()
	api := e.Group("/api", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), auth.UserRolesKey, []string{"viewer"})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(f.svc).RegisterRoutes(api)

	rec := doJSON(e, http.MethodPost, "/api/signature-requests", createBody)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	sig := f.signed(t)
	rec = doJSON(e, http.MethodPost, "/api/signatures/"+sig.ID+"/revoke", `{"reason":"compromise"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Public routes stay open.
	rec = doJSON(e, http.MethodGet, "/api/signatures/"+sig.ID+"/verify", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_UndecodableBody(t *testing.T) {
	e, _ := newTestEcho(t)

	rec := doJSON(e, http.MethodPost, "/api/signature-requests", `{"documentId":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_body", errorCode(t, rec))

	rec = doJSON(e, http.MethodPost, "/api/signature-requests/req-1/sign", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_body", errorCode(t, rec))
}

// offlineStore loses its database on listing.
type offlineStore struct {
	Store
}

func (offlineStore) ListSignaturesByDocument(context.Context, string, int, int) ([]*Signature, int, error) {
	return nil, 0, errors.New("list signatures: dial tcp 10.0.0.5:5432: connection refused")
}

func TestHandler_StorageFailureIsRedacted(t *testing.T) {
	f := newFixture(t)
	tokens, err := NewTokens(testSecret, f.clock.Now)
	require.NoError(t, err)
	svc := NewService(Deps{
		Store:     offlineStore{f.store},
		Tokens:    tokens,
		Authority: testAuthority(t),
		Metrics:   metrics.New(prometheus.NewRegistry()),
		BaseURL:   "https://docs.example.com/",
		Now:       f.clock.Now,
		Logger:    zerolog.Nop(),
	})
	e := echo.New()
	NewHandler(svc).RegisterRoutes(e.Group("/api", auth.DevAuthMiddleware()))

	rec := doJSON(e, http.MethodGet, "/api/documents/doc1/signatures", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body.Code)
	assert.Equal(t, "internal error", body.Error)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
}
