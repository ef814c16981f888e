package signature

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/doctrust/internal/platform/auth"
	"github.com/ehr/doctrust/internal/platform/canonical"
	"github.com/ehr/doctrust/internal/platform/pki"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Public verification surface
	api.GET("/verify/:documentId", h.GetVerification)
	api.POST("/verify", h.VerifySubmitted)
	api.GET("/certificate", h.GetCertificate)
	api.POST("/timestamp", h.IssueTimestamp)
	api.POST("/timestamp/verify", h.VerifyTimestamp)

	// Records-system endpoints
	writeGroup := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleClerk))
	writeGroup.POST("/documents", h.RegisterDocument)
	writeGroup.GET("/documents/:id", h.GetDocument)

	signGroup := api.Group("", auth.RequireRole(auth.RolePhysician))
	signGroup.POST("/documents/:id/sign", h.SignDocument)
}

// documentBody accepts both the stored ("id") and the canonical
// ("documentId") spelling of the identifier.
type documentBody struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"documentId"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	PatientName string    `json:"patientName"`
	DoctorName  string    `json:"doctorName"`
}

func (b documentBody) document() canonical.Document {
	id := b.ID
	if id == "" {
		id = b.DocumentID
	}
	return canonical.Document{
		ID:          id,
		Title:       b.Title,
		Content:     b.Content,
		CreatedAt:   b.CreatedAt,
		PatientName: b.PatientName,
		DoctorName:  b.DoctorName,
	}
}

func (h *Handler) RegisterDocument(c echo.Context) error {
	var body documentBody
	if err := c.Bind(&body); err != nil {
		return badRequest(err)
	}
	doc, err := h.svc.RegisterDocument(c.Request().Context(), body.document())
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, doc)
}

func (h *Handler) GetDocument(c echo.Context) error {
	doc, err := h.svc.GetDocument(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) SignDocument(c echo.Context) error {
	ctx := c.Request().Context()
	actor := auth.UserIDFromContext(ctx)
	if actor == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, errorBody{Error: "no authenticated signer", Code: "unauthorized"})
	}
	rec, err := h.svc.SignDocument(ctx, c.Param("id"), actor)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetVerification(c echo.Context) error {
	view, err := h.svc.VerificationView(c.Request().Context(), c.Param("documentId"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, view)
}

type verifyRequest struct {
	Document    documentBody `json:"document"`
	Hash        string       `json:"hash"`
	SignedAt    time.Time    `json:"signedAt"`
	SignerID    string       `json:"signerId"`
	Signature   string       `json:"signature"`
	Certificate string       `json:"certificate"`
}

// VerifySubmitted answers 200 for both valid and invalid documents; only a
// certificate that cannot be parsed at all is a client error.
func (h *Handler) VerifySubmitted(c echo.Context) error {
	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(err)
	}
	if strings.TrimSpace(req.Signature) == "" || strings.TrimSpace(req.Certificate) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, errorBody{
			Error: "signature and certificate are required",
			Code:  "validation_failed",
		})
	}

	res, err := h.svc.Verify(c.Request().Context(), VerifyInput{
		Document:    req.Document.document(),
		Hash:        req.Hash,
		SignedAt:    req.SignedAt,
		SignerID:    req.SignerID,
		Signature:   req.Signature,
		Certificate: req.Certificate,
	})
	if errors.Is(err, ErrMalformedCertificate) {
		return c.JSON(http.StatusBadRequest, res)
	}
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetCertificate(c echo.Context) error {
	view, err := h.svc.Certificate()
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) IssueTimestamp(c echo.Context) error {
	var req struct {
		Data string `json:"data"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(err)
	}
	if req.Data == "" {
		return echo.NewHTTPError(http.StatusBadRequest, errorBody{Error: "data is required", Code: "validation_failed"})
	}
	proof, err := h.svc.Timestamp(c.Request().Context(), req.Data)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, proof)
}

func (h *Handler) VerifyTimestamp(c echo.Context) error {
	var proof TimestampProof
	if err := c.Bind(&proof); err != nil {
		return badRequest(err)
	}
	ok, err := h.svc.VerifyTimestamp(proof)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"valid": ok})
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// badRequest reports an undecodable body with echo's own description of it.
func badRequest(err error) error {
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		// echo's error handler would answer with an *HTTPError found as the
		// internal error, so keep only its cause.
		msg, err = fmt.Sprint(he.Message), he.Internal
	}
	return echo.NewHTTPError(http.StatusBadRequest, errorBody{Error: msg, Code: "invalid_body"}).SetInternal(err)
}

// mapError turns service errors into the shared error body. 5xx messages are
// replaced: the public endpoints must not echo storage or crypto failures.
func mapError(err error) error {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		status, code = http.StatusNotFound, "document_not_found"
	case errors.Is(err, ErrDocumentExists):
		status, code = http.StatusConflict, "document_exists"
	case errors.Is(err, ErrSigningError):
		status, code = http.StatusBadRequest, "signing_error"
	case errors.Is(err, ErrMalformedProof):
		status, code = http.StatusBadRequest, "malformed_proof"
	case errors.Is(err, pki.ErrNotInitialized):
		status, code = http.StatusServiceUnavailable, "identity_unavailable"
	}
	msg := err.Error()
	switch {
	case status == http.StatusServiceUnavailable:
		msg = "signing identity unavailable"
	case status >= http.StatusInternalServerError:
		msg = "internal error"
	}
	return echo.NewHTTPError(status, errorBody{Error: msg, Code: code}).SetInternal(err)
}
