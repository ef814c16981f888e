package sigrequest

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/doctrust/internal/platform/auth"
	"github.com/ehr/doctrust/internal/platform/hipaa"
	"github.com/ehr/doctrust/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Public: the signer holds a token, not a session.
	api.GET("/signature-requests/:id", h.GetRequest)
	api.POST("/signature-requests/:id/sign", h.AttemptSign)
	api.GET("/signatures/:id/verify", h.VerifySignature)

	writeGroup := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleClerk))
	writeGroup.POST("/signature-requests", h.CreateRequest)
	writeGroup.GET("/documents/:id/signatures", h.ListDocumentSignatures)

	revokeGroup := api.Group("", auth.RequireRole(auth.RolePhysician))
	revokeGroup.POST("/signatures/:id/revoke", h.Revoke)
}

type createResponse struct {
	RequestID string        `json:"requestId"`
	Token     string        `json:"token"`
	SignURL   string        `json:"signUrl"`
	Status    RequestStatus `json:"status"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

func (h *Handler) CreateRequest(c echo.Context) error {
	var in CreateRequestInput
	if err := c.Bind(&in); err != nil {
		return badRequest(err)
	}
	in.RequestedBy = auth.UserIDFromContext(c.Request().Context())

	res, err := h.svc.CreateRequest(c.Request().Context(), in)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, createResponse{
		RequestID: res.Request.ID,
		Token:     res.Token,
		SignURL:   res.SignURL,
		Status:    res.Request.Status,
		ExpiresAt: res.Request.ExpiresAt,
	})
}

func (h *Handler) GetRequest(c echo.Context) error {
	req, err := h.svc.GetRequest(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, req)
}

type attemptRequest struct {
	Token      string `json:"token"`
	Password   string `json:"password"`
	Method     string `json:"method"`
	ClientInfo struct {
		IPAddress string `json:"ipAddress"`
		UserAgent string `json:"userAgent"`
	} `json:"clientInfo"`
}

type attemptResponse struct {
	SignatureID     string          `json:"signatureId"`
	Status          RequestStatus   `json:"status"`
	SignatureHash   string          `json:"signatureHash"`
	SignedAt        time.Time       `json:"signedAt"`
	CertificateInfo CertificateInfo `json:"certificateInfo"`
}

func (h *Handler) AttemptSign(c echo.Context) error {
	var body attemptRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(err)
	}

	client := hipaa.ClientInfo{
		IPAddress: body.ClientInfo.IPAddress,
		UserAgent: body.ClientInfo.UserAgent,
	}
	if client.IPAddress == "" {
		client.IPAddress = c.RealIP()
	}
	if client.UserAgent == "" {
		client.UserAgent = c.Request().UserAgent()
	}

	sig, err := h.svc.AttemptSign(c.Request().Context(), c.Param("id"), AttemptInput{
		Token:    body.Token,
		Password: body.Password,
		Method:   body.Method,
		Client:   client,
	})
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, attemptResponse{
		SignatureID:     sig.ID,
		Status:          StatusSigned,
		SignatureHash:   sig.SignatureHash,
		SignedAt:        sig.SignedAt,
		CertificateInfo: sig.CertificateInfo,
	})
}

func (h *Handler) VerifySignature(c echo.Context) error {
	report, err := h.svc.VerifySignature(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) ListDocumentSignatures(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListDocumentSignatures(c.Request().Context(), c.Param("id"), pg.Limit, pg.Offset)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg, c.Request().URL))
}

func (h *Handler) Revoke(c echo.Context) error {
	var in RevokeInput
	if err := c.Bind(&in); err != nil {
		return badRequest(err)
	}
	if in.RevokedBy == "" {
		in.RevokedBy = auth.UserIDFromContext(c.Request().Context())
	}
	sig, err := h.svc.Revoke(c.Request().Context(), c.Param("id"), in)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, sig)
}

// errorBody lets clients branch on a stable code instead of the message.
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

func mapError(err error) error {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "request_not_found"
	case errors.Is(err, ErrSignatureNotFound):
		status, code = http.StatusNotFound, "signature_not_found"
	case errors.Is(err, ErrRequestExpired):
		status, code = http.StatusGone, "request_expired"
	case errors.Is(err, ErrAlreadyProcessed):
		status, code = http.StatusConflict, "already_processed"
	case errors.Is(err, ErrTooManyAttempts):
		status, code = http.StatusLocked, "too_many_attempts"
	case errors.Is(err, ErrInvalidToken):
		status, code = http.StatusUnauthorized, "invalid_token"
	case errors.Is(err, ErrWeakPassword):
		status, code = http.StatusUnauthorized, "weak_password"
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ErrInvalidExpiry):
		status, code = http.StatusBadRequest, "invalid_expiry"
	case errors.Is(err, ErrInvalidReason):
		status, code = http.StatusBadRequest, "invalid_reason"
	case errors.Is(err, ErrValidation):
		status, code = http.StatusBadRequest, "validation_failed"
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return echo.NewHTTPError(status, errorBody{Error: msg, Code: code}).SetInternal(err)
}
