package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/credential-service/internal/logger"
	"github.com/iliyamo/credential-service/internal/middleware"
	"github.com/iliyamo/credential-service/internal/model"
	"github.com/iliyamo/credential-service/internal/service"
	"github.com/iliyamo/credential-service/internal/validation"
)

const (
	requestTimeout  = 5 * time.Second
	maxRefreshBody  = 8 << 10
	msgInvalidBody  = "Invalid request body"
	msgUnexpected   = "An unexpected error occurred"
	msgRevoked      = "Refresh token revoked"
	msgRevokedAll   = "All sessions revoked"
	msgProfileFound = "Profile data fetched successfully"
)

// Credentials is the slice of the credential service the handlers call.
type Credentials interface {
	Register(ctx context.Context, in service.RegisterInput, clientIP string) (service.AuthResult, error)
	Login(ctx context.Context, email, password, clientIP string) (service.AuthResult, error)
	RefreshToken(ctx context.Context, rawSecret, clientIP string) (service.AuthResult, error)
	RevokeRefreshToken(ctx context.Context, rawSecret string) error
	RevokeAllRefreshTokens(ctx context.Context, identityID string) (int, error)
}

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	Svc Credentials
	Log *zap.Logger
	Now func() time.Time
}

func NewAuthHandler(svc Credentials, lg *zap.Logger) *AuthHandler {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &AuthHandler{Svc: svc, Log: lg, Now: time.Now}
}

// ----- DTOs -----

type registerReq struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Photo    string `json:"photo"`
	Gender   string `json:"gender"`
	Dob      date   `json:"dob"`
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshReq struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenData struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	ExpiresInMinutes int    `json:"expiresInMinutes"`
}

type profileData struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type revokedData struct {
	Revoked int `json:"revoked"`
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// date accepts either a calendar date (2006-01-02) or an RFC 3339 timestamp.
type date struct{ time.Time }

func (d *date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		d.Time = t
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

// Register: create an identity and return its first credential pair.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, msgInvalidBody)
	}
	in := validation.Register{
		Name:     strings.TrimSpace(req.Name),
		Email:    strings.TrimSpace(req.Email),
		Photo:    strings.TrimSpace(req.Photo),
		Gender:   strings.ToLower(strings.TrimSpace(req.Gender)),
		Dob:      req.Dob.Time,
		Password: req.Password,
	}
	if err := validation.ValidateRegister(in, h.Now()); err != nil {
		return h.writeError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	res, err := h.Svc.Register(ctx, service.RegisterInput{
		Name:     in.Name,
		Email:    in.Email,
		Password: in.Password,
		Photo:    in.Photo,
		Gender:   model.Gender(in.Gender),
		Dob:      in.Dob,
	}, c.RealIP())
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, envelope{Success: true, Data: tokens(res)})
}

// Login: verify credentials and return a new pair.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, msgInvalidBody)
	}
	in := validation.Login{Email: strings.TrimSpace(req.Email), Password: req.Password}
	if err := validation.ValidateLogin(in); err != nil {
		return h.writeError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	res, err := h.Svc.Login(ctx, in.Email, in.Password, c.RealIP())
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, envelope{Success: true, Data: tokens(res)})
}

// Refresh: exchange a refresh token for a new pair. The presented token is
// rotated and cannot be used again.
func (h *AuthHandler) Refresh(c echo.Context) error {
	raw, err := bindRefreshToken(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, msgInvalidBody)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	res, err := h.Svc.RefreshToken(ctx, raw, c.RealIP())
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, envelope{Success: true, Data: tokens(res)})
}

// Revoke: invalidate a refresh token. Revoking an already revoked token
// succeeds.
func (h *AuthHandler) Revoke(c echo.Context) error {
	raw, err := bindRefreshToken(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, msgInvalidBody)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	if err := h.Svc.RevokeRefreshToken(ctx, raw); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, envelope{Success: true, Message: msgRevoked})
}

// RevokeAll signs the caller out everywhere by revoking every refresh
// token of the identity named in the access token.
func (h *AuthHandler) RevokeAll(c echo.Context) error {
	cl, ok := middleware.ClaimsFrom(c)
	if !ok {
		return fail(c, http.StatusUnauthorized, "Unauthorized")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	n, err := h.Svc.RevokeAllRefreshTokens(ctx, cl.Subject)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, envelope{Success: true, Message: msgRevokedAll, Data: revokedData{Revoked: n}})
}

// Profile returns the caller's identity as carried by the access token.
func (h *AuthHandler) Profile(c echo.Context) error {
	cl, ok := middleware.ClaimsFrom(c)
	if !ok {
		return fail(c, http.StatusUnauthorized, "Unauthorized")
	}
	return c.JSON(http.StatusOK, envelope{
		Success: true,
		Message: msgProfileFound,
		Data:    profileData{ID: cl.Subject, Email: cl.Email, Name: cl.Name},
	})
}

// writeError answers validation and business failures with 400 and
// everything else with a generic 500.
func (h *AuthHandler) writeError(c echo.Context, err error) error {
	var verr *validation.Error
	switch {
	case service.IsBusinessError(err):
		return fail(c, http.StatusBadRequest, service.PublicMessage(err))
	case errors.As(err, &verr):
		return fail(c, http.StatusBadRequest, verr.Message)
	}
	logger.WithContext(c.Request().Context(), h.Log).Error("request failed",
		zap.String("route", c.Path()),
		zap.Error(err),
	)
	return fail(c, http.StatusInternalServerError, msgUnexpected)
}

// bindRefreshToken accepts {"refreshToken": "..."} or a bare JSON string.
func bindRefreshToken(c echo.Context) (string, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRefreshBody))
	if err != nil {
		return "", err
	}
	var bare string
	if err := json.Unmarshal(body, &bare); err == nil {
		return bare, nil
	}
	var req refreshReq
	if err := json.Unmarshal(body, &req); err != nil {
		return "", err
	}
	return req.RefreshToken, nil
}

func tokens(res service.AuthResult) tokenData {
	return tokenData{
		AccessToken:      res.AccessToken,
		RefreshToken:     res.RefreshToken,
		ExpiresInMinutes: res.ExpiresInMinutes,
	}
}

func fail(c echo.Context, status int, msg string) error {
	return c.JSON(status, envelope{Success: false, Message: msg})
}
