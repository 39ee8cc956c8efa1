package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/credential-service/internal/middleware"
	"github.com/iliyamo/credential-service/internal/model"
	"github.com/iliyamo/credential-service/internal/service"
	"github.com/iliyamo/credential-service/internal/utils"
	"github.com/iliyamo/credential-service/internal/validation"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeCredentials struct {
	err        error
	gotInput   service.RegisterInput
	gotEmail   string
	gotSecret  string
	gotIP      string
	revokedRaw string
	revokedFor string
	revokedN   int
}

func (f *fakeCredentials) pair() service.AuthResult {
	return service.AuthResult{AccessToken: "access", RefreshToken: "refresh", ExpiresInMinutes: 15, IdentityID: "id-1"}
}

func (f *fakeCredentials) Register(_ context.Context, in service.RegisterInput, ip string) (service.AuthResult, error) {
	f.gotInput, f.gotIP = in, ip
	if f.err != nil {
		return service.AuthResult{}, f.err
	}
	return f.pair(), nil
}

func (f *fakeCredentials) Login(_ context.Context, email, _ string, ip string) (service.AuthResult, error) {
	f.gotEmail, f.gotIP = email, ip
	if f.err != nil {
		return service.AuthResult{}, f.err
	}
	return f.pair(), nil
}

func (f *fakeCredentials) RefreshToken(_ context.Context, raw, ip string) (service.AuthResult, error) {
	f.gotSecret, f.gotIP = raw, ip
	if f.err != nil {
		return service.AuthResult{}, f.err
	}
	return f.pair(), nil
}

func (f *fakeCredentials) RevokeRefreshToken(_ context.Context, raw string) error {
	f.revokedRaw = raw
	return f.err
}

func (f *fakeCredentials) RevokeAllRefreshTokens(_ context.Context, identityID string) (int, error) {
	f.revokedFor = identityID
	return f.revokedN, f.err
}

type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newHandler(f *fakeCredentials) *AuthHandler {
	h := NewAuthHandler(f, zap.NewNop())
	h.Now = func() time.Time { return fixedNow }
	return h
}

func call(t *testing.T, fn echo.HandlerFunc, body string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderXRealIP, "203.0.113.7")
	rec := httptest.NewRecorder()
	if err := fn(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	var out response
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return rec, out
}

const validRegister = `{"name":"Ann","email":"ann@example.com","password":"Str0ng!Pass","photo":"https://img/ann.png","gender":"Female","dob":"1990-05-05"}`

func TestRegister_Created(t *testing.T) {
	f := &fakeCredentials{}
	rec, out := call(t, newHandler(f).Register, validRegister)

	if rec.Code != http.StatusCreated || !out.Success {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var data tokenData
	if err := json.Unmarshal(out.Data, &data); err != nil {
		t.Fatalf("data: %v", err)
	}
	if data.AccessToken != "access" || data.RefreshToken != "refresh" || data.ExpiresInMinutes != 15 {
		t.Fatalf("data=%+v", data)
	}
	if f.gotInput.Gender != model.GenderFemale || f.gotInput.Dob.Year() != 1990 || f.gotIP != "203.0.113.7" {
		t.Fatalf("service input=%+v ip=%s", f.gotInput, f.gotIP)
	}
}

func TestRegister_ValidationAndBusinessErrors(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		svcErr  error
		status  int
		message string
	}{
		{name: "malformed json", body: `{"name":`, status: http.StatusBadRequest, message: msgInvalidBody},
		{name: "bad dob", body: `{"dob":"05/05/1990"}`, status: http.StatusBadRequest, message: msgInvalidBody},
		{name: "missing name", body: `{"email":"a@example.com"}`, status: http.StatusBadRequest, message: "Name is required"},
		{
			name:    "too young",
			body:    strings.Replace(validRegister, "1990-05-05", "2024-01-01", 1),
			status:  http.StatusBadRequest,
			message: "Date of birth must be at least 5 years ago",
		},
		{
			name:    "duplicate",
			body:    validRegister,
			svcErr:  service.ErrDuplicateIdentity,
			status:  http.StatusBadRequest,
			message: "Email already registered",
		},
		{
			name:    "weak password",
			body:    validRegister,
			svcErr:  fmt.Errorf("%w: %w", service.ErrWeakCredential, &validation.Error{Field: "password", Message: "Password must contain a symbol"}),
			status:  http.StatusBadRequest,
			message: "Password must contain a symbol",
		},
		{
			name:    "internal",
			body:    validRegister,
			svcErr:  errors.New("db down"),
			status:  http.StatusInternalServerError,
			message: msgUnexpected,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, out := call(t, newHandler(&fakeCredentials{err: tc.svcErr}).Register, tc.body)
			if rec.Code != tc.status || out.Success || out.Message != tc.message {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestLogin(t *testing.T) {
	f := &fakeCredentials{}
	rec, out := call(t, newHandler(f).Login, `{"email":" ann@example.com ","password":"secret1"}`)
	if rec.Code != http.StatusOK || !out.Success {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if f.gotEmail != "ann@example.com" {
		t.Fatalf("email not trimmed: %q", f.gotEmail)
	}

	rec, out = call(t, newHandler(&fakeCredentials{}).Login, `{"email":"ann@example.com","password":"123"}`)
	if rec.Code != http.StatusBadRequest || out.Message != "Password must be at least 6 characters" {
		t.Fatalf("short password: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec, out = call(t, newHandler(&fakeCredentials{err: service.ErrLockedOut}).Login, `{"email":"ann@example.com","password":"secret1"}`)
	if rec.Code != http.StatusBadRequest || out.Message != "Account locked due to multiple failed attempts. Try again later." {
		t.Fatalf("locked: status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestRefresh_AcceptsObjectAndBareString(t *testing.T) {
	for _, body := range []string{`{"refreshToken":"abc"}`, `"abc"`} {
		f := &fakeCredentials{}
		rec, out := call(t, newHandler(f).Refresh, body)
		if rec.Code != http.StatusOK || !out.Success || f.gotSecret != "abc" {
			t.Fatalf("body %s: status=%d secret=%q", body, rec.Code, f.gotSecret)
		}
	}

	rec, out := call(t, newHandler(&fakeCredentials{err: service.ErrInvalidRefreshToken}).Refresh, `"abc"`)
	if rec.Code != http.StatusBadRequest || out.Message != "Invalid refresh token" {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec, _ = call(t, newHandler(&fakeCredentials{}).Refresh, `[1,2]`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("array body: status=%d", rec.Code)
	}
}

func TestRevoke(t *testing.T) {
	f := &fakeCredentials{}
	rec, out := call(t, newHandler(f).Revoke, `{"refreshToken":"abc"}`)
	if rec.Code != http.StatusOK || out.Message != msgRevoked || f.revokedRaw != "abc" {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestProfile(t *testing.T) {
	iss, err := utils.NewAccessTokenIssuer(utils.IssuerConfig{
		Secret:   []byte(strings.Repeat("p", 32)),
		Issuer:   "credential-service",
		Audience: "clients",
		TTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	tok, err := iss.Issue(model.Identity{ID: "id-1", Email: "ann@example.com", Name: "Ann"}, fixedNow)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	e := echo.New()
	h := newHandler(&fakeCredentials{})
	e.GET("/profile", h.Profile, middleware.JWTAuth(iss, func() time.Time { return fixedNow }))

	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok.Token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var out response
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	var p profileData
	if err := json.Unmarshal(out.Data, &p); err != nil {
		t.Fatalf("data: %v", err)
	}
	if p != (profileData{ID: "id-1", Email: "ann@example.com", Name: "Ann"}) {
		t.Fatalf("profile=%+v", p)
	}
}

func TestRevokeAll(t *testing.T) {
	iss, err := utils.NewAccessTokenIssuer(utils.IssuerConfig{
		Secret:   []byte(strings.Repeat("p", 32)),
		Issuer:   "credential-service",
		Audience: "clients",
		TTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	tok, err := iss.Issue(model.Identity{ID: "id-1", Email: "ann@example.com", Name: "Ann"}, fixedNow)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	f := &fakeCredentials{revokedN: 3}
	e := echo.New()
	e.POST("/logout-all", newHandler(f).RevokeAll, middleware.JWTAuth(iss, func() time.Time { return fixedNow }))

	req := httptest.NewRequest(http.MethodPost, "/logout-all", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok.Token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var out response
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	var data revokedData
	if err := json.Unmarshal(out.Data, &data); err != nil {
		t.Fatalf("data: %v", err)
	}
	if out.Message != msgRevokedAll || data.Revoked != 3 || f.revokedFor != "id-1" {
		t.Fatalf("message=%q data=%+v owner=%q", out.Message, data, f.revokedFor)
	}

	rec, out = call(t, newHandler(&fakeCredentials{}).RevokeAll, "")
	if rec.Code != http.StatusUnauthorized || out.Success {
		t.Fatalf("without claims: status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	if err := Health(e.NewContext(httptest.NewRequest(http.MethodGet, "/healthz", nil), rec)); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
}
