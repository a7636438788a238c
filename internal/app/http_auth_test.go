package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func postJSON(t *testing.T, handler http.Handler, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func getJSON(t *testing.T, handler http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func parseBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func TestSignUpVerifySignInFlow(t *testing.T) {
	ms := newMemStore()
	handler := NewHTTPServer(newTestService(ms), "*").Handler()

	rr := postJSON(t, handler, "/api/auth/signup", `{"email":"Alice@Example.com","password":"hunter2-long"}`, "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup status = %d body=%s", rr.Code, rr.Body.String())
	}
	payload := parseBody(t, rr)
	verificationToken, _ := payload["devVerificationToken"].(string)
	if verificationToken == "" {
		t.Fatal("expected dev verification token with SMTP unconfigured")
	}

	// Correct password against an unverified account is refused with a
	// distinct code so the client can offer a resend.
	rr = postJSON(t, handler, "/api/auth/signin", `{"email":"alice@example.com","password":"hunter2-long"}`, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("unverified signin status = %d body=%s", rr.Code, rr.Body.String())
	}
	if code := parseBody(t, rr)["code"]; code != "EMAIL_NOT_VERIFIED" {
		t.Fatalf("unverified signin code = %v", code)
	}

	rr = postJSON(t, handler, "/api/auth/verify-email", `{"token":"`+verificationToken+`"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("verify status = %d body=%s", rr.Code, rr.Body.String())
	}

	rr = postJSON(t, handler, "/api/auth/signin", `{"email":"alice@example.com","password":"hunter2-long"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("signin status = %d body=%s", rr.Code, rr.Body.String())
	}
	payload = parseBody(t, rr)
	accessToken, _ := payload["accessToken"].(string)
	refreshToken, _ := payload["refreshToken"].(string)
	if accessToken == "" || refreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}
	if payload["email"] != "alice@example.com" {
		t.Errorf("email = %v", payload["email"])
	}

	rr = getJSON(t, handler, "/api/session", accessToken)
	payload = parseBody(t, rr)
	if payload["authenticated"] != true {
		t.Errorf("session check = %v", payload)
	}
}

func TestSignInWrongPasswordDoesNotRevealVerification(t *testing.T) {
	ms := newMemStore()
	handler := NewHTTPServer(newTestService(ms), "*").Handler()

	postJSON(t, handler, "/api/auth/signup", `{"email":"alice@example.com","password":"hunter2-long"}`, "")

	rr := postJSON(t, handler, "/api/auth/signin", `{"email":"alice@example.com","password":"wrong-password"}`, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if code := parseBody(t, rr)["code"]; code != "INVALID_CREDENTIALS" {
		t.Errorf("code = %v, want INVALID_CREDENTIALS", code)
	}
}

func TestSignUpDuplicateEmailConflicts(t *testing.T) {
	ms := newMemStore()
	handler := NewHTTPServer(newTestService(ms), "*").Handler()

	postJSON(t, handler, "/api/auth/signup", `{"email":"alice@example.com","password":"hunter2-long"}`, "")
	rr := postJSON(t, handler, "/api/auth/signup", `{"email":"ALICE@example.com","password":"other-password"}`, "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if code := parseBody(t, rr)["code"]; code != "EMAIL_EXISTS" {
		t.Errorf("code = %v, want EMAIL_EXISTS", code)
	}
}

func TestResendVerificationIssuesFreshToken(t *testing.T) {
	ms := newMemStore()
	handler := NewHTTPServer(newTestService(ms), "*").Handler()

	rr := postJSON(t, handler, "/api/auth/signup", `{"email":"alice@example.com","password":"hunter2-long"}`, "")
	oldToken, _ := parseBody(t, rr)["devVerificationToken"].(string)

	rr = postJSON(t, handler, "/api/auth/resend-verification", `{"email":"alice@example.com"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("resend status = %d body=%s", rr.Code, rr.Body.String())
	}
	newToken, _ := parseBody(t, rr)["devVerificationToken"].(string)
	if newToken == "" || newToken == oldToken {
		t.Fatalf("expected a fresh token, old=%q new=%q", oldToken, newToken)
	}

	rr = postJSON(t, handler, "/api/auth/verify-email", `{"token":"`+newToken+`"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("verify with resent token status = %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestResendVerificationIsSilentForUnknownEmail(t *testing.T) {
	handler := NewHTTPServer(newTestService(newMemStore()), "*").Handler()

	rr := postJSON(t, handler, "/api/auth/resend-verification", `{"email":"nobody@example.com"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if _, ok := parseBody(t, rr)["devVerificationToken"]; ok {
		t.Error("response leaks a token for an unknown account")
	}
}

func TestPasswordResetFlow(t *testing.T) {
	ms := newMemStore()
	handler := NewHTTPServer(newTestService(ms), "*").Handler()

	rr := postJSON(t, handler, "/api/auth/signup", `{"email":"alice@example.com","password":"hunter2-long"}`, "")
	token, _ := parseBody(t, rr)["devVerificationToken"].(string)
	postJSON(t, handler, "/api/auth/verify-email", `{"token":"`+token+`"}`, "")

	rr = postJSON(t, handler, "/api/auth/reset-password/request", `{"email":"alice@example.com"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("request reset status = %d body=%s", rr.Code, rr.Body.String())
	}
	resetToken, _ := parseBody(t, rr)["devResetToken"].(string)
	if resetToken == "" {
		t.Fatal("expected dev reset token with SMTP unconfigured")
	}

	rr = postJSON(t, handler, "/api/auth/reset-password", `{"token":"`+resetToken+`","newPassword":"brand-new-pass"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("reset status = %d body=%s", rr.Code, rr.Body.String())
	}

	rr = postJSON(t, handler, "/api/auth/signin", `{"email":"alice@example.com","password":"brand-new-pass"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("signin with new password status = %d body=%s", rr.Code, rr.Body.String())
	}
	rr = postJSON(t, handler, "/api/auth/signin", `{"email":"alice@example.com","password":"hunter2-long"}`, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("signin with old password status = %d", rr.Code)
	}
}

func TestRefreshRotatesTokens(t *testing.T) {
	ms := newMemStore()
	ms.addUser("alice", "alice@example.com")
	svc := newTestService(ms)
	handler := NewHTTPServer(svc, "*").Handler()

	session, err := svc.CreateSession(context.Background(), "alice")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rr := postJSON(t, handler, "/api/session/refresh", `{"refreshToken":"`+session.RefreshToken+`"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh status = %d body=%s", rr.Code, rr.Body.String())
	}
	payload := parseBody(t, rr)
	if payload["refreshToken"] == session.RefreshToken {
		t.Error("refresh token not rotated")
	}

	rr = postJSON(t, handler, "/api/session/refresh", `{"refreshToken":"`+session.RefreshToken+`"}`, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("reused refresh token status = %d", rr.Code)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	handler := NewHTTPServer(newTestService(newMemStore()), "*").Handler()

	for _, path := range []string{"/api/users", "/api/threads", "/api/threads/t1/messages", "/api/search"} {
		rr := getJSON(t, handler, path, "")
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status = %d", path, rr.Code)
		}
		if code := parseBody(t, rr)["code"]; code != "UNAUTHORIZED" {
			t.Errorf("%s code = %v", path, code)
		}

		rr = getJSON(t, handler, path, "definitely-not-a-token")
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s with garbage token: status = %d", path, rr.Code)
		}
	}
}

func TestExpiredBearerReturnsUnauthorized(t *testing.T) {
	ms := newMemStore()
	ms.addUser("alice", "alice@example.com")
	svc := newTestService(ms)
	handler := NewHTTPServer(svc, "*").Handler()

	token, err := svc.tokens.IssueToken("alice", "alice@example.com", "jti-expired", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	rr := getJSON(t, handler, "/api/threads", token)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	handler := NewHTTPServer(newTestService(newMemStore()), "*").Handler()

	rr := getJSON(t, handler, "/api/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if parseBody(t, rr)["ok"] != true {
		t.Error("health payload not ok")
	}

	rr = getJSON(t, handler, "/api/ready", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("ready status = %d body=%s", rr.Code, rr.Body.String())
	}
}
