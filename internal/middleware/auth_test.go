package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAuthMiddleware_WithValidCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret", "pass")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		worker, ok := GetWorkerFromContext(r.Context())
		if !ok {
			t.Fatalf("worker not in context")
		}
		if worker != "alice" {
			t.Fatalf("worker from context = %q, want alice", worker)
		}
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)

	m.SetAuthCookie(w, "alice")
	res := w.Result()
	resCookies := res.Cookies()
	if len(resCookies) == 0 {
		t.Fatalf("no cookies set by SetAuthCookie")
	}

	r.AddCookie(resCookies[0])

	handler := m.Middleware(next)
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_WithoutCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret", "pass")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)

	handler := m.Middleware(next)
	handler.ServeHTTP(w, r)

	res := w.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_RejectsForeignSignature(t *testing.T) {
	issuer := NewAuthMiddleware("other-secret", "pass")
	m := NewAuthMiddleware("test-secret", "pass")

	w := httptest.NewRecorder()
	issuer.SetAuthCookie(w, "alice")

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.AddCookie(w.Result().Cookies()[0])

	rec := httptest.NewRecorder()
	m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})).ServeHTTP(rec, r)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_ExpiredCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret", "pass")
	issued := time.Now()
	m.now = func() time.Time { return issued }

	w := httptest.NewRecorder()
	m.SetAuthCookie(w, "alice")
	cookie := w.Result().Cookies()[0]

	m.now = func() time.Time { return issued.Add(authCookieTTL + time.Minute) }

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.AddCookie(cookie)

	rec := httptest.NewRecorder()
	m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})).ServeHTTP(rec, r)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_CheckPassword(t *testing.T) {
	m := NewAuthMiddleware("test-secret", "pass")
	if !m.CheckPassword("pass") {
		t.Fatalf("CheckPassword(pass) = false, want true")
	}
	if m.CheckPassword("wrong") {
		t.Fatalf("CheckPassword(wrong) = true, want false")
	}

	disabled := NewAuthMiddleware("test-secret", "")
	if disabled.CheckPassword("") {
		t.Fatalf("empty password must not grant access")
	}
}
