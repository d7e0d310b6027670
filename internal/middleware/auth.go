// Package middleware содержит HTTP middleware киоска умной тележки.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const workerKey contextKey = "worker"

const (
	authCookieName = "admin_token"
	authCookieTTL  = 12 * time.Hour
)

// AuthMiddleware проверяет, что запрос к административным маршрутам пришёл от сотрудника.
// Сотрудник получает подписанный cookie после ввода пароля.
type AuthMiddleware struct {
	secretKey []byte
	password  string
	now       func() time.Time
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware. Пустой password отключает вход сотрудника.
func NewAuthMiddleware(secret, password string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
		password:  password,
		now:       time.Now,
	}
}

// CheckPassword сверяет пароль сотрудника.
func (a *AuthMiddleware) CheckPassword(password string) bool {
	if a.password == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
}

// Middleware проверяет cookie и добавляет имя сотрудника в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		worker, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), workerKey, worker)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie устанавливает cookie сотрудника.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, worker string) {
	expires := a.now().Add(authCookieTTL)

	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    a.sign(worker, expires.Unix()),
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}

	http.SetCookie(w, cookie)
}

// ClearAuthCookie завершает сессию сотрудника.
func (a *AuthMiddleware) ClearAuthCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

func (a *AuthMiddleware) sign(worker string, expires int64) string {
	payload := worker + "." + strconv.FormatInt(expires, 10)
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return payload + "." + hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseCookie(value string) (string, bool) {
	parts := strings.Split(value, ".")
	if len(parts) != 3 || parts[0] == "" {
		return "", false
	}

	expires, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", false
	}

	expected := a.sign(parts[0], expires)
	if !hmac.Equal([]byte(value), []byte(expected)) {
		return "", false
	}

	if a.now().Unix() > expires {
		return "", false
	}

	return parts[0], true
}

// GetWorkerFromContext извлекает имя сотрудника из контекста запроса.
func GetWorkerFromContext(ctx context.Context) (string, bool) {
	worker, ok := ctx.Value(workerKey).(string)
	return worker, ok
}
