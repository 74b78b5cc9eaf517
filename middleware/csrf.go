package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"

	"github.com/mnehpets/extdirect/endpoint"
)

// CSRFProcessor implements double-submit cookie CSRF protection.
//
// Every response carries a random token in a cookie readable by page scripts.
// State-changing requests must echo that token back in a header; a cross-site
// attacker can trigger the request but cannot read the cookie to fill in the
// header. The cookie is deliberately not HttpOnly.
//
// The defaults match the header and cookie names the generated api.js
// boilerplate uses.
type CSRFProcessor struct {
	// CookieName is the token cookie. Default "csrftoken".
	CookieName string
	// HeaderName is the request header checked on unsafe methods.
	// Default "X-CSRFToken".
	HeaderName string
	// Insecure drops the cookie Secure flag for plain-HTTP development.
	Insecure bool
}

func (cp *CSRFProcessor) cookieName() string {
	if cp.CookieName != "" {
		return cp.CookieName
	}
	return "csrftoken"
}

func (cp *CSRFProcessor) headerName() string {
	if cp.HeaderName != "" {
		return cp.HeaderName
	}
	return "X-CSRFToken"
}

func newCSRFToken() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Process implements endpoint.Processor.
func (cp *CSRFProcessor) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	token := ""
	if cookie, err := r.Cookie(cp.cookieName()); err == nil {
		token = cookie.Value
	}

	if !safeMethod(r.Method) {
		header := r.Header.Get(cp.headerName())
		if token == "" || header == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(header)) != 1 {
			return endpoint.Error(http.StatusForbidden, "CSRF token missing or invalid", nil)
		}
	}

	if token == "" {
		token = newCSRFToken()
		endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
			http.SetCookie(w, &http.Cookie{
				Name:     cp.cookieName(),
				Value:    token,
				Path:     "/",
				Secure:   !cp.Insecure,
				SameSite: http.SameSiteLaxMode,
			})
		})
	}

	return next(w, r)
}
