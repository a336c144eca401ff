package auth

import (
	"net/http"
	"time"
)

// CookieName is the http-only cookie the agent issues on first contact.
const CookieName = "tt_token"

// CookieTTL matches spec.md §4.6's 24-hour first-contact cookie.
const CookieTTL = 24 * time.Hour

// IssueCookie sets the http-only, SameSite=Lax access-token cookie on w.
func IssueCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(CookieTTL),
	})
}

// TokenFromRequest extracts a candidate access token from the query string
// (first contact) or the cookie (subsequent requests), query taking
// precedence so a fresh ?token= always re-validates rather than trusting a
// stale cookie silently.
func TokenFromRequest(r *http.Request) (token string, fromQuery bool) {
	if t := r.URL.Query().Get("token"); t != "" {
		return t, true
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value, false
	}
	return "", false
}
