package auth

import (
	"errors"
	"net/http"
	"strings"
)

// SessionCookieName is the browser session cookie the web app sets.
const SessionCookieName = "__session"

// ErrUnauthenticated means no acceptable credential was presented. A bare
// userId query parameter is deliberately not a credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver turns an incoming HTTP request into a user id.
type Resolver struct {
	Store  *Store
	Secret []byte
}

// Resolve checks, in order: the __session cookie, a session query
// parameter carrying the same token, and an Authorization bearer JWT.
func (a *Resolver) Resolve(r *http.Request) (string, error) {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		if user, err := a.Store.GetWebSession(c.Value); err == nil && user != nil {
			return user.ID, nil
		}
	}

	// Browsers cannot set cookies on cross-origin websocket dials, so the
	// web app may pass the session token in the query string instead.
	if token := r.URL.Query().Get("session"); token != "" {
		if user, err := a.Store.GetWebSession(token); err == nil && user != nil {
			return user.ID, nil
		}
	}

	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") && len(a.Secret) > 0 {
		claims, err := ValidateToken(a.Secret, strings.TrimPrefix(h, "Bearer "))
		if err == nil && claims.Subject != "" {
			return claims.Subject, nil
		}
	}

	return "", ErrUnauthenticated
}
