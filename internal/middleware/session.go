package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"mountproxy/internal/config"
)

// sessionIDKey is the echo context key holding the resolved session identifier.
const sessionIDKey = "mountproxy.session_id"

// maxSessionIDLen bounds client-supplied cookie values used as storage keys.
const maxSessionIDLen = 128

// SessionCookie returns an Echo middleware that correlates each client with
// a stable opaque session identifier, carried in an HttpOnly cookie and
// minted on first contact. The identifier keys the upstream cookie jar in
// session storage; handlers read it via SessionID.
func SessionCookie(cfg *config.SessionConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var id string
			if ck, err := c.Cookie(cfg.CookieName); err == nil {
				id = ck.Value
			}
			if id == "" || len(id) > maxSessionIDLen {
				id = uuid.NewString()
				c.SetCookie(&http.Cookie{
					Name:     cfg.CookieName,
					Value:    id,
					Path:     "/",
					MaxAge:   cfg.TTLSeconds,
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
				})
			}
			c.Set(sessionIDKey, id)
			return next(c)
		}
	}
}

// SessionID returns the session identifier resolved by SessionCookie, or the
// empty string when the middleware did not run.
func SessionID(c echo.Context) string {
	id, _ := c.Get(sessionIDKey).(string)
	return id
}
