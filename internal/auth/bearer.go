package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrMissingToken indicates that no credential was found on the request.
var ErrMissingToken = errors.New("auth: missing token")

const bearerPrefix = "Bearer "

// BearerToken extracts the access token from an Authorization header, a
// websocket-friendly query parameter, or an optional cookie, in that
// order.
func BearerToken(request *http.Request, cookieName string) (string, error) {
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	if strings.HasPrefix(header, bearerPrefix) {
		token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
		if token != "" {
			return token, nil
		}
	}
	if token := strings.TrimSpace(request.URL.Query().Get("access_token")); token != "" {
		return token, nil
	}
	if cookieName != "" {
		if cookie, err := request.Cookie(cookieName); err == nil {
			if token := strings.TrimSpace(cookie.Value); token != "" {
				return token, nil
			}
		}
	}
	return "", ErrMissingToken
}
