package authz

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var acceptedSchemes = map[string]struct{}{
	"Token":  {},
	"Bearer": {},
}

// ExtractToken reads the bearer token from the Authorization header.
// A missing header or an unaccepted scheme yields ok == false.
func ExtractToken(header http.Header) (token string, ok bool) {
	value := header.Get("Authorization")
	if value == "" {
		return "", false
	}

	scheme, rest, found := strings.Cut(value, " ")
	if _, accepted := acceptedSchemes[scheme]; !accepted {
		return "", false
	}
	if !found || rest == "" {
		return "", false
	}

	return rest, true
}

// DecodeType returns the unverified "type" claim of a JWT. Neither the
// signature nor the alg header is checked; the result only selects a
// verification path.
func DecodeType(token string) string {
	if token == "" {
		return UnknownType
	}

	claims := jwt.MapClaims{}
	// ErrTokenUnverifiable only reports a missing or unregistered alg; the
	// claims are already decoded at that point.
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return UnknownType
	}

	tag, ok := claims["type"].(string)
	if !ok || tag == "" {
		return UnknownType
	}
	return tag
}
