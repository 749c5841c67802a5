package httpapi

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "formsync"

const (
	scopeQueueRead   = "queue:read"
	scopeQueueWrite  = "queue:write"
	scopeDraftsRead  = "drafts:read"
	scopeDraftsWrite = "drafts:write"
	scopeSubmit      = "submit"
	scopeAll         = "*"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// scopeSet accepts either a JSON array or a space separated string.
type scopeSet map[string]struct{}

func (s *scopeSet) UnmarshalJSON(data []byte) error {
	out := scopeSet{}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		for _, scope := range list {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
		*s = out
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return errors.New("scopes must be a list or a string")
	}
	for _, scope := range strings.Fields(joined) {
		out[scope] = struct{}{}
	}
	*s = out
	return nil
}

func (s scopeSet) grants(required string) bool {
	if _, ok := s[scopeAll]; ok {
		return true
	}
	_, ok := s[required]
	return ok
}

type controlClaims struct {
	Scopes scopeSet `json:"scopes"`
	jwt.RegisteredClaims
}

func authorizeBearer(authHeader, secret, requiredScope string, now time.Time) (*controlClaims, *authError) {
	claims, err := parseBearer(authHeader, secret, now)
	if err != nil {
		return nil, err
	}
	if requiredScope != "" && !claims.Scopes.grants(requiredScope) {
		return nil, &authError{
			status:  403,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func parseBearer(authHeader, secret string, now time.Time) (*controlClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	claims := &controlClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, &authError{status: 401, code: "unauthorized", message: "token expired"}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return nil, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, &authError{status: 401, code: "unauthorized", message: "jwt signature mismatch"}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, &authError{status: 401, code: "unauthorized", message: "invalid jwt format"}
	default:
		return nil, &authError{status: 401, code: "unauthorized", message: "invalid bearer token"}
	}

	if len(claims.Scopes) == 0 {
		return nil, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}
