package collab

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// supplies the bearer credential for the realtime handshake and the
// durable store. external collaborator.
type AuthProvider interface {
	Token() (string, error)
}

type StaticToken string

func (self StaticToken) Token() (string, error) {
	return string(self), nil
}

// The session identity rides inside the bearer token. The token is
// verified by the server; locally the claims are only read, not trusted
// for anything but display and self/other comparisons.
func SessionFromToken(token string) (*Session, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	session := &Session{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			session.UserId = userId
		}
	}
	if displayName, ok := claims["display_name"].(string); ok {
		session.DisplayName = displayName
	}
	if color, ok := claims["color"].(string); ok {
		session.Color = color
	}

	if session.UserId.IsZero() {
		return nil, fmt.Errorf("token has no user_id claim")
	}

	return session, nil
}
