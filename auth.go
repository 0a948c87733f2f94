package mergeparty

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Authorizer decides if the request may open connection to the room.
// Returned error is reported to the caller as the reason of rejection.
type Authorizer func(r *http.Request, party, room string) error

// RoomClaims are the claims of tokens accepted by JWTAuthorizer.
type RoomClaims struct {
	jwt.RegisteredClaims

	// Room limits the token to a single room if set.
	Room string `json:"room,omitempty"`
}

// JWTAuthorizer returns authorizer accepting HS256 tokens signed with secret.
func JWTAuthorizer(secret []byte) Authorizer {
	return func(r *http.Request, _, room string) error {
		tokenString := bearerToken(r)
		if tokenString == "" {
			return errors.New("token missing")
		}

		claims := &RoomClaims{}
		_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			return errors.Wrap(err, "invalid token")
		}

		if claims.Room != "" && claims.Room != room {
			return errors.Errorf("token is not valid for room %q", room)
		}
		return nil
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
