package auth

import (
	"fmt"
	"time"

	"github.com/Daskott/vigil/server/auth/key"
	"github.com/golang-jwt/jwt"
)

// TokenClaims carries the caller's identity. The subject is the user id;
// the display name is a convenience for clients.
type TokenClaims struct {
	Name string `json:"name"`
	jwt.StandardClaims
}

// NewTokenClaims builds the claims issued to a user at registration.
// Tokens don't expire on their own; a user is signed out by rotating the
// server key.
func NewTokenClaims(userID, name string) TokenClaims {
	return TokenClaims{
		Name: name,
		StandardClaims: jwt.StandardClaims{
			Subject:  userID,
			IssuedAt: time.Now().Unix(),
		},
	}
}

func EncodeJWT(claims TokenClaims, keyPair *key.KeyPair) (string, error) {
	token := jwt.NewWithClaims(jwt.GetSigningMethod("RS256"), claims)

	tokenString, err := token.SignedString(keyPair.PrivateKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

func DecodeJWT(tokenString string, keyPair *key.KeyPair) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		// validate the alg is what you expect:
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		return keyPair.PublicKey, nil
	})

	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid jwt: %v", err)
	}

	tokenClaims, ok := token.Claims.(*TokenClaims)
	if !ok {
		return nil, fmt.Errorf("unable to assert token.Claims to TokenClaims")
	}

	return tokenClaims, nil
}
