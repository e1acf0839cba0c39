package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"leadflow/config"
)

type Claims struct {
	TeamID uint `json:"team_id"`
	jwt.RegisteredClaims
}

// GenerateTeamToken issues an API token scoped to a team. Tokens are
// long-lived; teams rotate them by re-issuing.
func GenerateTeamToken(teamID uint, ttl time.Duration) (string, error) {
	claims := &Claims{
		TeamID: teamID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.AppConfig.JWTSecret))
}

func ParseJWTToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(config.AppConfig.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
