package core

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

type Claims struct {
	AuthID uuid.UUID `json:"auth_id"`
	UserID uuid.UUID `json:"user_id"`
	jwt.RegisteredClaims
}

func GenerateAccessToken(authID, userID uuid.UUID, config *Config) (string, error) {
	now := time.Now()
	expiresAt := now.Add(time.Duration(config.JWT.AccessTokenDuration) * time.Second)

	claims := &Claims{
		AuthID: authID,
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   authID.String(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString([]byte(config.JWT.Secret))
	if err != nil {
		return "", err
	}

	return signedToken, nil
}

// ValidateAccessToken returns the Auth id the token was issued for
func ValidateAccessToken(tokenString string, config *Config) (uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(config.JWT.Secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, ErrExpiredToken
		}
		return uuid.Nil, ErrInvalidToken
	}

	if !token.Valid {
		return uuid.Nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.AuthID == uuid.Nil {
		return uuid.Nil, ErrInvalidToken
	}

	return claims.AuthID, nil
}
