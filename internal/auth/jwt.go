package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPair holds access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
}

// Claims is the session payload: the user plus the device fingerprint
// the session was registered from, which the check-in pipeline
// compares against the submitting device.
type Claims struct {
	UserID      string `json:"sub"`
	Fingerprint string `json:"fp"`
	jwt.RegisteredClaims
}

// Issue issues signed access and refresh tokens for a user on a
// device.
func Issue(userID, fingerprint, issuer, key string, accessTTL, refreshTTL time.Duration) (TokenPair, error) {
	now := time.Now()
	accessExp := now.Add(accessTTL)
	refreshExp := now.Add(refreshTTL)

	build := func(exp time.Time) *jwt.Token {
		return jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
			UserID:      userID,
			Fingerprint: fingerprint,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    issuer,
				Subject:   userID,
				ExpiresAt: jwt.NewNumericDate(exp),
				IssuedAt:  jwt.NewNumericDate(now),
			},
		})
	}

	accessToken, err := build(accessExp).SignedString([]byte(key))
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := build(refreshExp).SignedString([]byte(key))
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	return *claims, nil
}
