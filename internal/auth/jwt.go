package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Claims is the caller identity carried by a minted gateway token. The
// model restriction is embedded so it survives the key-to-token exchange.
type Claims struct {
	KeyID         string
	UserID        string
	AllowedModels []string
}

// Record converts the claims back into the request-time key view.
func (c *Claims) Record() *APIKeyRecord {
	return &APIKeyRecord{ID: c.KeyID, UserID: c.UserID, AllowedModels: c.AllowedModels}
}

// GenerateJWT creates a short-lived token for an authenticated API key.
// Handlers use the token to attribute requests to a user without
// re-verifying the API key on every call.
func GenerateJWT(record *APIKeyRecord, secret []byte) (string, int64, error) {
	expirationTime := time.Now().Add(15 * time.Minute).Unix()
	claims := jwt.MapClaims{
		"sub":     record.ID,
		"user_id": record.UserID,
		"exp":     expirationTime,
	}
	if len(record.AllowedModels) > 0 {
		claims["models"] = record.AllowedModels
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedToken, err := token.SignedString(secret)
	if err != nil {
		return "", 0, err
	}
	return signedToken, expirationTime, nil
}

// ValidateJWT verifies the provided JWT
func ValidateJWT(tokenString string, secret []byte) (*jwt.Token, error) {
	return jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
}

// DecodeJWT extracts the caller identity from the provided JWT
func DecodeJWT(tokenString string, secret []byte) (*Claims, error) {
	token, err := ValidateJWT(tokenString, secret)
	if err != nil {
		return nil, err
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}

	keyID, _ := mapClaims["sub"].(string)
	if keyID == "" {
		return nil, errors.New("invalid token")
	}

	claims := &Claims{KeyID: keyID}
	claims.UserID, _ = mapClaims["user_id"].(string)
	if raw, ok := mapClaims["models"].([]interface{}); ok {
		for _, m := range raw {
			if s, ok := m.(string); ok {
				claims.AllowedModels = append(claims.AllowedModels, s)
			}
		}
	}
	return claims, nil
}
