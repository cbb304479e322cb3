package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// tokenLifetime bounds operator sessions
const tokenLifetime = 8 * time.Hour

// JWTManager issues and validates operator tokens for the admin surface
type JWTManager struct {
	secretKey string
	// bootstrapHash is the bcrypt hash of the static operator token; empty
	// disables the exchange endpoint
	bootstrapHash string
}

// NewJWTManager creates a JWT manager. An empty secret generates a random
// one: sessions then do not survive a restart, which is fine everywhere but
// production.
func NewJWTManager(secretKey, bootstrapHash string) (*JWTManager, error) {
	if secretKey == "" {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		secretKey = base64.StdEncoding.EncodeToString(randomKey)
		log.Printf("[JWT] WARNING: no JWT secret configured, generated a random key")
		log.Printf("[JWT] Operator sessions will not survive a restart; set admin.jwtSecret for production")
	}

	return &JWTManager{
		secretKey:     secretKey,
		bootstrapHash: bootstrapHash,
	}, nil
}

// OperatorClaims are the JWT claims carried by an operator session
type OperatorClaims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// ExchangeBootstrapToken validates the static operator token against its
// bcrypt hash and issues a session JWT
func (j *JWTManager) ExchangeBootstrapToken(token, name string) (string, error) {
	if j.bootstrapHash == "" {
		return "", fmt.Errorf("bootstrap token exchange is disabled")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(j.bootstrapHash), []byte(token)); err != nil {
		return "", fmt.Errorf("invalid operator token")
	}
	return j.GenerateOperatorToken(name)
}

// GenerateOperatorToken issues a session JWT for an operator
func (j *JWTManager) GenerateOperatorToken(name string) (string, error) {
	claims := OperatorClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenLifetime)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "agentplane-admin",
			Subject:   name,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(j.secretKey))
}

// ValidateOperatorToken validates a session JWT
func (j *JWTManager) ValidateOperatorToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(j.secretKey), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*OperatorClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// HashBootstrapToken produces the bcrypt hash to configure for a static
// operator token
func HashBootstrapToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
