package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/remotesync/remotesync-server/internal/config"
	"github.com/remotesync/remotesync-server/internal/models"
	"github.com/remotesync/remotesync-server/pkg/crypto"
)

// Token scopes
const (
	ScopeDriver = "driver"
	ScopeAdmin  = "admin"
)

// JWTManager manages JWT tokens
type JWTManager struct {
	config *config.JWTConfig
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg *config.JWTConfig) *JWTManager {
	return &JWTManager{
		config: cfg,
	}
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	DeviceID *uuid.UUID `json:"device_id,omitempty"`
	Scope    string     `json:"scope"`
}

// GenerateDriverToken mints the token handed to a device's driver instance.
// The token id (jti) is recorded in storage so it can be revoked when a
// replacement is minted.
func (m *JWTManager) GenerateDriverToken(device *models.Device) (string, *models.DriverToken, error) {
	now := time.Now()
	record := &models.DriverToken{
		ID:        uuid.New().String(),
		DeviceID:  device.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.config.DriverTokenTTL),
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   device.ID.String(),
			ExpiresAt: jwt.NewNumericDate(record.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "remotesync-server",
			ID:        record.ID,
		},
		DeviceID: &device.ID,
		Scope:    ScopeDriver,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", nil, fmt.Errorf("sign driver token: %w", err)
	}

	return tokenString, record, nil
}

// GenerateAdminToken mints an admin token for the REST API
func (m *JWTManager) GenerateAdminToken(username string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AdminTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "remotesync-server",
			ID:        uuid.New().String(),
		},
		Scope: ScopeAdmin,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}

	return tokenString, nil
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	})

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

// VerifySecret verifies a secret against a bcrypt hash
func (m *JWTManager) VerifySecret(secret, hash string) bool {
	return crypto.VerifySecret(secret, hash)
}
