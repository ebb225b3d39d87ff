package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ukydev/vehicle-tracking/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// userClaims is the JWT payload of a dashboard session.
type userClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Service handles authentication operations
type Service struct {
	jwtSecret []byte
	tokenExp  time.Duration
}

const defaultSecret = "default-secret-key-change-in-production"

// NewService creates a new authentication service from JWT_SECRET and JWT_EXPIRY
func NewService() (*Service, error) {
	exp := 24 * time.Hour // default 24 hours
	if expStr := os.Getenv("JWT_EXPIRY"); expStr != "" {
		parsed, err := time.ParseDuration(expStr)
		if err != nil {
			return nil, fmt.Errorf("invalid JWT_EXPIRY: %w", err)
		}
		exp = parsed
	}
	return NewServiceWith(os.Getenv("JWT_SECRET"), exp), nil
}

// NewServiceWith creates an authentication service with explicit settings
func NewServiceWith(secret string, exp time.Duration) *Service {
	if secret == "" {
		secret = defaultSecret
	}
	if exp <= 0 {
		exp = 24 * time.Hour
	}
	return &Service{
		jwtSecret: []byte(secret),
		tokenExp:  exp,
	}
}

// TokenExpiry returns how long issued tokens stay valid
func (s *Service) TokenExpiry() time.Duration {
	return s.tokenExp
}

// HashPassword hashes a password using bcrypt
func (s *Service) HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}

// CheckPassword checks if a password matches a hash
func (s *Service) CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// GenerateToken generates a JWT token for a user and returns its expiry
func (s *Service) GenerateToken(user *models.User) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.tokenExp)
	claims := userClaims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt.Truncate(time.Second), nil
}

// GenerateRefreshToken generates a refresh token
func (s *Service) GenerateRefreshToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// GenerateDeviceToken returns a random 32 hex character token for a tracker
func GenerateDeviceToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate device token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// DeviceTokenMatches compares device tokens in constant time
func DeviceTokenMatches(stored, presented string) bool {
	if stored == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*models.Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	var claims userClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}), jwt.WithExpirationRequired())
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	if err != nil || claims.UserID == "" || claims.Username == "" || claims.Role == "" {
		return nil, ErrInvalidToken
	}

	return &models.Claims{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     models.Role(claims.Role),
		Exp:      claims.ExpiresAt.Unix(),
	}, nil
}

// ExtractTokenFromHeader extracts token from Authorization header
func (s *Service) ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrInvalidToken
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", ErrInvalidToken
	}

	return parts[1], nil
}

// ValidatePassword validates password strength
func (s *Service) ValidatePassword(password string) error {
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters long")
	}
	return nil
}

// ValidateEmail validates email format
func (s *Service) ValidateEmail(email string) error {
	if !strings.Contains(email, "@") || !strings.Contains(email, ".") {
		return errors.New("invalid email format")
	}
	return nil
}

// ValidateUsername validates username format
func (s *Service) ValidateUsername(username string) error {
	if len(username) < 3 {
		return errors.New("username must be at least 3 characters long")
	}
	if len(username) > 50 {
		return errors.New("username must be less than 50 characters")
	}
	return nil
}
