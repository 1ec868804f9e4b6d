package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zeebo/errs"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/settlement/internal/models"
)

var (
	// ErrInvalidInput is returned for malformed registration data.
	ErrInvalidInput = errs.Class("invalid input")
	// ErrInvalidCredentials covers unknown operators, wrong passwords and bad tokens alike.
	ErrInvalidCredentials = errs.Class("invalid credentials")
)

// OperatorStore persists operator accounts
type OperatorStore interface {
	CreateOperator(ctx context.Context, username, passwordHash string) (*models.Operator, error)
	GetOperatorByUsername(ctx context.Context, username string) (*models.Operator, error)
}

// Claims is the JWT payload issued to operators
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// AuthService handles operator authentication
type AuthService struct {
	store  OperatorStore
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthService creates a new auth service
func NewAuthService(store OperatorStore, secret string, ttl time.Duration) *AuthService {
	return &AuthService{store: store, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Register creates a new operator with hashed password
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.Operator, error) {
	// Validate input
	if username == "" {
		return nil, ErrInvalidInput.New("username cannot be empty")
	}
	if password == "" {
		return nil, ErrInvalidInput.New("password cannot be empty")
	}
	if len(username) > 50 {
		return nil, ErrInvalidInput.New("username too long (max 50 characters)")
	}
	// bcrypt ignores everything past 72 bytes
	if len(password) > 72 {
		return nil, ErrInvalidInput.New("password too long (max 72 characters)")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	op, err := s.store.CreateOperator(ctx, username, string(hashedPassword))
	if err != nil {
		return nil, fmt.Errorf("failed to create operator: %w", err)
	}
	return op, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	op, err := s.store.GetOperatorByUsername(ctx, username)
	if err != nil {
		return "", ErrInvalidCredentials.Wrap(err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials.Wrap(err)
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username: op.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(op.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// ParseToken validates a JWT and returns its claims
func (s *AuthService) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidCredentials.Wrap(err)
	}
	if !token.Valid {
		return nil, ErrInvalidCredentials.New("token is not valid")
	}
	return claims, nil
}

// GetOperatorFromToken extracts the operator ID from a JWT
func (s *AuthService) GetOperatorFromToken(tokenString string) (int64, error) {
	claims, err := s.ParseToken(tokenString)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, ErrInvalidCredentials.New("malformed subject %q", claims.Subject)
	}
	return id, nil
}
