package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidToken covers every rejected bearer token.
	ErrInvalidToken = errors.New("auth: invalid token")
)

const tokenTTL = 12 * time.Hour

// Claims is the JWT body issued to operators.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Service handles operator authentication.
type Service struct {
	repo      Repository
	jwtSecret []byte
	now       func() time.Time
}

// LoginResult bundles the token and operator returned after a successful login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Operator  Operator
}

func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{repo: repo, jwtSecret: []byte(jwtSecret), now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates an operator account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Operator, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	fullName := strings.TrimSpace(req.FullName)
	if email == "" || fullName == "" {
		return nil, fmt.Errorf("auth: email and full_name are required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("auth: invalid email %q", req.Email)
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleAgent
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("auth: invalid role %q", role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	op, err := s.repo.CreateOperator(ctx, CreateOperatorParams{
		Email:        email,
		FullName:     fullName,
		PasswordHash: string(hash),
		Role:         role,
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// Login checks the password and issues a signed token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	op, err := s.repo.GetOperatorByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrOperatorNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, expires, err := s.issue(op.ID, op.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}
	return LoginResult{Token: token, ExpiresAt: expires, Operator: op}, nil
}

func (s *Service) GetOperator(ctx context.Context, id string) (*Operator, error) {
	op, err := s.repo.GetOperatorByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// VerifyToken validates a bearer token and returns the operator id and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", "", ErrInvalidToken
	}
	if !isValidRole(claims.Role) {
		return "", "", fmt.Errorf("%w: role %q", ErrInvalidToken, claims.Role)
	}
	return claims.Subject, claims.Role, nil
}

func (s *Service) issue(operatorID string, role Role) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(tokenTTL)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAgent, RoleSupervisor, RoleAdmin:
		return true
	default:
		return false
	}
}
