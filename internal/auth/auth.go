package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/haasonsaas/pairrelay/pkg/models"
)

var (
	ErrAuthDisabled       = errors.New("auth disabled")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingCredentials = errors.New("missing credentials")
	ErrCompanyNotAllowed  = errors.New("company not allowed for user")
)

// Config configures dashboard authentication.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration

	// Required rejects session creation from unauthenticated sockets.
	Required bool
}

// Service validates dashboard JWTs and scopes them to companies.
// Phones never authenticate; the pairing token is their credential.
type Service struct {
	jwt      *JWTService
	required bool
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{required: cfg.Required}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	return service
}

// Enabled reports whether tokens can be validated.
func (s *Service) Enabled() bool {
	return s != nil && s.jwt != nil
}

// Required reports whether dashboards must present a token.
func (s *Service) Required() bool {
	return s.Enabled() && s.required
}

// GenerateJWT issues a signed token for the given user.
func (s *Service) GenerateJWT(user *models.User) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(user)
}

// ValidateJWT validates a JWT and returns the associated user.
func (s *Service) ValidateJWT(token string) (*models.User, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// AuthorizeCompany decides whether user may create a pairing session for
// companyID. Without a user it only fails when auth is required.
func (s *Service) AuthorizeCompany(user *models.User, companyID int64) error {
	if user == nil {
		if s.Required() {
			return ErrMissingCredentials
		}
		return nil
	}
	if !user.CanManage(companyID) {
		return ErrCompanyNotAllowed
	}
	return nil
}
