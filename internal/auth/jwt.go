package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/pairrelay/pkg/models"
)

// TokenIssuer is stamped into every dashboard token and required on
// validation.
const TokenIssuer = "pairrelay"

// clockSkew tolerates small clock drift between the relay and the issuer.
const clockSkew = 30 * time.Second

// JWTService signs and verifies dashboard tokens. A token names the
// dashboard user and the companies it may open pairing sessions for.
type JWTService struct {
	secret []byte
	expiry time.Duration
	parser *jwt.Parser
}

// NewJWTService builds a JWT helper with the given secret and expiry. A zero
// expiry issues tokens that never expire.
func NewJWTService(secret string, expiry time.Duration) *JWTService {
	return &JWTService{
		secret: []byte(secret),
		expiry: expiry,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(TokenIssuer),
			jwt.WithLeeway(clockSkew),
		),
	}
}

// DashboardClaims is the payload of a dashboard token.
type DashboardClaims struct {
	Email      string  `json:"email,omitempty"`
	Name       string  `json:"name,omitempty"`
	CompanyIDs []int64 `json:"company_ids,omitempty"`
	jwt.RegisteredClaims
}

func claimsFor(user *models.User, now time.Time, expiry time.Duration) DashboardClaims {
	claims := DashboardClaims{
		Email:      strings.TrimSpace(user.Email),
		Name:       strings.TrimSpace(user.Name),
		CompanyIDs: user.CompanyIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   TokenIssuer,
			Subject:  user.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiry))
	}
	return claims
}

func (c *DashboardClaims) user() *models.User {
	return &models.User{
		ID:         c.Subject,
		Email:      strings.TrimSpace(c.Email),
		Name:       strings.TrimSpace(c.Name),
		CompanyIDs: c.CompanyIDs,
	}
}

// Generate issues a signed token for user.
func (s *JWTService) Generate(user *models.User) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return "", errors.New("user id required")
	}
	claims := claimsFor(user, time.Now(), s.expiry)
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate verifies token and returns the dashboard user it names. Every
// failure maps to ErrInvalidToken.
func (s *JWTService) Validate(token string) (*models.User, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}
	var claims DashboardClaims
	if _, err := s.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims.user(), nil
}
