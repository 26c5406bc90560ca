package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in credentials.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// ErrInvalidToken is returned when a credential cannot be verified.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the credential payload.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the credential grants quota bypass.
func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// TokenService issues and verifies HS256 credentials. The admin role is never
// taken from the caller: it is granted only to configured admin emails.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	admins map[string]struct{}
	now    func() time.Time
}

// NewTokenService creates a credential service.
func NewTokenService(secret string, ttl time.Duration, adminEmails []string) *TokenService {
	admins := make(map[string]struct{}, len(adminEmails))
	for _, e := range adminEmails {
		if e = normalizeEmail(e); e != "" {
			admins[e] = struct{}{}
		}
	}
	return &TokenService{
		secret: []byte(secret),
		ttl:    ttl,
		admins: admins,
		now:    time.Now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RoleFor returns the role a credential for email is issued with.
func (s *TokenService) RoleFor(email string) string {
	if _, ok := s.admins[normalizeEmail(email)]; ok {
		return RoleAdmin
	}
	return RoleUser
}

// Issue signs a credential for email.
func (s *TokenService) Issue(email string) (string, error) {
	now := s.now()
	claims := Claims{
		Email: normalizeEmail(email),
		Role:  s.RoleFor(email),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Verify parses and validates a credential.
func (s *TokenService) Verify(token string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return &claims, nil
}

// BearerToken extracts the bearer credential from r, if any.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// IsAdminRequest reports whether r carries a valid admin credential.
func (s *TokenService) IsAdminRequest(r *http.Request) bool {
	token := BearerToken(r)
	if token == "" {
		return false
	}
	claims, err := s.Verify(token)
	return err == nil && claims.IsAdmin()
}
