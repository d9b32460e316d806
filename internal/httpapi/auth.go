package httpapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"mojarreria/kiosk/internal/domain"
)

var errTokenInvalid = errors.New("invalid or expired token")

type sessionClaims struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthManager issues and verifies the short-lived operator session tokens
// the local API uses after a successful phone+PIN login.
type AuthManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthManager(secret string, ttl time.Duration, now func() time.Time) *AuthManager {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &AuthManager{secret: []byte(secret), ttl: ttl, now: now}
}

func (a *AuthManager) IssueToken(actor domain.Actor) (string, time.Time, error) {
	now := a.now()
	expiresAt := now.Add(a.ttl)
	claims := sessionClaims{
		Name: actor.Name,
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

func (a *AuthManager) ParseToken(token string) (domain.Actor, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil || !parsed.Valid {
		return domain.Actor{}, errTokenInvalid
	}
	return domain.Actor{UserID: claims.Subject, Name: claims.Name, Role: claims.Role}, nil
}

// validSupportPassword checks the plaintext support password against the
// configured bcrypt hash. An empty hash disables support operations.
func validSupportPassword(hash, password string) bool {
	if hash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
