package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token is expired")
)

const DefaultTokenTTL = 12 * time.Hour

// Claims identify the user a session acts as. ConnectedBy names the
// administrator when the session was opened on someone else's behalf.
type Claims struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	Admin       bool   `json:"admin,omitempty"`
	ConnectedBy string `json:"connected_by,omitempty"`
	jwt.RegisteredClaims
}

type Issuer struct {
	key    []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

type IssuerOption func(*Issuer)

func WithTTL(d time.Duration) IssuerOption {
	return func(i *Issuer) {
		if d > 0 {
			i.ttl = d
		}
	}
}

func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

func NewIssuer(key []byte, issuer string, opts ...IssuerOption) (*Issuer, error) {
	if len(key) < 16 {
		return nil, errors.New("signing key must be at least 16 bytes")
	}
	i := &Issuer{key: key, ttl: DefaultTokenTTL, issuer: issuer, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue signs a token for c and returns it with its expiry.
func (i *Issuer) Issue(c Claims) (string, time.Time, error) {
	now := i.now()
	expires := now.Add(i.ttl)
	c.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   c.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &c)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	// expiry is checked below against the issuer's clock
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return i.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.ExpiresAt == nil || !claims.ExpiresAt.After(i.now()) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}
