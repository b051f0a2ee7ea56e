package auth

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-tuya/internal/infrastructure/config"
)

// Operator authenticates the single operator account and issues tokens.
type Operator struct {
	username     string
	passwordHash string
	secret       string
	ttl          time.Duration
}

// NewOperator builds the authenticator from the security config. A
// plaintext password is hashed here and then discarded. With neither a
// password nor a hash configured, every login fails with ErrLoginDisabled.
func NewOperator(cfg config.SecurityConfig, ttl time.Duration) (*Operator, error) {
	o := &Operator{
		username:     cfg.Operator.Username,
		passwordHash: cfg.Operator.PasswordHash,
		secret:       cfg.JWT.Secret,
		ttl:          ttl,
	}

	if o.passwordHash == "" && cfg.Operator.Password != "" {
		hash, err := HashPassword(cfg.Operator.Password)
		if err != nil {
			return nil, fmt.Errorf("hashing operator password: %w", err)
		}
		o.passwordHash = hash
	}
	if o.passwordHash != "" {
		if _, err := parsePHC(o.passwordHash); err != nil {
			return nil, fmt.Errorf("operator password hash: %w", err)
		}
	}
	return o, nil
}

// Enabled reports whether a credential is configured.
func (o *Operator) Enabled() bool { return o.passwordHash != "" }

// Login checks the credentials and returns a signed access token.
func (o *Operator) Login(username, password string) (token string, expiresAt time.Time, err error) {
	if !o.Enabled() {
		return "", time.Time{}, ErrLoginDisabled
	}

	// The hash is always verified so a wrong username costs the same time.
	match, err := VerifyPassword(password, o.passwordHash)
	if err != nil {
		return "", time.Time{}, err
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(o.username)) == 1
	if !match || !userOK {
		return "", time.Time{}, ErrInvalidCredentials
	}

	return IssueToken(o.username, o.secret, o.ttl)
}

// Validate parses a bearer token issued by Login.
func (o *Operator) Validate(token string) (*Claims, error) {
	return ParseToken(token, o.secret)
}
