// Package csrf signs form tokens bound to a browser flow key.
//
// Tokens are stateless: base64url("<unix>:<nonce>:<binding>:<hmac>"). The
// registration forms post them back and the controller checks that the
// signature matches and the binding is the flow cookie of the same browser.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTokenMismatch    = errors.New("CSRF token mismatch")
	ErrTokenMissing     = errors.New("CSRF token missing")
	ErrTokenExpired     = errors.New("CSRF token expired")
	ErrSecureKeyMissing = errors.New("CSRF secure key required")
)

// MinKeyLength is the shortest accepted signing key.
const MinKeyLength = 32

// DefaultNonceLength is the number of random bytes in each token
const DefaultNonceLength = 16

// DefaultFormFieldName is the form field carrying the token
const DefaultFormFieldName = "_token"

// DefaultExpiration bounds how long an issued token is accepted.
const DefaultExpiration = time.Hour

// Signer issues and verifies tokens.
type Signer struct {
	key         []byte
	nonceLength int
	expiration  time.Duration
	now         func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithExpiration sets the token lifetime. Zero disables expiry.
func WithExpiration(d time.Duration) Option {
	return func(s *Signer) {
		if d >= 0 {
			s.expiration = d
		}
	}
}

// WithNonceLength sets the number of random bytes per token.
func WithNonceLength(n int) Option {
	return func(s *Signer) {
		if n > 0 {
			s.nonceLength = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Signer. The key must be at least MinKeyLength bytes.
func New(key []byte, opts ...Option) (*Signer, error) {
	if len(key) == 0 {
		return nil, ErrSecureKeyMissing
	}
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("csrf: secure key must be at least %d bytes, got %d", MinKeyLength, len(key))
	}

	s := &Signer{
		key:         append([]byte(nil), key...),
		nonceLength: DefaultNonceLength,
		expiration:  DefaultExpiration,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Issue returns a token bound to binding.
func (s *Signer) Issue(binding string) (string, error) {
	if strings.Contains(binding, ":") {
		return "", fmt.Errorf("csrf: binding must not contain ':'")
	}

	nonce := make([]byte, s.nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	payload := fmt.Sprintf("%d:%s:%s", s.now().UTC().Unix(), hex.EncodeToString(nonce), binding)
	token := payload + ":" + hex.EncodeToString(s.sign(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

// Verify checks that token was issued by s for binding and has not expired.
func (s *Signer) Verify(binding, token string) error {
	if token == "" {
		return ErrTokenMissing
	}

	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrTokenMismatch
	}

	parts := strings.Split(string(decoded), ":")
	if len(parts) != 4 {
		return ErrTokenMismatch
	}

	timestampStr, nonceHex, bound, signatureHex := parts[0], parts[1], parts[2], parts[3]

	timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return ErrTokenMismatch
	}

	if _, err := hex.DecodeString(nonceHex); err != nil {
		return ErrTokenMismatch
	}

	signature, err := hex.DecodeString(signatureHex)
	if err != nil {
		return ErrTokenMismatch
	}

	if !hmac.Equal(signature, s.sign(strings.Join(parts[:3], ":"))) {
		return ErrTokenMismatch
	}

	if subtle.ConstantTimeCompare([]byte(bound), []byte(binding)) != 1 {
		return ErrTokenMismatch
	}

	if s.expiration > 0 {
		expiresAt := time.Unix(timestamp, 0).Add(s.expiration)
		if s.now().UTC().After(expiresAt) {
			return ErrTokenExpired
		}
	}

	return nil
}

func (s *Signer) sign(payload string) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}
