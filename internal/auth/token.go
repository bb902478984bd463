package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var (
	errNoToken      = errors.New("auth: token missing")
	errInvalidToken = errors.New("auth: invalid token")
)

// TokenValidator checks issuer, audience, expiry and algorithm of a parsed token.
type TokenValidator struct {
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	Algorithm jwa.SignatureAlgorithm
}

// Validate ensures tok satisfies the configured claims at now.
func (v TokenValidator) Validate(tok jwt.Token, algorithm jwa.SignatureAlgorithm, now time.Time) error {
	if tok == nil {
		return errors.New("auth: token is nil")
	}
	if algorithm == "" {
		return errors.New("auth: token missing algorithm")
	}
	if v.Algorithm != "" && algorithm != v.Algorithm {
		return fmt.Errorf("auth: unexpected token algorithm %s", algorithm)
	}
	opts := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
		jwt.WithRequiredClaim(jwt.SubjectKey),
	}
	if v.ClockSkew > 0 {
		opts = append(opts, jwt.WithAcceptableSkew(v.ClockSkew))
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	return jwt.Validate(tok, opts...)
}

// ServiceTokens verifies HS256 bearer tokens presented by internal callers of the payment API.
type ServiceTokens struct {
	secret    []byte
	validator TokenValidator
	now       func() time.Time
}

// NewServiceTokens builds a verifier for tokens signed with secret.
func NewServiceTokens(secret, issuer, audience string) (*ServiceTokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: service token secret is required")
	}
	return &ServiceTokens{
		secret: []byte(secret),
		validator: TokenValidator{
			Issuer:    issuer,
			Audience:  audience,
			ClockSkew: 30 * time.Second,
			Algorithm: jwa.HS256,
		},
		now: time.Now,
	}, nil
}

// WithNow overrides the clock; tests only.
func (s *ServiceTokens) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Parse verifies token and returns its subject.
func (s *ServiceTokens) Parse(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errNoToken
	}
	algorithm, err := tokenAlgorithm(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if algorithm != s.validator.Algorithm {
		return "", fmt.Errorf("%w: unexpected algorithm %s", errInvalidToken, algorithm)
	}
	parsed, err := jwt.ParseString(token, jwt.WithKey(algorithm, s.secret), jwt.WithValidate(false))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if err := s.validator.Validate(parsed, algorithm, s.now()); err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	return parsed.Subject(), nil
}

// Sign issues a token for subject valid for ttl; used by tooling and tests.
func (s *ServiceTokens) Sign(subject string, ttl time.Duration) (string, error) {
	now := s.now()
	b := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(ttl))
	if s.validator.Issuer != "" {
		b = b.Issuer(s.validator.Issuer)
	}
	if s.validator.Audience != "" {
		b = b.Audience([]string{s.validator.Audience})
	}
	tok, err := b.Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(s.validator.Algorithm, s.secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func tokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	msg, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return "", errors.New("token must carry exactly one signature")
	}
	headers := sigs[0].ProtectedHeaders()
	if headers == nil {
		return "", errors.New("token missing protected headers")
	}
	alg := headers.Algorithm()
	if alg == "" || alg == jwa.NoSignature {
		return "", errors.New("token missing algorithm")
	}
	return alg, nil
}
