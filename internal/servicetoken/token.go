// Package servicetoken issues and verifies the short-lived RS256 JWTs that
// internal callers present to the audiobook service. A token may carry the
// id of the end user the call is made for.
package servicetoken

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTokenTTL = 60 * time.Second
	DefaultLeeway   = 15 * time.Second
	DefaultKeyID    = "internal-active"
)

// ErrInvalidToken wraps every verification failure.
var ErrInvalidToken = errors.New("invalid service token")

// Claims are the registered JWT claims plus the acting user.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid,omitempty"`
}

// SignerOptions configures internal service token signing.
type SignerOptions struct {
	PrivateKeyPath string
	KeyID          string
	Issuer         string
	TTL            time.Duration
}

// Signer issues short-lived internal service JWTs.
type Signer struct {
	key    *rsa.PrivateKey
	kid    string
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSignerWithOptions loads the private key and returns an RS256 signer.
func NewSignerWithOptions(opts SignerOptions) (*Signer, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("service token issuer is required")
	}
	path := strings.TrimSpace(opts.PrivateKeyPath)
	if path == "" {
		return nil, errors.New("service token private key path is required")
	}
	key, err := LoadPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load internal jwt private key: %w", err)
	}
	s := &Signer{
		key:    key,
		kid:    strings.TrimSpace(opts.KeyID),
		issuer: issuer,
		ttl:    opts.TTL,
		now:    time.Now,
	}
	if s.kid == "" {
		s.kid = DefaultKeyID
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTokenTTL
	}
	return s, nil
}

// SignFor issues a token for audience acting on behalf of userID. An empty
// userID issues a service-only token.
func (s *Signer) SignFor(audience, userID string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	now := s.now().UTC()
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   s.issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
		UserID: strings.TrimSpace(userID),
	})
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// VerifierOptions configures internal service token verification.
// PublicKeyPath is registered under DefaultKeyID; VerifyPublicKeyMap adds
// more keys by kid for rotation.
type VerifierOptions struct {
	PublicKeyPath      string
	VerifyPublicKeyMap map[string]string
	DefaultKeyID       string
	Audience           string
	AllowedIssuers     []string
	Leeway             time.Duration
}

// Verifier validates internal service JWTs.
type Verifier struct {
	parser  *jwt.Parser
	keys    map[string]*rsa.PublicKey
	issuers map[string]struct{}
}

// NewVerifierWithOptions loads the public keys and builds the parser.
func NewVerifierWithOptions(opts VerifierOptions) (*Verifier, error) {
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		return nil, errors.New("service token audience is required")
	}
	v := &Verifier{
		keys:    make(map[string]*rsa.PublicKey),
		issuers: make(map[string]struct{}),
	}
	for _, issuer := range opts.AllowedIssuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			v.issuers[issuer] = struct{}{}
		}
	}
	if len(v.issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}

	paths := make(map[string]string, len(opts.VerifyPublicKeyMap)+1)
	if path := strings.TrimSpace(opts.PublicKeyPath); path != "" {
		kid := strings.TrimSpace(opts.DefaultKeyID)
		if kid == "" {
			kid = DefaultKeyID
		}
		paths[kid] = path
	}
	for kid, path := range opts.VerifyPublicKeyMap {
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if kid != "" && path != "" {
			paths[kid] = path
		}
	}
	for kid, path := range paths {
		pub, err := LoadPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("load internal verify key %q: %w", kid, err)
		}
		v.keys[kid] = pub
	}
	if len(v.keys) == 0 {
		return nil, errors.New("internal service verifier requires rsa public key")
	}

	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	)
	return v, nil
}

// Verify checks signature, lifetime, audience and issuer and returns the claims.
func (v *Verifier) Verify(token string) (Claims, error) {
	var claims Claims
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	if _, err := v.parser.ParseWithClaims(token, &claims, v.keyFor); err != nil {
		return claims, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if _, ok := v.issuers[claims.Issuer]; !ok {
		return claims, fmt.Errorf("%w: issuer %q not allowed", ErrInvalidToken, claims.Issuer)
	}
	if claims.ID == "" || strings.TrimSpace(claims.Subject) == "" {
		return claims, fmt.Errorf("%w: jti and sub are required", ErrInvalidToken)
	}
	return claims, nil
}

func (v *Verifier) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid = strings.TrimSpace(kid); kid == "" {
		return nil, errors.New("token key id required")
	}
	pub, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown token key %q", kid)
	}
	return pub, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
