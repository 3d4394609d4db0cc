// Package identity issues and verifies the actor tokens that
// authenticate API callers. Tokens are JWTs signed with the custodian's
// Ed25519 key, so the same key that signs ledger writes also vouches
// for who is calling.
package identity

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ActorClaims are the JWT claims for an actor token. The address is the
// account recorded as the actor on every audit entry the caller creates.
type ActorClaims struct {
	jwt.RegisteredClaims
	Address string   `json:"address"`
	Roles   []string `json:"roles,omitempty"`
}

// TokenIssuer issues and verifies actor tokens signed with EdDSA.
type TokenIssuer struct {
	key    ed25519.PrivateKey
	pub    ed25519.PublicKey
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer.
//
//	issuerURL — The "iss" claim value; typically the service base URL.
//	ttl       — Token lifetime (default: 1 hour).
func NewTokenIssuer(key ed25519.PrivateKey, issuerURL string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{
		key:    key,
		pub:    key.Public().(ed25519.PublicKey),
		issuer: issuerURL,
		ttl:    ttl,
	}
}

// Issue creates a signed actor token for the account address.
func (t *TokenIssuer) Issue(address string, roles []string) (string, error) {
	now := time.Now().UTC()
	claims := ActorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   address,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		Address: address,
		Roles:   roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an actor token, returning its claims on success.
func (t *TokenIssuer) Verify(tokenStr string) (*ActorClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&ActorClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.pub, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(*ActorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// PublicKey returns the Ed25519 public key used to verify tokens.
func (t *TokenIssuer) PublicKey() ed25519.PublicKey { return t.pub }

// PublicKeyPEM returns the public key in PKIX PEM format.
func (t *TokenIssuer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(t.pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }
