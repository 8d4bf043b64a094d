package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalid  = errors.New("invalid challenge token")
	ErrReplayed = errors.New("challenge token already used")
)

const defaultIssuer = "browsetrace-captcha"

// Claims is the body of a challenge token.
type Claims struct {
	Score         float64 `json:"score"`
	InteractionID string  `json:"interaction_id"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies RS256 challenge tokens.
type Issuer struct {
	privateKey *rsa.PrivateKey
	ttl        time.Duration
	issuer     string
	now        func() time.Time
}

// NewIssuer returns an Issuer signing with key. Tokens expire after ttl.
func NewIssuer(key *rsa.PrivateKey, ttl time.Duration) *Issuer {
	return &Issuer{
		privateKey: key,
		ttl:        ttl,
		issuer:     defaultIssuer,
		now:        time.Now,
	}
}

// GenerateKey creates a fresh 2048-bit signing key.
func GenerateKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return key, nil
}

// LoadPrivateKey reads a PEM encoded RSA private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return key, nil
}

// TTL is the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue signs a token carrying score and interactionID.
func (i *Issuer) Issue(score float64, interactionID string) (string, error) {
	now := i.now()
	claims := Claims{
		Score:         score,
		InteractionID: interactionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   interactionID,
			ID:        interactionID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign challenge token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, issuer and lifetime of raw.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return &i.privateKey.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !parsed.Valid || claims.InteractionID == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}

// PublicKeyPEM returns the verification key in PKIX PEM form.
func (i *Issuer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&i.privateKey.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
