package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/costwise/session-security-service/internal/ports"
)

// JWTConfig carries the signing identity. Issuer and Audience are optional;
// when set, ParseAndValidate enforces them.
type JWTConfig struct {
	KeyID         string
	Issuer        string
	Audience      string
	PrivateKeyPEM string
	PublicKeyPEM  string
}

// JWTSigner wraps session identifiers in RS256 envelopes. The raw session
// token carries no bearer power on its own; only the signed envelope does.
// Keys are held at adapter level so the application layer stays
// crypto-library agnostic.
type JWTSigner struct {
	kid        string
	issuer     string
	audience   string
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// NewJWTSigner builds a signer from configured PEM keys.
func NewJWTSigner(cfg JWTConfig) (*JWTSigner, error) {
	if cfg.KeyID == "" {
		return nil, errors.New("jwt key id (kid) is required")
	}
	if cfg.PrivateKeyPEM == "" || cfg.PublicKeyPEM == "" {
		return nil, errors.New("jwt private/public keys are required")
	}

	priv, err := parseRSAPrivate(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	pub, err := parseRSAPublic(cfg.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	return &JWTSigner{
		kid:        cfg.KeyID,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		privateKey: priv,
		publicKey:  pub,
	}, nil
}

// NewEphemeralJWTSigner creates an in-memory keypair for local/dev use.
// This exists to unblock runtime startup when static keys are intentionally absent.
func NewEphemeralJWTSigner(cfg JWTConfig) (*JWTSigner, error) {
	kid := cfg.KeyID
	if kid == "" {
		kid = "ephemeral-key-1"
	}
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return &JWTSigner{
		kid:        kid,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
	}, nil
}

type sessionJWTClaims struct {
	UserID       string `json:"user_id"`
	Role         string `json:"role"`
	SessionToken string `json:"session_token"`
	jwt.RegisteredClaims
}

func (s *JWTSigner) Sign(claims ports.SessionClaims) (string, error) {
	claimSet := sessionJWTClaims{
		UserID:       claims.UserID.String(),
		Role:         claims.Role,
		SessionToken: claims.SessionToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
	}
	if s.audience != "" {
		claimSet.Audience = jwt.ClaimStrings{s.audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claimSet)
	token.Header["kid"] = s.kid
	return token.SignedString(s.privateKey)
}

func (s *JWTSigner) ParseAndValidate(raw string) (ports.SessionClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}
	parsed, err := jwt.ParseWithClaims(raw, &sessionJWTClaims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return s.publicKey, nil
	}, opts...)
	if err != nil {
		return ports.SessionClaims{}, err
	}
	claims, ok := parsed.Claims.(*sessionJWTClaims)
	if !ok || !parsed.Valid {
		return ports.SessionClaims{}, errors.New("invalid token claims")
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return ports.SessionClaims{}, fmt.Errorf("parse user_id: %w", err)
	}
	if claims.SessionToken == "" {
		return ports.SessionClaims{}, errors.New("missing session_token claim")
	}

	kid, _ := parsed.Header["kid"].(string)

	return ports.SessionClaims{
		UserID:       userID,
		Role:         claims.Role,
		SessionToken: claims.SessionToken,
		IssuedAt:     claims.IssuedAt.Time.UTC(),
		ExpiresAt:    claims.ExpiresAt.Time.UTC(),
		KeyID:        kid,
	}, nil
}

func (s *JWTSigner) PublicJWKs() ([]map[string]any, error) {
	e := big.NewInt(int64(s.publicKey.E)).Bytes()
	n := s.publicKey.N.Bytes()

	return []map[string]any{
		{
			"kid": s.kid,
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(n),
			"e":   base64.RawURLEncoding.EncodeToString(e),
		},
	}, nil
}

func parseRSAPrivate(raw string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("invalid private PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

func parseRSAPublic(raw string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("invalid public PEM")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := keyAny.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return key, nil
}
