package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/relabs-tech/bastion/core"
	"github.com/relabs-tech/bastion/core/access"
	"github.com/relabs-tech/bastion/core/logger"
	"github.com/relabs-tech/bastion/core/registry"
)

// Claims are the claims of an end user access token
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 end user access tokens
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenIssuer returns an issuer. Tokens live for ttl.
func NewTokenIssuer(secret []byte, issuer, audience string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("token secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: secret, issuer: issuer, audience: audience, ttl: ttl, now: time.Now}, nil
}

type storedSecret struct {
	Secret string `json:"secret"`
}

// SecretFromRegistry returns the signing secret kept in the registry,
// generating and storing a new one on first use.
func SecretFromRegistry(ctx context.Context, reg *registry.Registry) ([]byte, error) {
	accessor := reg.Accessor("_jwt_")
	var s storedSecret
	ts, err := accessor.Read(ctx, "hs256", &s)
	if err != nil {
		return nil, err
	}
	if !ts.IsZero() && s.Secret != "" {
		return base64.StdEncoding.DecodeString(s.Secret)
	}
	secret := make([]byte, 48)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Infoln("generated new token signing secret")
	if err := accessor.Write(ctx, "hs256", storedSecret{Secret: base64.StdEncoding.EncodeToString(secret)}); err != nil {
		return nil, err
	}
	return secret, nil
}

// Issue mints an access token for userID bound to sessionID
func (t *TokenIssuer) Issue(userID, sessionID string) (string, time.Time, error) {
	now := t.now().UTC()
	expiry := now.Add(t.ttl)
	claims := Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    t.issuer,
			Audience:  jwt.ClaimStrings{t.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	return token, expiry, err
}

// Verify checks signature, expiry, issuer and audience of a token and returns the end user
func (t *TokenIssuer) Verify(tokenString string) (access.EndUser, error) {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return access.EndUser{}, core.Errorf(core.KindTokenExpired, "access token expired")
		}
		return access.EndUser{}, &core.Error{Kind: core.KindTokenInvalid, Message: "invalid access token", Err: err}
	}
	switch {
	case claims.ExpiresAt == nil:
		return access.EndUser{}, core.Errorf(core.KindTokenInvalid, "access token has no expiry")
	case !claims.VerifyIssuer(t.issuer, true):
		return access.EndUser{}, core.Errorf(core.KindTokenInvalid, "access token has wrong issuer")
	case !claims.VerifyAudience(t.audience, true):
		return access.EndUser{}, core.Errorf(core.KindTokenInvalid, "access token has wrong audience")
	case claims.Subject == "" || claims.SessionID == "":
		return access.EndUser{}, core.Errorf(core.KindTokenInvalid, "access token lacks subject or session")
	}
	return access.EndUser{
		UserID:      claims.Subject,
		SessionID:   claims.SessionID,
		TokenExpiry: claims.ExpiresAt.Time,
	}, nil
}
