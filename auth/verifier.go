// Package auth verifies identity-provider JWTs via JWKS and validates issuer/audience.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultLeeway     = 30 * time.Second
	defaultEmailClaim = "email"
	defaultRoleClaim  = "role"
)

// VerifierConfig names the issuer, audience and the claims that carry email
// and role. An empty JWKSURL derives the well-known path from the issuer.
type VerifierConfig struct {
	Issuer     string
	Audience   string
	JWKSURL    string
	EmailClaim string
	RoleClaim  string
}

// Verifier validates session tokens against a JWKS endpoint.
type Verifier struct {
	issuer     string
	audience   string
	emailClaim string
	roleClaim  string
	keyfunc    keyfunc.Keyfunc
	parser     *jwt.Parser
}

// NewVerifier builds a verifier from cfg.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	normalizedIssuer := normalizeIssuer(cfg.Issuer)
	if normalizedIssuer == "" {
		return nil, errors.New("issuer must be set")
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = normalizedIssuer + ".well-known/jwks.json"
	}

	keyProvider, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to init JWKS keyfunc: %w", err)
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(defaultLeeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Name, jwt.SigningMethodRS512.Name, jwt.SigningMethodRS384.Name}),
	}
	// Session tokens from some providers carry no aud claim.
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	v := &Verifier{
		issuer:     normalizedIssuer,
		audience:   cfg.Audience,
		emailClaim: cfg.EmailClaim,
		roleClaim:  cfg.RoleClaim,
		keyfunc:    keyProvider,
		parser:     jwt.NewParser(opts...),
	}
	if v.emailClaim == "" {
		v.emailClaim = defaultEmailClaim
	}
	if v.roleClaim == "" {
		v.roleClaim = defaultRoleClaim
	}
	return v, nil
}

// Verify parses and validates a JWT, returning extracted claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	token, err := v.parser.Parse(tokenString, v.keyfunc.Keyfunc)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	claims := &Claims{
		Subject:   readString(mapClaims, "sub"),
		Issuer:    readString(mapClaims, "iss"),
		Audience:  readStrings(mapClaims["aud"]),
		ExpiresAt: readExpiry(mapClaims["exp"]),
		Scope:     readString(mapClaims, "scope"),
		Email:     readString(mapClaims, v.emailClaim),
		Roles:     readStrings(mapClaims[v.roleClaim]),
		Raw:       mapClaims,
	}
	// Issuers are compared with or without a trailing slash.
	if normalizeIssuer(claims.Issuer) != v.issuer {
		return nil, fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if claims.Subject == "" {
		return nil, errors.New("token missing sub")
	}
	return claims, nil
}

func normalizeIssuer(issuer string) string {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return ""
	}
	if !strings.HasSuffix(issuer, "/") {
		issuer += "/"
	}
	return issuer
}

func readString(claims jwt.MapClaims, key string) string {
	if s, ok := claims[key].(string); ok {
		return s
	}
	return ""
}

func readStrings(raw any) []string {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}

func readExpiry(raw any) time.Time {
	switch v := raw.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return time.Unix(i, 0)
		}
	case int64:
		return time.Unix(v, 0)
	}
	return time.Time{}
}
