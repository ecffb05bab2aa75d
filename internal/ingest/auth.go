package ingest

import (
	"crypto/rsa"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rapidaai/agentassist/internal/config"
)

// Authenticator validates an inbound ingest connection before the WebSocket
// upgrade. Exactly one strategy is active at a time, selected by
// configuration.
type Authenticator interface {
	Authenticate(r *http.Request) (tenantID string, ok bool)
}

// NewAuthenticator builds the Authenticator selected by cfg.IngestAuthMode.
func NewAuthenticator(cfg *config.AppConfig) (Authenticator, error) {
	switch cfg.IngestAuthMode {
	case config.AuthIPAllowlist:
		return &ipAllowlistAuth{allowed: toSet(cfg.IngestAllowedIPs)}, nil
	case config.AuthBasic:
		return &basicAuth{user: cfg.IngestBasicUser, pass: cfg.IngestBasicPass}, nil
	case config.AuthBearerJWT:
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.JWTPublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("ingest: parse JWT public key: %w", err)
		}
		return &bearerJWTAuth{publicKey: key}, nil
	default:
		return nil, fmt.Errorf("ingest: unknown auth mode %q", cfg.IngestAuthMode)
	}
}

func toSet(ips []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		set[ip] = struct{}{}
	}
	return set
}

type ipAllowlistAuth struct {
	allowed map[string]struct{}
}

func (a *ipAllowlistAuth) Authenticate(r *http.Request) (string, bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if _, ok := a.allowed[host]; !ok {
		return "", false
	}
	return "", true
}

type basicAuth struct {
	user, pass string
}

func (a *basicAuth) Authenticate(r *http.Request) (string, bool) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return "", false
	}
	userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(a.user)) == 1
	passMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(a.pass)) == 1
	if !userMatch || !passMatch {
		return "", false
	}
	return "", true
}

type bearerJWTAuth struct {
	publicKey *rsa.PublicKey
}

// ingestClaims is the expected bearer-token payload; tenant_id drives
// per-tenant tagging of published AudioFrames.
type ingestClaims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

func (a *bearerJWTAuth) Authenticate(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	raw := strings.TrimPrefix(header, prefix)

	claims := &ingestClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("ingest: unexpected signing method %v", t.Header["alg"])
		}
		return a.publicKey, nil
	})
	if err != nil || !token.Valid {
		return "", false
	}
	return claims.TenantID, true
}
