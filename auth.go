package rtsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Token providers
// ============================================================================

// AuthTokenProvider supplies the credential sent after every connect.
type AuthTokenProvider interface {
	// GetToken returns the current token, or "" for an unauthenticated
	// connection. forceRefresh is set after the server rejected a token.
	GetToken(ctx context.Context, forceRefresh bool) (string, error)
	// NotifyForInvalidToken is told when tokens keep being rejected.
	NotifyForInvalidToken()
}

// TokenChangeNotifier is implemented by providers whose token changes while
// connected. The connection re-authenticates with every new token.
type TokenChangeNotifier interface {
	OnTokenChange(fn func(token string))
}

// StaticTokenProvider hands out a fixed token that can be swapped with
// SetToken.
type StaticTokenProvider struct {
	mu        sync.Mutex
	token     string
	listeners []func(string)
	invalid   int
}

// NewStaticTokenProvider creates a provider for token; "" means anonymous.
func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

func (p *StaticTokenProvider) GetToken(ctx context.Context, forceRefresh bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token, nil
}

func (p *StaticTokenProvider) NotifyForInvalidToken() {
	p.mu.Lock()
	p.invalid++
	p.mu.Unlock()
}

// InvalidTokenReports counts NotifyForInvalidToken calls.
func (p *StaticTokenProvider) InvalidTokenReports() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invalid
}

func (p *StaticTokenProvider) OnTokenChange(fn func(string)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// SetToken replaces the token and tells the connections using it.
func (p *StaticTokenProvider) SetToken(token string) {
	p.mu.Lock()
	p.token = token
	listeners := append([]func(string){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(token)
	}
}

// ============================================================================
// Signed tokens
// ============================================================================

// TokenClaims is the payload of a signed token.
type TokenClaims struct {
	UID       string `json:"uid"`
	ExpiresAt int64  `json:"exp,omitempty"`
	Admin     bool   `json:"admin,omitempty"`
}

var (
	// ErrInvalidToken is returned for malformed tokens and bad signatures.
	ErrInvalidToken = errors.New("rtsync: invalid token")
	// ErrTokenExpired is returned for tokens past their expiry.
	ErrTokenExpired = errors.New("rtsync: token expired")
)

// SignToken creates "<claims>.<signature>" where claims is base64url JSON
// and signature is the hex HMAC-SHA256 of it.
func SignToken(claims TokenClaims, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("sign token: secret is required")
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(raw)
	return body + "." + tokenSignature(body, secret), nil
}

// VerifyToken checks the signature and expiry of a token made by SignToken.
// Uses constant-time comparison.
func VerifyToken(token, secret string, now time.Time) (TokenClaims, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok || body == "" || sig == "" || secret == "" {
		return TokenClaims{}, ErrInvalidToken
	}
	expected := tokenSignature(body, secret)
	if len(sig) != len(expected) || subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return TokenClaims{}, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return TokenClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var claims TokenClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return TokenClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ExpiresAt != 0 && now.Unix() >= claims.ExpiresAt {
		return TokenClaims{}, ErrTokenExpired
	}
	return claims, nil
}

func tokenSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}
