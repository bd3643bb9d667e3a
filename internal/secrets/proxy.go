package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/viamin/aidp-sub015/internal/config"
	"github.com/viamin/aidp-sub015/internal/metrics"
)

// tokenPrefix marks proxy tokens so they are recognizable in logs and env.
const tokenPrefix = "sp_"

// Token is an issued proxy token. It references a secret by name and never
// embeds the secret's value. Tokens live in memory only.
type Token struct {
	Token      string     `json:"-"`
	SecretName string     `json:"secret_name"`
	Scope      string     `json:"scope,omitempty"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Used       bool       `json:"used"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
}

// expiredAt reports whether the token is past its deadline at now.
func (t *Token) expiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Issued is what RequestToken hands back to the caller.
type Issued struct {
	Token      string        `json:"token"`
	SecretName string        `json:"secret_name"`
	Scope      string        `json:"scope,omitempty"`
	TTL        time.Duration `json:"ttl"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

// UsageEntry records one successful redemption.
type UsageEntry struct {
	SecretName string    `json:"secret_name"`
	Scope      string    `json:"scope,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TokenSummary describes an active token without exposing it.
type TokenSummary struct {
	TokenPrefix string    `json:"token_prefix"`
	SecretName  string    `json:"secret_name"`
	Scope       string    `json:"scope,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	Used        bool      `json:"used"`
}

// TokensSummary is the proxy's diagnostic report.
type TokensSummary struct {
	Count  int            `json:"count"`
	Tokens []TokenSummary `json:"tokens"`
}

// ProxyOption configures a Proxy.
type ProxyOption func(*Proxy)

// WithDefaultTTL sets the TTL used when RequestToken gets no WithTTL.
func WithDefaultTTL(d time.Duration) ProxyOption {
	return func(p *Proxy) {
		if d >= 0 {
			p.defaultTTL = d
		}
	}
}

// WithStrictSingleUse rejects a second redemption of the same token.
func WithStrictSingleUse(strict bool) ProxyOption {
	return func(p *Proxy) { p.strict = strict }
}

// WithUsageLogLimit bounds the usage log.
func WithUsageLogLimit(n int) ProxyOption {
	return func(p *Proxy) {
		if n > 0 {
			p.usageLimit = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) ProxyOption {
	return func(p *Proxy) {
		if now != nil {
			p.now = now
		}
	}
}

// WithProxyLogger sets the logger. Token and secret values are never logged.
func WithProxyLogger(l *zap.Logger) ProxyOption {
	return func(p *Proxy) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithProxyMetrics attaches a metrics collector.
func WithProxyMetrics(m *metrics.Collector) ProxyOption {
	return func(p *Proxy) { p.metrics = m }
}

// ProxyOptionsFromConfig maps the secrets_proxy config section to options.
func ProxyOptionsFromConfig(c config.SecretsProxyConfig) []ProxyOption {
	return []ProxyOption{
		WithDefaultTTL(c.DefaultTTL),
		WithStrictSingleUse(c.StrictSingleUse),
		WithUsageLogLimit(c.UsageLogLimit),
	}
}

// RequestOption configures a single RequestToken call.
type RequestOption func(*request)

type request struct {
	ttl    time.Duration
	hasTTL bool
	scope  string
}

// WithTTL sets the token lifetime. Zero is valid and expires immediately.
func WithTTL(d time.Duration) RequestOption {
	return func(r *request) {
		r.ttl = d
		r.hasTTL = true
	}
}

// WithScope tags the token with the operation it is meant for.
func WithScope(scope string) RequestOption {
	return func(r *request) { r.scope = scope }
}

// Proxy issues, redeems and revokes ephemeral tokens for registered secrets.
// All methods are safe for concurrent use.
type Proxy struct {
	registry   *Registry
	mu         sync.Mutex
	tokens     map[string]*Token
	usage      []UsageEntry
	usageLimit int
	defaultTTL time.Duration
	strict     bool
	now        func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// NewProxy creates a Proxy backed by reg.
func NewProxy(reg *Registry, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		registry:   reg,
		tokens:     make(map[string]*Token),
		usageLimit: config.DefaultLogLimit,
		defaultTTL: config.DefaultTokenTTL,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Registry returns the registry backing the proxy.
func (p *Proxy) Registry() *Registry {
	return p.registry
}

// RequestToken mints a token for secretName. The secret's value is not read
// until the token is exchanged.
func (p *Proxy) RequestToken(secretName string, opts ...RequestOption) (Issued, error) {
	req := request{ttl: p.defaultTTL}
	for _, o := range opts {
		o(&req)
	}
	if req.ttl < 0 {
		return Issued{}, fmt.Errorf("secrets proxy: ttl must not be negative, got %s", req.ttl)
	}

	entry, ok := p.registry.Get(secretName)
	if !ok {
		return Issued{}, &UnregisteredSecretError{Name: secretName}
	}
	if !entry.AllowsScope(req.scope) {
		return Issued{}, &ScopeNotAllowedError{Name: secretName, Scope: req.scope, Allowed: entry.Scopes}
	}

	tok, err := generateToken()
	if err != nil {
		return Issued{}, err
	}

	p.mu.Lock()
	now := p.now()
	t := &Token{
		Token:      tok,
		SecretName: secretName,
		Scope:      req.scope,
		IssuedAt:   now,
		ExpiresAt:  now.Add(req.ttl),
	}
	p.tokens[tok] = t
	p.mu.Unlock()

	p.metrics.TokenIssued(secretName)
	p.logger.Debug("token issued",
		zap.String("secret_name", secretName),
		zap.String("scope", req.scope),
		zap.Duration("ttl", req.ttl),
	)

	return Issued{
		Token:      tok,
		SecretName: secretName,
		Scope:      req.scope,
		TTL:        req.ttl,
		ExpiresAt:  t.ExpiresAt,
	}, nil
}

// ExchangeToken redeems token for the current value of its secret's env var.
// The token is marked used; a second redemption before expiry is allowed
// unless strict single use is enabled.
func (p *Proxy) ExchangeToken(token string) (string, error) {
	p.mu.Lock()
	t, ok := p.tokens[token]
	if !ok {
		p.mu.Unlock()
		p.metrics.TokenRejected("unknown")
		return "", &ProxyError{Reason: "invalid or revoked token"}
	}
	now := p.now()
	if t.expiredAt(now) {
		p.mu.Unlock()
		p.metrics.TokenRejected("expired")
		return "", &TokenExpiredError{SecretName: t.SecretName, ExpiresAt: t.ExpiresAt}
	}
	if p.strict && t.Used {
		usedAt := *t.UsedAt
		p.mu.Unlock()
		p.metrics.TokenRejected("used")
		return "", &TokenUsedError{SecretName: t.SecretName, UsedAt: usedAt}
	}
	entry, ok := p.registry.Get(t.SecretName)
	if !ok {
		p.mu.Unlock()
		p.metrics.TokenRejected("unregistered")
		return "", &UnregisteredSecretError{Name: t.SecretName}
	}

	t.Used = true
	t.UsedAt = &now
	p.usage = append(p.usage, UsageEntry{SecretName: t.SecretName, Scope: t.Scope, Timestamp: now})
	if over := len(p.usage) - p.usageLimit; over > 0 {
		p.usage = append([]UsageEntry(nil), p.usage[over:]...)
	}
	p.mu.Unlock()

	p.metrics.TokenExchanged(t.SecretName)
	p.logger.Debug("token exchanged", zap.String("secret_name", t.SecretName), zap.String("scope", t.Scope))
	return os.Getenv(entry.EnvVar), nil
}

// RevokeToken removes token. It reports whether the token existed.
func (p *Proxy) RevokeToken(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tokens[token]; !ok {
		return false
	}
	delete(p.tokens, token)
	p.metrics.TokensRemovedBy("revoked", 1)
	return true
}

// RevokeAllForSecret removes every token for secretName and returns the count.
func (p *Proxy) RevokeAllForSecret(secretName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for tok, t := range p.tokens {
		if t.SecretName == secretName {
			delete(p.tokens, tok)
			n++
		}
	}
	p.metrics.TokensRemovedBy("revoked", n)
	if n > 0 {
		p.logger.Info("tokens revoked", zap.String("secret_name", secretName), zap.Int("count", n))
	}
	return n
}

// CleanupExpired removes tokens past their deadline and returns the count.
func (p *Proxy) CleanupExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	n := 0
	for tok, t := range p.tokens {
		if t.expiredAt(now) {
			delete(p.tokens, tok)
			n++
		}
	}
	p.metrics.TokensRemovedBy("expired", n)
	return n
}

// ActiveTokensSummary lists tokens currently held, soonest expiry first.
func (p *Proxy) ActiveTokensSummary() TokensSummary {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := TokensSummary{Count: len(p.tokens), Tokens: make([]TokenSummary, 0, len(p.tokens))}
	for tok, t := range p.tokens {
		out.Tokens = append(out.Tokens, TokenSummary{
			TokenPrefix: tok[:len(tokenPrefix)+8],
			SecretName:  t.SecretName,
			Scope:       t.Scope,
			ExpiresAt:   t.ExpiresAt,
			Used:        t.Used,
		})
	}
	sort.Slice(out.Tokens, func(i, j int) bool {
		return out.Tokens[i].ExpiresAt.Before(out.Tokens[j].ExpiresAt)
	})
	return out
}

// UsageLog returns a copy of the redemption log, oldest first.
func (p *Proxy) UsageLog() []UsageEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]UsageEntry, len(p.usage))
	copy(out, p.usage)
	return out
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("secrets proxy: generate token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(b), nil
}
