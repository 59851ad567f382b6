package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const redactedValue = "[REDACTED]"

// Policy names the attribute keys that are redacted or fingerprinted.
// Redaction matches key substrings; fingerprinting matches whole keys.
type Policy struct {
	RedactKeyParts  []string
	FingerprintKeys []string
}

// DefaultPolicy hides credentials and the identity of callers. Bundle,
// deployment and artifact identifiers stay readable.
func DefaultPolicy() Policy {
	return Policy{
		RedactKeyParts:  []string{"token", "secret", "password", "passphrase", "authorization", "credential", "access_key"},
		FingerprintKeys: []string{"created_by", "actor_id", "user_id", "tenant_id", "remote_addr"},
	}
}

var (
	bootNonce     = randomNonce()
	defaultPolicy = compile(DefaultPolicy())
)

type compiledPolicy struct {
	redact      []string
	fingerprint map[string]struct{}
}

func compile(p Policy) *compiledPolicy {
	c := &compiledPolicy{fingerprint: make(map[string]struct{}, len(p.FingerprintKeys))}
	for _, part := range p.RedactKeyParts {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			c.redact = append(c.redact, part)
		}
	}
	for _, key := range p.FingerprintKeys {
		if key = strings.ToLower(strings.TrimSpace(key)); key != "" {
			c.fingerprint[key] = struct{}{}
		}
	}
	return c
}

type SanitizingHandler struct {
	next   slog.Handler
	policy *compiledPolicy
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next, policy: defaultPolicy}
}

func WrapHandlerWithPolicy(next slog.Handler, policy Policy) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next, policy: compile(policy)}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(h.policy.sanitize(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(h.policy.sanitizeAll(attrs)), policy: h.policy}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name), policy: h.policy}
}

func (p *compiledPolicy) sanitize(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lowerKey := strings.ToLower(key)
	switch {
	case p.redacts(lowerKey):
		return slog.String(key, redactedValue)
	case p.fingerprints(lowerKey):
		return slog.String(key+"_fp", FingerprintID(valueToString(attr.Value.Resolve())))
	case attr.Value.Kind() == slog.KindGroup:
		return slog.Attr{Key: key, Value: slog.GroupValue(p.sanitizeAll(attr.Value.Group())...)}
	default:
		return attr
	}
}

func (p *compiledPolicy) sanitizeAll(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, p.sanitize(attr))
	}
	return out
}

func (p *compiledPolicy) redacts(key string) bool {
	for _, part := range p.redact {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func (p *compiledPolicy) fingerprints(key string) bool {
	_, ok := p.fingerprint[key]
	return ok
}

// FingerprintID maps an identifier to a stable per-process token.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v.Any())
	}
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
