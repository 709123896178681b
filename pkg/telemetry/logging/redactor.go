package logging

import (
	"log/slog"
	"regexp"
	"strings"
)

// Redactor masks credentials that pass through a proxy: sensitive query
// parameters in request targets, authorization and cookie headers, bearer
// tokens and URL userinfo. A nil *Redactor passes values through.
type Redactor struct {
	patterns []redactPattern
}

type redactPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// Pattern names.
const (
	PatternQueryParam  = "query_param"
	PatternBearerToken = "bearer_token"
	PatternBasicAuth   = "basic_auth"
	PatternUserinfo    = "userinfo"
)

var defaultPatterns = []redactPattern{
	{
		name:        PatternQueryParam,
		regex:       regexp.MustCompile(`(?i)([?&;](?:access_token|token|api_key|apikey|key|password|passwd|secret|sig|signature|auth)=)[^&;#\s]*`),
		replacement: "${1}***",
	},
	{
		name:        PatternBearerToken,
		regex:       regexp.MustCompile(`(?i)Bearer\s+[a-zA-Z0-9\-._~+/]+=*`),
		replacement: "Bearer ***",
	},
	{
		name:        PatternBasicAuth,
		regex:       regexp.MustCompile(`Basic\s+[a-zA-Z0-9+/]{8,}=*`),
		replacement: "Basic ***",
	},
	{
		name:        PatternUserinfo,
		regex:       regexp.MustCompile(`(://)[^/@\s:]+:[^/@\s]*@`),
		replacement: "${1}***@",
	},
}

// sensitiveKeys are attribute keys whose values are dropped entirely.
var sensitiveKeys = []string{
	"authorization", "proxy-authorization", "proxy_authorization",
	"cookie", "set-cookie", "set_cookie",
	"password", "secret", "token", "api_key", "apikey",
	"private_key",
}

// NewRedactor creates a Redactor with the built-in patterns.
func NewRedactor() *Redactor {
	return &Redactor{patterns: defaultPatterns}
}

// RedactString masks credentials embedded in value.
func (r *Redactor) RedactString(value string) string {
	if r == nil || value == "" {
		return value
	}
	for _, p := range r.patterns {
		value = p.regex.ReplaceAllString(value, p.replacement)
	}
	return value
}

// RedactAttr returns a with sensitive values masked. Groups are handled
// recursively.
func (r *Redactor) RedactAttr(a slog.Attr) slog.Attr {
	if r == nil {
		return a
	}
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, "***")
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, r.RedactString(v.String()))
	case slog.KindGroup:
		group := v.Group()
		redacted := make([]slog.Attr, len(group))
		for i, ga := range group {
			redacted[i] = r.RedactAttr(ga)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(redacted...)}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if lower == s || strings.HasSuffix(lower, "_"+s) || strings.HasSuffix(lower, "."+s) {
			return true
		}
	}
	return false
}

// RedactPath masks sensitive query parameters in a request target.
func RedactPath(path string) string {
	if !strings.ContainsAny(path, "?;") {
		return path
	}
	return defaultPatterns[0].regex.ReplaceAllString(path, defaultPatterns[0].replacement)
}
