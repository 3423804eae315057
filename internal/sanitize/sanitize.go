// Package sanitize strips secrets and PII from telemetry values before
// anything is persisted, logged, or transmitted. Sanitization is one-way:
// once a value has passed through here, the original secret substrings are
// unrecoverable.
package sanitize

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// maxDepth bounds recursion into nested structures independent of
	// cycle detection.
	maxDepth = 10

	truncatedMarker = "[TRUNCATED]"
	circularMarker  = "[CIRCULAR]"
	depthMarker     = "[MAX_DEPTH]"
	maskRune        = '*'
)

// Options control redaction behavior. The zero value is not useful; start
// from DefaultOptions.
type Options struct {
	// Placeholder replaces matched secret spans. Defaults to [REDACTED].
	Placeholder string
	// MaxLength caps string sizes. Longer strings are truncated with a
	// marker, or fully masked when PreserveLength is set.
	MaxLength int
	// PreserveLength masks oversized strings character-by-character
	// instead of truncating, for audit logs needing consistent widths.
	PreserveLength bool
	// RedactEmails enables email redaction (off by default).
	RedactEmails bool
	// RedactIPs enables IPv4 redaction (off by default).
	RedactIPs bool
}

// DefaultOptions returns the standard redaction configuration.
func DefaultOptions() Options {
	return Options{
		Placeholder: "[REDACTED]",
		MaxLength:   10000,
	}
}

// secretPatterns match known secret shapes; the whole match is replaced.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{10,}`),             // Anthropic API keys (before generic sk-)
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}`),                 // OpenAI-style API keys
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),                    // AWS access key IDs
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}`),            // GitHub tokens
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}`),          // Slack tokens
	regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}`),                 // Google API keys
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{8,}`),   // bearer tokens
	regexp.MustCompile(`-----BEGIN[ A-Z]*PRIVATE KEY-----[\s\S]*?-----END[ A-Z]*PRIVATE KEY-----`),
	regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.-]*://[^/\s:@]+:[^@\s]+@`), // scheme://user:pass@
}

// assignPatterns match key=value style secret assignments; the key is kept
// and only the value span is replaced.
var assignPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|token|api[_-]?key|access[_-]?key|private[_-]?key|credential)s?\s*[=:]\s*["']?([^"'\s&;,}]+)`),
}

var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	ipv4Pattern  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// sensitiveFieldNames redact object fields by name regardless of the value
// shape. Matching is case-insensitive on the lowercased field name.
var sensitiveFieldNames = []string{
	"password", "passwd", "pwd", "secret", "token", "apikey", "api_key",
	"key", "auth", "authorization", "credential", "credentials",
	"privatekey", "private_key", "accesskey", "access_key", "sessiontoken",
}

// String redacts secret patterns in s and bounds its size.
func String(s string, opts Options) string {
	if opts.Placeholder == "" {
		opts.Placeholder = "[REDACTED]"
	}

	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, opts.Placeholder)
	}
	for _, re := range assignPatterns {
		s = re.ReplaceAllString(s, "${1}="+opts.Placeholder)
	}
	if opts.RedactEmails {
		s = emailPattern.ReplaceAllString(s, opts.Placeholder)
	}
	if opts.RedactIPs {
		s = ipv4Pattern.ReplaceAllString(s, opts.Placeholder)
	}

	if opts.MaxLength > 0 && len(s) > opts.MaxLength {
		if opts.PreserveLength {
			return strings.Repeat(string(maskRune), len(s))
		}
		// Back off to a rune boundary so the cut never leaves an invalid
		// UTF-8 tail.
		cut := opts.MaxLength
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut] + truncatedMarker
	}
	return s
}

// IsSensitiveField reports whether a field name should be redacted outright.
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveFieldNames {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Value sanitizes an arbitrary nested structure: strings are redacted,
// sensitive field names are masked wholesale, containers are walked with a
// depth bound and a visited set keyed by reference identity so cyclic
// structures terminate with a marker instead of recursing forever.
func Value(v any, opts Options) any {
	w := &walker{opts: opts, visited: make(map[uintptr]bool)}
	return w.walk(v, 0)
}

// LogData is the only sanitization entry point allowed to fail internally.
// If sanitizing panics (e.g. a hostile Stringer), the failure is swallowed
// and a fixed-shape fallback returned: telemetry must never be lost because
// sanitization broke.
func LogData(v any, opts Options) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = map[string]any{
				"_sanitization_error": true,
				"_original_type":      fmt.Sprintf("%T", v),
			}
		}
	}()
	return Value(v, opts)
}

type walker struct {
	opts    Options
	visited map[uintptr]bool
}

func (w *walker) walk(v any, depth int) any {
	if v == nil {
		return nil
	}
	if depth > maxDepth {
		return depthMarker
	}

	switch t := v.(type) {
	case string:
		return String(t, w.opts)
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return t
	case time.Time:
		return t
	case error:
		// Error-like values keep their type name, get a sanitized
		// message, and drop everything else.
		return map[string]any{
			"name":    fmt.Sprintf("%T", t),
			"message": String(t.Error(), w.opts),
		}
	case map[string]any:
		return w.walkMap(t, depth)
	case []any:
		return w.walkSlice(t, depth)
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if IsSensitiveField(k) {
				out[k] = w.opts.placeholder()
				continue
			}
			out[k] = String(val, w.opts)
		}
		return out
	}

	return w.walkReflect(reflect.ValueOf(v), depth)
}

func (w *walker) walkMap(m map[string]any, depth int) any {
	ptr := reflect.ValueOf(m).Pointer()
	if w.visited[ptr] {
		return circularMarker
	}
	w.visited[ptr] = true
	defer delete(w.visited, ptr)

	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveField(k) {
			out[k] = w.opts.placeholder()
			continue
		}
		out[k] = w.walk(v, depth+1)
	}
	return out
}

func (w *walker) walkSlice(s []any, depth int) any {
	if len(s) > 0 {
		ptr := reflect.ValueOf(s).Pointer()
		if w.visited[ptr] {
			return circularMarker
		}
		w.visited[ptr] = true
		defer delete(w.visited, ptr)
	}

	out := make([]any, len(s))
	for i, v := range s {
		out[i] = w.walk(v, depth+1)
	}
	return out
}

// walkReflect handles value shapes outside the fast paths: pointers,
// structs, generic maps and slices, funcs and channels.
func (w *walker) walkReflect(rv reflect.Value, depth int) any {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Pointer {
			ptr := rv.Pointer()
			if w.visited[ptr] {
				return circularMarker
			}
			w.visited[ptr] = true
			defer delete(w.visited, ptr)
		}
		return w.walk(rv.Elem().Interface(), depth+1)

	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if w.visited[ptr] {
			return circularMarker
		}
		w.visited[ptr] = true
		defer delete(w.visited, ptr)

		out := make(map[string]any, rv.Len())
		for _, k := range rv.MapKeys() {
			name := fmt.Sprint(k.Interface())
			if IsSensitiveField(name) {
				out[name] = w.opts.placeholder()
				continue
			}
			out[name] = w.walk(rv.MapIndex(k).Interface(), depth+1)
		}
		return out

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = w.walk(rv.Index(i).Interface(), depth+1)
		}
		return out

	case reflect.Struct:
		rt := rv.Type()
		out := make(map[string]any, rt.NumField())
		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if !f.IsExported() {
				continue
			}
			if IsSensitiveField(f.Name) {
				out[f.Name] = w.opts.placeholder()
				continue
			}
			out[f.Name] = w.walk(rv.Field(i).Interface(), depth+1)
		}
		return out

	case reflect.Func:
		return fmt.Sprintf("[function %s]", rv.Type())
	case reflect.Chan:
		return fmt.Sprintf("[channel %s]", rv.Type())
	default:
		return String(fmt.Sprint(rv.Interface()), w.opts)
	}
}

func (o Options) placeholder() string {
	if o.Placeholder == "" {
		return "[REDACTED]"
	}
	return o.Placeholder
}
