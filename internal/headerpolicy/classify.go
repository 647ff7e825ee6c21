package headerpolicy

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Classification is the pure classification of a header name.
type Classification int

const (
	// Safe headers carry no session identity and are kept/displayed as-is.
	Safe Classification = iota
	// Sensitive headers are kept by default but are not identity-bearing
	// on their own (Referer, Origin, User-Agent).
	Sensitive
	// Auth headers carry session identity (cookies, bearer tokens, CSRF
	// tokens) and are redacted for display.
	Auth
)

var authExact = map[string]bool{
	"cookie":              true,
	"authorization":       true,
	"proxy-authorization": true,
	"x-csrf-token":        true,
	"set-cookie":          true,
}

var sensitiveExact = map[string]bool{
	"referer":    true,
	"origin":     true,
	"user-agent": true,
}

// Classify returns the Classification of a header name. Comparison is
// case-insensitive per spec.md §3.
func Classify(name string) Classification {
	lower := strings.ToLower(name)
	if authExact[lower] {
		return Auth
	}
	if strings.HasPrefix(lower, "x-auth-") {
		return Auth
	}
	if sensitiveExact[lower] {
		return Sensitive
	}
	return Safe
}

// IsAuthOrSensitive reports whether a header should be retained when a
// capture is configured with include_all_headers = false (spec.md §4.F
// step 4: "retain only headers classified as auth or sensitive").
func IsAuthOrSensitive(name string) bool {
	c := Classify(name)
	return c == Auth || c == Sensitive
}

// Redact replaces a header value with a stable, deterministic marker: a
// fixed-length hash prefix plus the original value's length, so that two
// redacted captures can still be diffed meaningfully (spec.md §3, §8 law 4)
// without leaking the value. The prefix length is fixed (not proportional
// to input length) specifically so that redact output does not itself leak
// value length through prefix size; the length marker carries that
// information explicitly and unambiguously instead.
func Redact(name, value string) string {
	sum := sha256.Sum256([]byte(name + "\x00" + value))
	prefix := hex.EncodeToString(sum[:])[:12]
	return "redacted:" + prefix + ":len" + strconv.Itoa(len(value))
}
