package cryptostore

import (
	"os"
	"strings"

	"github.com/cookiemonster/cookiemonster/internal/errs"
)

// maxKeyFileSize bounds the key file read so a misconfigured path (e.g.
// pointing at a large unrelated file) cannot exhaust memory.
const maxKeyFileSize = 4096

// KeySource names where to resolve an encryption key from, in the
// precedence order defined by spec.md §4.B: inline value, then env var
// name, then key file path.
type KeySource struct {
	// Inline is a literal base64url-encoded key, used as-is if non-empty.
	Inline string
	// EnvVar names an environment variable holding the base64url key.
	EnvVar string
	// KeyFile is a path to a file containing the base64url key.
	KeyFile string
}

// Empty reports whether no source was configured at all.
func (s KeySource) Empty() bool {
	return s.Inline == "" && s.EnvVar == "" && s.KeyFile == ""
}

// Resolve resolves s to raw key bytes, trying each configured source in
// precedence order and returning the first one that yields a value.
func Resolve(s KeySource) ([]byte, error) {
	if s.Inline != "" {
		return DecodeKey(s.Inline)
	}
	if s.EnvVar != "" {
		if v := os.Getenv(s.EnvVar); v != "" {
			return DecodeKey(v)
		}
	}
	if s.KeyFile != "" {
		return resolveKeyFile(s.KeyFile)
	}
	return nil, errs.New(errs.EncryptedStoreRequiresKey, "cryptostore: no key source configured")
}

func resolveKeyFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, err, "cryptostore: stat key file %q", path)
	}
	if !info.Mode().IsRegular() {
		return nil, errs.New(errs.ConfigInvalid, "cryptostore: key file %q is not a regular file", path)
	}
	if info.Size() > maxKeyFileSize {
		return nil, errs.New(errs.ConfigInvalid, "cryptostore: key file %q exceeds %d bytes", path, maxKeyFileSize)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path, size-bounded above
	if err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, err, "cryptostore: read key file %q", path)
	}
	return DecodeKey(strings.TrimSpace(string(data)))
}
