package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"strings"

	perrors "github.com/NamanBalaji/piecework/internal/errors"
)

// Algorithm names a digest function using metalink hash type names.
type Algorithm string

const (
	SHA1   Algorithm = "sha-1"
	SHA256 Algorithm = "sha-256"
	MD5    Algorithm = "md5"
)

// ParseAlgorithm accepts the metalink name or the bare form ("sha1").
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sha-1", "sha1":
		return SHA1, nil
	case "sha-256", "sha256":
		return SHA256, nil
	case "md5":
		return MD5, nil
	default:
		return "", fmt.Errorf("%w: %q", perrors.ErrUnknownHashAlgorithm, s)
	}
}

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case MD5:
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", perrors.ErrUnknownHashAlgorithm, string(a))
	}
}

// Size returns the digest length in bytes.
func (a Algorithm) Size() int {
	switch a {
	case SHA1:
		return sha1.Size
	case SHA256:
		return sha256.Size
	case MD5:
		return md5.Size
	default:
		return 0
	}
}
