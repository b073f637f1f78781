// Package sha256 names archived markup after the page it came from.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// Hasher implements storage.Hasher. Targets are canonicalized before they
// are digested, so spellings of the same page share one object.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of the canonical form of target.
func (h *Hasher) Hash(target []byte) (string, error) {
	sum := sha256.Sum256([]byte(Canonical(string(target))))
	return hex.EncodeToString(sum[:]), nil
}

// Canonical lowercases the scheme and host, drops the fragment and a lone
// trailing slash. Input that does not parse as an absolute URL is only
// trimmed.
func Canonical(target string) string {
	target = strings.TrimSpace(target)
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return target
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "/" {
		u.Path = ""
		u.RawPath = ""
	}
	return u.String()
}
