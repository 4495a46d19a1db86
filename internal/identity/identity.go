// Package identity derives the deterministic identifiers that make the whole
// pipeline idempotent: re-importing the same source row always targets the
// same documents, so no separate dedup index is needed.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"

	"checkpoint/pkg/sentinel"
)

// digestLen is the number of HMAC bytes encoded into the id body. 20 bytes
// (160 bits) keeps the id short enough for a scannable code while making
// collisions negligible.
const digestLen = 20

// Hasher derives code identifiers from stable business keys. The secret keys
// the HMAC so ids are deterministic but not guessable from the key parts.
type Hasher struct {
	secret []byte
}

func NewHasher(secret string) (*Hasher, error) {
	if secret == "" {
		return nil, fmt.Errorf("identity secret: %w", sentinel.ErrInvalidInput)
	}
	return &Hasher{secret: []byte(secret)}, nil
}

// DeriveID returns prefix + base58(HMAC-SHA256(parts joined by "-")[:20]) +
// one base58 checksum character taken from the same digest. Same inputs
// always yield the same output, across processes and time.
func (h *Hasher) DeriveID(prefix string, parts ...string) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("derive id: no key parts: %w", sentinel.ErrInvalidInput)
	}
	for i, p := range parts {
		if p == "" {
			return "", fmt.Errorf("derive id: empty key part %d: %w", i, sentinel.ErrInvalidInput)
		}
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(strings.Join(parts, "-")))
	sum := mac.Sum(nil)

	body := base58.Encode(sum[:digestLen])
	check := alphabet[int(sum[digestLen])%len(alphabet)]
	return prefix + body + string(check), nil
}

// alphabet is the bitcoin base58 alphabet, used for the checksum character so
// the whole id stays within one character set.
const alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// HeatID builds the heat document id from its schedule. Characters outside
// [A-Za-z0-9-] are dropped from each part, so "2025-01-10" + "09:00" becomes
// "2025-01-10-0900".
func HeatID(day, timeOfDay string) string {
	return sanitize(day) + "-" + sanitize(timeOfDay)
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}
