// Package objstore abstracts the bucket that holds generated artifacts. Paths
// are deterministic per code, so regenerating an artifact overwrites the
// previous object instead of leaking copies.
package objstore

import (
	"context"
	"strings"

	"checkpoint/internal/domain"
)

// Store writes artifact bytes and returns the stored file's location.
type Store interface {
	Put(ctx context.Context, path, contentType string, data []byte) (domain.ArtifactFile, error)
}

// CodePath returns the object path for one artifact of a code, for example
// qr_codes/comp-1/open/imports/qrABC/qr.png.
func CodePath(code domain.Code, filename string) string {
	category := "addons"
	if code.Type == domain.CodeTypeRegistration && code.Registration != nil {
		category = sanitizeSegment(code.Registration.Category.Name)
	}
	provider := sanitizeSegment(code.Provider)
	return strings.Join([]string{"qr_codes", code.Competition.ID, category, provider, code.ID, filename}, "/")
}

func sanitizeSegment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-' || r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
