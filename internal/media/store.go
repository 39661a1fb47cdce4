// Package media materializes inline-encoded inbound media as local files.
package media

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store writes decoded media bodies under a base directory, one
// subdirectory per tenant.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("media: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// SaveInline decodes a base64 media body and persists it, returning the
// retrieval reference (path relative to the store root).
func (s *Store) SaveInline(tenantID, providerMessageID, mimeType, encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("media: decode inline body for %s: %w", providerMessageID, err)
	}

	rel := filepath.Join(tenantID, sanitize(providerMessageID)+extFor(mimeType))
	full := filepath.Join(s.dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("media: create tenant dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("media: write %s: %w", rel, err)
	}
	return rel, nil
}

// Path resolves a retrieval reference to an absolute file path.
func (s *Store) Path(ref string) string {
	return filepath.Join(s.dir, ref)
}

// extFor maps a MIME type to a file extension, defaulting to .bin.
func extFor(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(mimeType, "image/png"):
		return ".png"
	case strings.HasPrefix(mimeType, "image/gif"):
		return ".gif"
	case strings.HasPrefix(mimeType, "image/webp"):
		return ".webp"
	case strings.HasPrefix(mimeType, "video/mp4"):
		return ".mp4"
	case strings.HasPrefix(mimeType, "audio/ogg"):
		return ".ogg"
	case strings.HasPrefix(mimeType, "audio/mpeg"):
		return ".mp3"
	case strings.HasPrefix(mimeType, "application/pdf"):
		return ".pdf"
	default:
		return ".bin"
	}
}

// sanitize strips path separators from provider ids before they become
// file names.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.':
			return '_'
		}
		return r
	}, id)
}
