package filestore

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"spacesync/pkg/domain"
)

// KeyKind classifies a file address.
type KeyKind int

const (
	KeyInvalid KeyKind = iota
	KeyHash
	KeyUUID
)

func (k KeyKind) String() string {
	switch k {
	case KeyHash:
		return "sha256"
	case KeyUUID:
		return "uuid"
	default:
		return "invalid"
	}
}

const (
	layoutVersion = "space-v1"
	staticDir     = "files/static/sha256"
	varDir        = "files/var/uuid"
)

// Classify reports whether key is a SHA-256 hex digest, a UUID (hyphens
// optional) or neither. The two shapes cannot overlap: a digest is 64 hex
// characters, a UUID 32.
func Classify(key string) KeyKind {
	if isHash(key) {
		return KeyHash
	}
	if _, err := NormalizeUUID(key); err == nil {
		return KeyUUID
	}
	return KeyInvalid
}

func isHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	return isLowerHex(s)
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// NormalizeUUID strips hyphens and lowercases id, returning the 32 hex
// characters used in storage paths.
func NormalizeUUID(id string) (string, error) {
	compact := strings.ToLower(strings.ReplaceAll(id, "-", ""))
	if len(compact) != 32 || !isLowerHex(compact) {
		return "", fmt.Errorf("%w: %q is not a uuid", domain.ErrInvalidAddress, id)
	}
	if _, err := uuid.Parse(compact); err != nil {
		return "", fmt.Errorf("%w: %q: %v", domain.ErrInvalidAddress, id, err)
	}
	return compact, nil
}

func validateHash(hash string) error {
	if !isHash(hash) {
		return fmt.Errorf("%w: %q is not a sha256 hex digest", domain.ErrInvalidAddress, hash)
	}
	return nil
}

func (s *Store) staticKey(hash string) (string, error) {
	if err := validateHash(hash); err != nil {
		return "", err
	}
	return path.Join(s.root, layoutVersion, staticDir, hash[:2], hash[2:]), nil
}

func (s *Store) varKey(id string) (string, error) {
	if isHash(id) {
		return "", fmt.Errorf("%w: %q is a content hash; mutable entries need a uuid", domain.ErrInvalidAddress, id)
	}
	norm, err := NormalizeUUID(id)
	if err != nil {
		return "", err
	}
	return path.Join(s.root, layoutVersion, varDir, norm[:2], norm[2:]), nil
}
