package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a ref does not resolve to a stored object.
var ErrNotFound = errors.New("object not found")

// Store keeps uploaded artifacts on local disk under a base directory.
// Objects are addressed by opaque relative refs like
// "user_3/6f1c2a9b_receipt.jpg".
type Store struct {
	base string
}

// New creates the base directory if needed and returns a Store over it.
func New(base string) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create store base %s: %w", base, err)
	}
	return &Store{base: base}, nil
}

// Put writes data under the owner's directory and returns the new ref. The
// original filename is kept in the ref (sanitized) so operators can recognize
// artifacts on disk; a random prefix makes refs unique.
func (s *Store) Put(data []byte, ownerID uint, name string) (string, error) {
	ref := fmt.Sprintf("user_%d/%s_%s", ownerID, uuid.NewString()[:8], sanitizeName(name))
	full := filepath.Join(s.base, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("mkdir for %s: %w", ref, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", ref, err)
	}
	return ref, nil
}

// Get reads the object addressed by ref. Returns ErrNotFound when the ref is
// invalid or no object exists.
func (s *Store) Get(ref string) ([]byte, error) {
	full, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return data, nil
}

// Delete removes the object and reports whether anything was deleted.
func (s *Store) Delete(ref string) bool {
	full, err := s.resolve(ref)
	if err != nil {
		return false
	}
	return os.Remove(full) == nil
}

// resolve maps a ref to an absolute path, rejecting traversal outside base.
func (s *Store) resolve(ref string) (string, error) {
	ref = filepath.ToSlash(ref)
	if ref == "" || strings.HasPrefix(ref, "/") || strings.Contains(ref, "..") {
		return "", fmt.Errorf("%q: %w", ref, ErrNotFound)
	}
	return filepath.Join(s.base, filepath.FromSlash(ref)), nil
}

func sanitizeName(name string) string {
	name = filepath.Base(filepath.ToSlash(name))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		}
		return '-'
	}, name)
	if name == "" || name == "." {
		name = "file"
	}
	return name
}
