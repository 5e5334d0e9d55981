// Package credential handles reading and writing stored site credentials.
// Each entity has one file holding an encrypted blob; encryption and
// decryption happen outside this package (the blob is opaque here). The
// scheduling core only needs existence checks (the gate), opaque contents
// for the automator's login step, and removal notifications.
package credential

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/financehub/syncd/internal/entity"
)

// FilePerms restricts credential files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the credential directory.
const DirPerms = 0o700

// credExt is the credential file extension.
const credExt = ".cred"

// ErrNotFound is returned by Get when no credential is stored for a key.
// Non-retryable: an intent hitting this is skipped, never re-armed.
var ErrNotFound = errors.New("credential: not found")

// Store is a file-backed credential store: one opaque encrypted blob per
// entity at <dir>/<type>-<id>.cred. Safe for concurrent use — every
// operation resolves against the filesystem, never a cached view, so a
// removal between scheduling and firing is always observed.
type Store struct {
	dir string
}

// NewStore creates the credential directory if needed and returns a Store.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return nil, fmt.Errorf("credential: creating directory %s: %w", dir, err)
	}

	return &Store{dir: dir}, nil
}

// Dir returns the directory backing the store. Used to point a Watcher at
// the same location.
func (s *Store) Dir() string {
	return s.dir
}

// Has reports whether a credential is stored for the key. This is the
// credential gate: a pure existence read with no side effects, called by
// the planner before scheduling and re-checked by the executor immediately
// before acquiring a session.
func (s *Store) Has(key entity.Key) bool {
	_, err := os.Stat(s.path(key))
	return err == nil
}

// Get reads the stored blob for a key. Returns ErrNotFound if absent.
func (s *Store) Get(key entity.Key) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("credential: %s: %w", key, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("credential: reading %s: %w", key, err)
	}

	return data, nil
}

// Save writes a credential blob atomically (write-to-temp + rename) with
// 0600 permissions. Never logs blob contents.
func (s *Store) Save(key entity.Key, blob []byte) error {
	path := s.path(key)

	tmp, err := os.CreateTemp(s.dir, "."+key.Type.String()+"-*")
	if err != nil {
		return fmt.Errorf("credential: creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("credential: writing %s: %w", key, err)
	}

	if err := tmp.Chmod(FilePerms); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("credential: setting permissions for %s: %w", key, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("credential: closing temp file for %s: %w", key, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("credential: saving %s: %w", key, err)
	}

	return nil
}

// Remove deletes the stored credential for a key. Removing an absent key
// is not an error — the end state is identical.
func (s *Store) Remove(key entity.Key) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("credential: removing %s: %w", key, err)
	}

	return nil
}

// List returns the keys of all stored credentials. Files that don't parse
// as "<type>-<id>.cred" are ignored rather than failing the listing.
func (s *Store) List() ([]entity.Key, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("credential: listing %s: %w", s.dir, err)
	}

	var keys []entity.Key

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		key, ok := parseFileName(e.Name())
		if !ok {
			continue
		}

		keys = append(keys, key)
	}

	return keys, nil
}

// path returns the credential file path for a key.
func (s *Store) path(key entity.Key) string {
	return filepath.Join(s.dir, key.Type.String()+"-"+key.ID+credExt)
}

// parseFileName converts "<type>-<id>.cred" back to a Key.
func parseFileName(name string) (entity.Key, bool) {
	base, ok := strings.CutSuffix(name, credExt)
	if !ok {
		return entity.Key{}, false
	}

	typ, id, ok := strings.Cut(base, "-")
	if !ok || id == "" {
		return entity.Key{}, false
	}

	parsed, err := entity.ParseType(typ)
	if err != nil {
		return entity.Key{}, false
	}

	return entity.NewKey(parsed, id), true
}
