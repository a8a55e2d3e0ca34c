package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/opencontainers/go-digest"

	"github.com/schaermu/fsgate/internal/fingerprint"
)

// State describes what was found at the record path
type State int

const (
	// Absent means no record has been written yet
	Absent State = iota
	// Found means a valid record was read
	Found
	// Unreadable means a record exists but could not be read or parsed
	Unreadable
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Found:
		return "found"
	case Unreadable:
		return "unreadable"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Record is the persisted form of the last built fingerprint
type Record struct {
	Hash string `json:"hash"`
}

// Lookup is the outcome of reading the record
type Lookup struct {
	State       State
	Fingerprint fingerprint.Fingerprint // set when State is Found
	Err         error                   // set when State is Unreadable
}

// Present collapses the lookup to present or absent; Unreadable counts as absent
func (l Lookup) Present() (fingerprint.Fingerprint, bool) {
	if l.State != Found {
		return "", false
	}
	return l.Fingerprint, true
}

// Store reads and writes the fingerprint record
type Store struct {
	fs   billy.Filesystem
	path string
	alg  digest.Algorithm
}

// NewStore creates a store for the record at path inside fsys. Stored hashes
// that are not valid for alg are reported as unreadable.
func NewStore(fsys billy.Filesystem, path string, alg digest.Algorithm) *Store {
	return &Store{
		fs:   fsys,
		path: path,
		alg:  alg,
	}
}

// Path returns the record path inside the store's filesystem
func (s *Store) Path() string {
	return s.path
}

// Lookup reads the record and classifies the result
func (s *Store) Lookup() Lookup {
	data, err := util.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Lookup{State: Absent}
		}
		return Lookup{State: Unreadable, Err: fmt.Errorf("failed to read record: %w", err)}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Lookup{State: Unreadable, Err: fmt.Errorf("failed to parse record: %w", err)}
	}

	if rec.Hash == "" {
		return Lookup{State: Unreadable, Err: fmt.Errorf("record has no hash")}
	}
	if err := s.alg.Validate(rec.Hash); err != nil {
		return Lookup{State: Unreadable, Err: fmt.Errorf("record hash is not a valid %s digest: %w", s.alg, err)}
	}

	return Lookup{State: Found, Fingerprint: fingerprint.Fingerprint(rec.Hash)}
}

// Previous returns the stored fingerprint. An unreadable record is reported
// the same as a missing one so callers always fall back to a rebuild.
func (s *Store) Previous() (fingerprint.Fingerprint, bool) {
	return s.Lookup().Present()
}

// Save writes the record atomically, creating missing parent directories
func (s *Store) Save(fp fingerprint.Fingerprint) error {
	data, err := json.Marshal(Record{Hash: string(fp)})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	tmpFile, err := util.TempFile(s.fs, dir, ".fsgate-tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp record: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to write temp record: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to close temp record: %w", err)
	}

	if err := s.fs.Rename(tmpPath, s.path); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename record: %w", err)
	}

	return nil
}

// Clear removes the record. A missing record is not an error.
func (s *Store) Clear() error {
	if err := s.fs.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove record: %w", err)
	}
	return nil
}
