// Package snapshotstore persists, loads, enumerates, and deletes snapshots
// under a directory tree rooted at a caller-chosen storage root.
package snapshotstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/webmock-go/webmock/pkg/record"
)

// ErrSnapshotNotFound is returned by Load/LoadMetadata/Delete when the named
// snapshot does not exist.
var ErrSnapshotNotFound = errors.New("snapshotstore: snapshot not found")

// ErrInvalidName is returned when a snapshot name fails validation.
var ErrInvalidName = errors.New("snapshotstore: invalid snapshot name")

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// ValidateName enforces spec.md §3: non-empty, ≤100 chars, no path
// separators, no whitespace, alphanumerics plus '-'/'_'.
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Store persists snapshots as "{root}/snapshots/{name}.bin".
type Store struct {
	root   string
	logger zerolog.Logger
}

// New returns a Store rooted at root. root is created lazily on first Save.
func New(root string) *Store {
	return &Store{
		root:   root,
		logger: log.With().Str("component", "snapshotstore").Logger(),
	}
}

func (s *Store) snapshotsDir() string {
	return filepath.Join(s.root, "snapshots")
}

func (s *Store) path(name string) string {
	return filepath.Join(s.snapshotsDir(), name+".bin")
}

// Save persists snap, creating the snapshots directory as needed and
// overwriting any existing file for the same name. The file is written to a
// temp path and renamed into place so readers never observe a partial file.
func (s *Store) Save(snap record.Snapshot) error {
	if err := ValidateName(snap.Name); err != nil {
		return err
	}
	if err := os.MkdirAll(s.snapshotsDir(), 0o755); err != nil {
		return fmt.Errorf("snapshotstore: create snapshots dir: %w", err)
	}

	dst := s.path(snap.Name)
	tmp := dst + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("snapshotstore: create temp file: %w", err)
	}

	estimated := record.EstimateSize(snap)
	var encErr error
	if estimated > record.StreamThreshold {
		encErr = record.EncodeStreaming(snap, f)
	} else {
		var data []byte
		data, encErr = record.Encode(snap)
		if encErr == nil {
			_, encErr = f.Write(data)
		}
	}

	if closeErr := f.Close(); encErr == nil {
		encErr = closeErr
	}
	if encErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshotstore: encode snapshot %q: %w", snap.Name, encErr)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshotstore: finalize snapshot %q: %w", snap.Name, err)
	}
	return nil
}

// Load reads and decodes the named snapshot.
func (s *Store) Load(name string) (record.Snapshot, error) {
	if err := ValidateName(name); err != nil {
		return record.Snapshot{}, err
	}

	path := s.path(name)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return record.Snapshot{}, fmt.Errorf("%w: %q", ErrSnapshotNotFound, name)
		}
		return record.Snapshot{}, fmt.Errorf("snapshotstore: stat %q: %w", name, err)
	}

	if info.Size() > record.StreamThreshold {
		f, err := os.Open(path)
		if err != nil {
			return record.Snapshot{}, fmt.Errorf("snapshotstore: open %q: %w", name, err)
		}
		defer f.Close()
		snap, err := record.DecodeStreaming(f)
		if err != nil {
			return record.Snapshot{}, fmt.Errorf("snapshotstore: decode %q: %w", name, err)
		}
		return snap, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return record.Snapshot{}, fmt.Errorf("snapshotstore: read %q: %w", name, err)
	}
	snap, err := record.Decode(data)
	if err != nil {
		return record.Snapshot{}, fmt.Errorf("snapshotstore: decode %q: %w", name, err)
	}
	return snap, nil
}

// LoadMetadata reads only the envelope header, for listing.
func (s *Store) LoadMetadata(name string) (record.Metadata, error) {
	if err := ValidateName(name); err != nil {
		return record.Metadata{}, err
	}
	path := s.path(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return record.Metadata{}, fmt.Errorf("%w: %q", ErrSnapshotNotFound, name)
		}
		return record.Metadata{}, fmt.Errorf("snapshotstore: read %q: %w", name, err)
	}
	meta, err := record.DecodeMetadata(data)
	if err != nil {
		return record.Metadata{}, fmt.Errorf("snapshotstore: decode metadata %q: %w", name, err)
	}
	return meta, nil
}

// List enumerates every *.bin file under the snapshots directory, decodes
// its metadata, and returns the results sorted by CreatedAt descending.
// Files that fail to decode are skipped and logged; the overall listing
// does not fail.
func (s *Store) List() ([]record.Metadata, error) {
	entries, err := os.ReadDir(s.snapshotsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshotstore: read snapshots dir: %w", err)
	}

	var metas []record.Metadata
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".bin" {
			continue
		}
		name := entry.Name()[:len(entry.Name())-len(".bin")]

		meta, err := s.LoadMetadata(name)
		if err != nil {
			s.logger.Warn().Err(err).Str("name", name).Msg("skipping unreadable snapshot")
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

// Delete removes the named snapshot's file.
func (s *Store) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := os.Remove(s.path(name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %q", ErrSnapshotNotFound, name)
		}
		return fmt.Errorf("snapshotstore: delete %q: %w", name, err)
	}
	return nil
}

// Exists reports whether a snapshot file exists for name.
func (s *Store) Exists(name string) bool {
	if err := ValidateName(name); err != nil {
		return false
	}
	_, err := os.Stat(s.path(name))
	return err == nil
}
