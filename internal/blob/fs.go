package blob

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/keithlinneman/linnemanlabs-registry/internal/xerrors"
)

// FSStore keeps blobs under a root directory, one subdirectory per
// package name containing one subdirectory per version containing a
// single archive file. All side effects are confined to the root.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed and returns a store
// over it.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, xerrors.New("blob root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrapf(err, "create blob root %s", root)
	}
	return &FSStore{root: root}, nil
}

// Root returns the configured storage root.
func (s *FSStore) Root() string { return s.root }

// Ping reports whether the storage root is still a readable directory,
// for readiness checks.
func (s *FSStore) Ping(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return xerrors.Wrapf(err, "blob root %s", s.root)
	}
	if !info.IsDir() {
		return xerrors.Newf("blob root %s is not a directory", s.root)
	}
	return nil
}

func (s *FSStore) path(name, version string) string {
	return filepath.Join(s.root, name, version, ArchiveFilename(name, version))
}

// Store writes the content to a temp file in the version directory and
// hard-links it into place. The link both publishes the fully written
// file atomically and fails with ErrExists if the key already holds a
// blob, so a racing or duplicate publish can never clobber stored
// content.
func (s *FSStore) Store(ctx context.Context, name, version string, r io.Reader) (int64, error) {
	final := s.path(name, version)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, xerrors.Wrapf(err, "create blob dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return 0, xerrors.Wrap(err, "create temp blob file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	written, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return written, xerrors.Wrap(err, "write blob")
	}

	if err := os.Link(tmpPath, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return written, ErrExists
		}
		return written, xerrors.Wrap(err, "finalize blob")
	}
	return written, nil
}

func (s *FSStore) Open(ctx context.Context, name, version string) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.path(name, version))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, ErrNotExist
		}
		return nil, 0, xerrors.Wrap(err, "open blob")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, xerrors.Wrap(err, "stat blob")
	}
	return f, info.Size(), nil
}

func (s *FSStore) Remove(ctx context.Context, name, version string) (bool, error) {
	p := s.path(name, version)
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, xerrors.Wrap(err, "remove blob")
	}
	// prune now-empty version and name directories; best effort
	os.Remove(filepath.Dir(p))
	os.Remove(filepath.Dir(filepath.Dir(p)))
	return true, nil
}

func (s *FSStore) Exists(ctx context.Context, name, version string) (bool, error) {
	_, err := os.Stat(s.path(name, version))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, xerrors.Wrap(err, "stat blob")
}

// Walk visits every stored (name, version) pair, for reconciliation.
func (s *FSStore) Walk(ctx context.Context, fn func(name, version string) error) error {
	names, err := os.ReadDir(s.root)
	if err != nil {
		return xerrors.Wrap(err, "read blob root")
	}
	for _, n := range names {
		if !n.IsDir() {
			continue
		}
		versions, err := os.ReadDir(filepath.Join(s.root, n.Name()))
		if err != nil {
			return xerrors.Wrapf(err, "read blob dir %s", n.Name())
		}
		for _, v := range versions {
			if !v.IsDir() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := fn(n.Name(), v.Name()); err != nil {
				return err
			}
		}
	}
	return nil
}

