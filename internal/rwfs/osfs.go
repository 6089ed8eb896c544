package rwfs

import (
	"io/fs"
	"os"
	"path/filepath"
)

// OSFS is an RWFS rooted at a directory on the local filesystem, the
// concrete backing ocilayout.Store uses through the package's
// interface-level helpers (MkdirAll, ReadFile, WriteFile).
type OSFS struct {
	root string
}

// NewOSFS roots an OSFS at dir, creating it if it does not exist.
func NewOSFS(dir string) (*OSFS, error) {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, err
	}
	return &OSFS{root: dir}, nil
}

func (o *OSFS) path(name string) string {
	return filepath.Join(o.root, filepath.FromSlash(name))
}

// Open implements fs.FS.
func (o *OSFS) Open(name string) (fs.File, error) {
	return os.Open(o.path(name))
}

// Create implements WriteFS.
func (o *OSFS) Create(name string) (WFile, error) {
	return os.Create(o.path(name))
}

// Mkdir implements WriteFS.
func (o *OSFS) Mkdir(name string, perm fs.FileMode) error {
	return os.Mkdir(o.path(name), perm)
}

// OpenFile implements WriteFS.
func (o *OSFS) OpenFile(name string, flag int, perm fs.FileMode) (RWFile, error) {
	return os.OpenFile(o.path(name), flag, perm)
}

// Remove implements WriteFS.
func (o *OSFS) Remove(name string) error {
	return os.Remove(o.path(name))
}
