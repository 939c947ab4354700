package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store holds evidence files content-addressed by sha256. Items reference
// files by digest so re-uploads of identical content deduplicate.
type Store interface {
	Put(r io.Reader) (ref string, sha string, size int64, err error)
	Open(ref string) (io.ReadCloser, error)
	Path(ref string) string
}

// Local stores files under <workspace>/.veriflow/files/<aa>/<sha256>.
type Local struct {
	Root string
}

// NewLocal creates the file root under the workspace.
func NewLocal(workspace string) (*Local, error) {
	root := filepath.Join(workspace, ".veriflow", "files")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Local{Root: root}, nil
}

func (s *Local) Put(r io.Reader) (string, string, int64, error) {
	tmp, err := os.CreateTemp(s.Root, "upload-*")
	if err != nil {
		return "", "", 0, err
	}
	defer os.Remove(tmp.Name())
	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", "", 0, err
	}
	sha := hex.EncodeToString(h.Sum(nil))
	ref := filepath.Join(sha[:2], sha)
	dest := filepath.Join(s.Root, ref)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", "", 0, err
	}
	if _, err := os.Stat(dest); err == nil {
		return ref, sha, size, nil
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", "", 0, err
	}
	return ref, sha, size, nil
}

func (s *Local) Open(ref string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.Root, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file %s not found", ref)
		}
		return nil, err
	}
	return f, nil
}

func (s *Local) Path(ref string) string {
	return filepath.Join(s.Root, ref)
}
