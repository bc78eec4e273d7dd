package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ErrBlobNotFound is returned when a storage reference has no payload.
var ErrBlobNotFound = errors.New("blob not found")

const tmpDir = ".tmp"

// FileBlobStore stores payloads as files below a root directory.
// References are slash-separated paths relative to the root, sharded by the
// first two characters of a random UUID: "3f/3f2a...c1.wav".
type FileBlobStore struct {
	fs   afero.Fs
	root string
}

// NewFileBlobStore returns a blob store rooted at root on the OS filesystem.
func NewFileBlobStore(root string) (*FileBlobStore, error) {
	return NewBlobStoreFs(afero.NewOsFs(), root)
}

// NewBlobStoreFs returns a blob store on an arbitrary afero filesystem.
func NewBlobStoreFs(fsys afero.Fs, root string) (*FileBlobStore, error) {
	if err := fsys.MkdirAll(filepath.Join(root, tmpDir), 0755); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", root, err)
	}
	return &FileBlobStore{fs: fsys, root: root}, nil
}

// Put implements BlobStore. The payload is written to a temp file and
// renamed into place, so a reference never points at a partial file.
func (s *FileBlobStore) Put(ctx context.Context, ext string, r io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	id := uuid.NewString()
	ref := path.Join(id[:2], id+CleanExt(ext))

	tmp, err := afero.TempFile(s.fs, filepath.Join(s.root, tmpDir), "put-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, ctxReader{ctx: ctx, r: r})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return "", 0, fmt.Errorf("write blob: %w", err)
	}

	dst := s.abs(ref)
	if err := s.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		_ = s.fs.Remove(tmpName)
		return "", 0, fmt.Errorf("create blob dir: %w", err)
	}
	if err := s.fs.Rename(tmpName, dst); err != nil {
		_ = s.fs.Remove(tmpName)
		return "", 0, fmt.Errorf("commit blob: %w", err)
	}
	return ref, n, nil
}

// Open implements BlobStore.
func (s *FileBlobStore) Open(ref string) (io.ReadCloser, error) {
	p, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", ref, err)
	}
	return f, nil
}

// Stat implements BlobStore.
func (s *FileBlobStore) Stat(ref string) (int64, error) {
	p, err := s.resolve(ref)
	if err != nil {
		return 0, err
	}
	fi, err := s.fs.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
	}
	if err != nil {
		return 0, fmt.Errorf("stat blob %s: %w", ref, err)
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", ErrBlobNotFound, ref)
	}
	return fi.Size(), nil
}

// Delete implements BlobStore.
func (s *FileBlobStore) Delete(ref string) error {
	p, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", ref, err)
	}
	return nil
}

// List implements BlobStore.
func (s *FileBlobStore) List() ([]string, error) {
	var refs []string
	err := afero.Walk(s.fs, s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		if info.IsDir() {
			if rel == tmpDir {
				return filepath.SkipDir
			}
			return nil
		}
		refs = append(refs, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	sort.Strings(refs)
	return refs, nil
}

// resolve maps a reference to a path, rejecting anything that escapes root.
func (s *FileBlobStore) resolve(ref string) (string, error) {
	clean := path.Clean("/" + ref)[1:]
	if ref == "" || clean != ref || strings.HasPrefix(ref, tmpDir+"/") {
		return "", fmt.Errorf("%w: invalid reference %q", ErrBlobNotFound, ref)
	}
	return s.abs(ref), nil
}

func (s *FileBlobStore) abs(ref string) string {
	return filepath.Join(s.root, filepath.FromSlash(ref))
}

// CleanExt normalizes a file extension for use in generated names.
// Anything other than a short run of ASCII letters and digits yields "".
func CleanExt(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" || len(ext) > 8 {
		return ""
	}
	for _, c := range ext {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return ""
		}
	}
	return "." + ext
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
