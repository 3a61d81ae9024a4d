package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const metaDir = ".meta"

// DirStore keeps each object as a file under root, with its ObjectInfo in a
// JSON sidecar under root/.meta.
type DirStore struct {
	root string
}

func NewDirStore(root string) (*DirStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, metaDir), 0o750); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &DirStore{root: abs}, nil
}

func (s *DirStore) paths(p string) (string, string, error) {
	p, err := CleanPath(p)
	if err != nil {
		return "", "", err
	}
	if p == metaDir || strings.HasPrefix(p, metaDir+"/") {
		return "", "", ErrInvalidPath
	}
	rel := filepath.FromSlash(p)
	return filepath.Join(s.root, rel), filepath.Join(s.root, metaDir, rel+".json"), nil
}

func (s *DirStore) Put(_ context.Context, p, contentType string, content io.Reader, upsert bool) (*ObjectInfo, error) {
	dataPath, metaPath, err := s.paths(p)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o750); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(metaPath), 0o750); err != nil {
		return nil, fmt.Errorf("create meta dir: %w", err)
	}

	// write to a temp file first so a failed upload never leaves a partial object
	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(content, MaxObjectSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("write object %s: %w", p, err)
	}
	if n > MaxObjectSize {
		return nil, ErrObjectTooLarge
	}

	if upsert {
		err = os.Rename(tmp.Name(), dataPath)
	} else {
		// link fails with EEXIST when the object is already there
		err = os.Link(tmp.Name(), dataPath)
		if errors.Is(err, fs.ErrExist) {
			return nil, ErrObjectExists
		}
	}
	if err != nil {
		return nil, fmt.Errorf("store object %s: %w", p, err)
	}

	info := ObjectInfo{
		Path:        filepath.ToSlash(p),
		ContentType: defaultContentType(contentType),
		Size:        n,
		SHA256:      hex.EncodeToString(h.Sum(nil)),
		CreatedAt:   time.Now().UTC(),
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(metaPath, meta, 0o640); err != nil {
		return nil, fmt.Errorf("write object metadata: %w", err)
	}
	return &info, nil
}

func (s *DirStore) Open(ctx context.Context, p string) (io.ReadCloser, *ObjectInfo, error) {
	info, err := s.Stat(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	dataPath, _, _ := s.paths(p)
	f, err := os.Open(dataPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open object %s: %w", p, err)
	}
	return f, info, nil
}

func (s *DirStore) Stat(_ context.Context, p string) (*ObjectInfo, error) {
	dataPath, metaPath, err := s.paths(p)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(dataPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat object %s: %w", p, err)
	}

	info := ObjectInfo{Path: p, ContentType: defaultContentType(""), Size: fi.Size(), CreatedAt: fi.ModTime().UTC()}
	if raw, err := os.ReadFile(metaPath); err == nil {
		_ = json.Unmarshal(raw, &info)
	}
	return &info, nil
}

func (s *DirStore) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.Stat(ctx, p)
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *DirStore) Delete(_ context.Context, p string) error {
	dataPath, metaPath, err := s.paths(p)
	if err != nil {
		return err
	}
	if err := os.Remove(dataPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("delete object %s: %w", p, err)
	}
	_ = os.Remove(metaPath)
	return nil
}
