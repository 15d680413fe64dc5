package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const metaSuffix = ".meta.json"

// LocalStorage is a BlobStore backed by a directory tree. Each key maps to a
// file below the root; the content type is kept in a sidecar file.
type LocalStorage struct {
	rootDir string
	bucket  string
}

type localMeta struct {
	ContentType string `json:"content_type"`
}

// NewLocalStorage creates a new filesystem blob store rooted at rootDir
func NewLocalStorage(rootDir, bucket string) (*LocalStorage, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &LocalStorage{
		rootDir: rootDir,
		bucket:  bucket,
	}, nil
}

// Bucket returns the logical bucket name
func (ls *LocalStorage) Bucket() string {
	return ls.bucket
}

// Put writes a blob, creating parent directories as needed
func (ls *LocalStorage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	path, err := ls.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	// write to a temp file first so readers never observe a partial blob
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to stage %s: %w", key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	meta, _ := json.Marshal(localMeta{ContentType: contentType})
	if err := os.WriteFile(path+metaSuffix, meta, 0644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write metadata for %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit %s: %w", key, err)
	}
	return nil
}

// Get reads a blob
func (ls *LocalStorage) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := ls.pathFor(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Stat returns blob metadata
func (ls *LocalStorage) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	path, err := ls.pathFor(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return ls.objectInfo(key, path, info), nil
}

// Delete removes a blob and its metadata
func (ls *LocalStorage) Delete(ctx context.Context, key string) error {
	path, err := ls.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	os.Remove(path + metaSuffix)
	return nil
}

// List returns blobs whose key starts with prefix, sorted by key
func (ls *LocalStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	err := filepath.WalkDir(ls.rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip entries we can't access
		}
		if d.IsDir() || strings.HasSuffix(path, metaSuffix) || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(ls.rootDir, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		objects = append(objects, *ls.objectInfo(key, path, info))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Close is a no-op for the filesystem store
func (ls *LocalStorage) Close() error {
	return nil
}

func (ls *LocalStorage) objectInfo(key, path string, info fs.FileInfo) *ObjectInfo {
	obj := &ObjectInfo{
		Key:          key,
		Size:         info.Size(),
		LastModified: info.ModTime().UTC(),
	}
	if raw, err := os.ReadFile(path + metaSuffix); err == nil {
		var meta localMeta
		if json.Unmarshal(raw, &meta) == nil {
			obj.ContentType = meta.ContentType
		}
	}
	return obj
}

// pathFor maps a key to a path below the root, rejecting keys that escape it
func (ls *LocalStorage) pathFor(key string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if key == "" || clean == string(filepath.Separator) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	if strings.HasSuffix(clean, metaSuffix) {
		return "", fmt.Errorf("invalid key %q: reserved suffix", key)
	}
	return filepath.Join(ls.rootDir, clean), nil
}

var _ BlobStore = (*LocalStorage)(nil)
