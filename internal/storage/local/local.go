// Package local provides the local filesystem storage backend.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hmaj79-hank/hank-sync/internal/storage"
	"github.com/hmaj79-hank/hank-sync/pkg/protocol"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `yaml:"root_path"`
	CreateDirs bool   `yaml:"create_dirs"`

	// Protected files are served to nobody: Create and Open reject them
	// with ErrInvalidPath, and List and Usage skip them. The server's own
	// audit log goes here when it lives below the root.
	Protected []string `yaml:"protected"`
}

// LocalBackend implements storage.Backend using the local filesystem.
type LocalBackend struct {
	rootPath  string // canonical
	protected []string
}

var _ storage.Backend = (*LocalBackend)(nil)

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	// Ensure root exists
	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	root, err := storage.CanonicalRoot(cfg.RootPath)
	if err != nil {
		return nil, err
	}
	protected := make([]string, 0, len(cfg.Protected))
	for _, p := range cfg.Protected {
		real, err := storage.Resolve(p)
		if err != nil {
			return nil, fmt.Errorf("resolve protected path %s: %w", p, err)
		}
		protected = append(protected, real)
	}
	return &LocalBackend{rootPath: root, protected: protected}, nil
}

// Root returns the canonical root directory.
func (b *LocalBackend) Root() string { return b.rootPath }

// Create opens path for writing, creating parent directories first.
// Concurrent creates of the same path race; the last writer wins.
func (b *LocalBackend) Create(_ context.Context, path string) (io.WriteCloser, error) {
	full, err := storage.Confine(b.rootPath, path)
	if err != nil {
		return nil, err
	}
	if full == b.rootPath {
		return nil, fmt.Errorf("%w: cannot write to the root directory", storage.ErrInvalidPath)
	}
	if err := b.checkProtected(full, path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, fmt.Errorf("create dirs for %s: %w", path, err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return f, nil
}

// Open opens a regular file for reading.
func (b *LocalBackend) Open(_ context.Context, path string) (io.ReadCloser, uint64, error) {
	full, err := storage.Confine(b.rootPath, path)
	if err != nil {
		return nil, 0, err
	}
	if err := b.checkProtected(full, path); err != nil {
		return nil, 0, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s does not exist", storage.ErrNotFile, path)
		}
		return nil, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, 0, fmt.Errorf("%w: %s", storage.ErrNotFile, path)
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	return f, uint64(info.Size()), nil
}

// List returns the entries below path in directory iteration order.
func (b *LocalBackend) List(ctx context.Context, path string, recursive, long bool) ([]protocol.FileEntry, error) {
	dir, err := storage.Confine(b.rootPath, path)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return []protocol.FileEntry{}, nil
	}

	if recursive {
		return b.listRecursive(ctx, dir, long)
	}

	f, err := os.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open dir %s: %w", path, err)
	}
	defer f.Close()

	// Readdir(-1) keeps the order the OS returns; os.ReadDir would sort.
	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", path, err)
	}
	guard := b.protectedFiles()
	entries := make([]protocol.FileEntry, 0, len(infos))
	for _, info := range infos {
		if guard.match(info) {
			continue
		}
		entries = append(entries, toEntry(info.Name(), info, long))
	}
	return entries, nil
}

func (b *LocalBackend) listRecursive(ctx context.Context, dir string, long bool) ([]protocol.FileEntry, error) {
	guard := b.protectedFiles()
	entries := []protocol.FileEntry{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip what we can't read
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil
		}
		name := filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			entries = append(entries, protocol.FileEntry{Name: name, IsDir: d.IsDir()})
			return nil
		}
		if guard.match(info) {
			return nil
		}
		entries = append(entries, toEntry(name, info, long))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Usage sums the size and count of regular files below the root.
func (b *LocalBackend) Usage(ctx context.Context) (uint64, uint64, error) {
	guard := b.protectedFiles()
	var total, count uint64
	err := filepath.WalkDir(b.rootPath, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil || guard.match(info) {
			return nil
		}
		total += uint64(info.Size())
		count++
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return total, count, nil
}

// fileSet holds the protected files that currently exist.
type fileSet []os.FileInfo

func (set fileSet) match(info os.FileInfo) bool {
	for _, p := range set {
		if os.SameFile(p, info) {
			return true
		}
	}
	return false
}

func (b *LocalBackend) protectedFiles() fileSet {
	var set fileSet
	for _, p := range b.protected {
		if info, err := os.Stat(p); err == nil {
			set = append(set, info)
		}
	}
	return set
}

// checkProtected rejects full when it names a protected file by path,
// through a link, or as another hard link to it.
func (b *LocalBackend) checkProtected(full, path string) error {
	if len(b.protected) == 0 {
		return nil
	}
	real, err := storage.Resolve(full)
	if err != nil {
		real = full
	}
	for _, p := range b.protected {
		if p == real {
			return fmt.Errorf("%w: %s is reserved", storage.ErrInvalidPath, path)
		}
	}
	if info, err := os.Stat(full); err == nil && b.protectedFiles().match(info) {
		return fmt.Errorf("%w: %s is reserved", storage.ErrInvalidPath, path)
	}
	return nil
}

func toEntry(name string, info fs.FileInfo, long bool) protocol.FileEntry {
	e := protocol.FileEntry{
		Name:  name,
		IsDir: info.IsDir(),
		Size:  uint64(info.Size()),
	}
	if long {
		if mod := info.ModTime().Unix(); mod >= 0 {
			m := uint64(mod)
			e.Modified = &m
		}
	}
	return e
}
