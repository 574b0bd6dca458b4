// Package manifest builds content-addressed snapshots of package directories.
//
// Index walks a directory, digests every regular file, and returns an
// immutable Package. Hashing runs on a bounded worker pool; workers share
// no mutable state and each fills exactly one slot of the result.
package manifest

import (
	"context"
	_ "crypto/sha256" // registers SHA-256 for go-digest
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	goruntime "runtime"
	"sort"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/pkgsync/log"
	"github.com/pithecene-io/pkgsync/metrics"
	"github.com/pithecene-io/pkgsync/types"
)

// FileRecord is the digest and size of one package file.
type FileRecord struct {
	// ContentHash is the hex-encoded SHA-256 of the file contents.
	ContentHash string `json:"hash"`
	// Size is the file length in bytes.
	Size int64 `json:"size"`
}

// Package is an indexed snapshot of a directory.
// It is read-only once returned by Index and safe for concurrent readers.
type Package struct {
	root  string
	files map[string]FileRecord
}

// Options configures Index.
type Options struct {
	// Workers bounds concurrent hashing. Zero means runtime.NumCPU().
	Workers int
	// Logger receives debug output. Nil disables logging.
	Logger *log.Logger
	// Collector records indexing counters. May be nil.
	Collector *metrics.Collector
}

// DirectoryNotFoundError is returned when the package path is not a directory.
type DirectoryNotFoundError struct {
	Path string
}

func (e *DirectoryNotFoundError) Error() string {
	return fmt.Sprintf("%s is not a directory", e.Path)
}

// Is classifies the error as user-facing.
func (e *DirectoryNotFoundError) Is(target error) bool {
	return target == types.ErrClean
}

// FileVanishedError is returned when a file seen during the walk is gone
// by the time it is read.
type FileVanishedError struct {
	// Name is the package-relative path.
	Name string
	Err  error
}

func (e *FileVanishedError) Error() string {
	return fmt.Sprintf("file %s disappeared while indexing: %v", e.Name, e.Err)
}

// Unwrap returns the underlying filesystem error.
func (e *FileVanishedError) Unwrap() error {
	return e.Err
}

// UnknownFileError is returned when a name is not part of the package.
type UnknownFileError struct {
	Name string
}

func (e *UnknownFileError) Error() string {
	return fmt.Sprintf("file %s is not in the loaded package", e.Name)
}

// Index walks root and digests every regular file beneath it.
// No partial package is ever returned: any filesystem failure aborts.
func Index(ctx context.Context, root string, opts Options) (*Package, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, &DirectoryNotFoundError{Path: root}
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve package root: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}

	names, err := walk(abs)
	if err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = goruntime.NumCPU()
	}

	records := make([]FileRecord, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := hashFile(abs, name)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	files := make(map[string]FileRecord, len(names))
	var total int64
	for i, name := range names {
		files[name] = records[i]
		total += records[i].Size
	}

	opts.Collector.AddPackageLoaded(len(files), total)
	logger.Debug("package indexed", map[string]any{
		"root":    abs,
		"files":   len(files),
		"bytes":   total,
		"workers": workers,
	})

	return &Package{root: abs, files: files}, nil
}

// walk returns the slash-separated relative names of every regular file
// under root. Symlinks are not followed into directories; a symlink that
// resolves to a regular file is included.
func walk(root string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries removed mid-walk are simply absent from the snapshot.
			if errors.Is(err, fs.ErrNotExist) && path != root {
				return nil
			}
			return fmt.Errorf("walk %s: %w", path, err)
		}
		if d.IsDir() {
			return nil
		}

		regular := d.Type().IsRegular()
		if d.Type()&fs.ModeSymlink != 0 {
			target, statErr := os.Stat(path)
			regular = statErr == nil && target.Mode().IsRegular()
		}
		if !regular {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func hashFile(root, name string) (FileRecord, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(name)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return FileRecord{}, &FileVanishedError{Name: name, Err: err}
		}
		return FileRecord{}, fmt.Errorf("read %s: %w", name, err)
	}
	return FileRecord{
		ContentHash: Digest(data),
		Size:        int64(len(data)),
	}, nil
}

// Digest returns the hex-encoded SHA-256 of data.
func Digest(data []byte) string {
	return digest.SHA256.FromBytes(data).Encoded()
}

// Root returns the absolute package root.
func (p *Package) Root() string {
	return p.root
}

// Len returns the number of files in the package.
func (p *Package) Len() int {
	return len(p.files)
}

// Names returns the sorted package-relative file names.
func (p *Package) Names() []string {
	names := make([]string, 0, len(p.files))
	for name := range p.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the record for name.
func (p *Package) Lookup(name string) (FileRecord, bool) {
	rec, ok := p.files[name]
	return rec, ok
}

// Files returns a copy of the file mapping, ready for JSON encoding.
func (p *Package) Files() map[string]FileRecord {
	out := make(map[string]FileRecord, len(p.files))
	for k, v := range p.files {
		out[k] = v
	}
	return out
}

// TotalSize returns the sum of all file sizes.
func (p *Package) TotalSize() int64 {
	var total int64
	for _, rec := range p.files {
		total += rec.Size
	}
	return total
}

// Path resolves a package file name to its absolute path.
// Only names present in the manifest are accepted.
func (p *Package) Path(name string) (string, error) {
	if _, ok := p.files[name]; !ok {
		return "", &UnknownFileError{Name: name}
	}
	return filepath.Join(p.root, filepath.FromSlash(name)), nil
}

// ReadFile reads a file relative to the package root. Unlike Path, the
// file need not be in the manifest, but it must stay inside the root.
func (p *Package) ReadFile(name string) ([]byte, error) {
	local := filepath.FromSlash(name)
	if !filepath.IsLocal(local) {
		return nil, fmt.Errorf("package file %q escapes the package root", name)
	}
	data, err := os.ReadFile(filepath.Join(p.root, local))
	if err != nil {
		return nil, fmt.Errorf("read package file %s: %w", name, err)
	}
	return data, nil
}
