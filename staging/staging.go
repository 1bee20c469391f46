// Package staging owns the two filesystem namespaces of the service: the
// private staging area holding request-scoped inputs and the output area
// holding signed packages.
package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// PackageExt is the extension of both the downloaded and the signed package.
const PackageExt = ".ipa"

var ErrInvalidName = errors.New("invalid file name")

// Area is a directory in which every file gets a fresh uuid name.
type Area struct {
	dir string
}

// NewArea creates dir if needed. The staging area is private to the service.
func NewArea(dir string) (*Area, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Area{dir: dir}, nil
}

func (a *Area) Dir() string { return a.dir }

// Path returns a collision-free path with the given extension. Nothing is
// created on disk.
func (a *Area) Path(ext string) string {
	return filepath.Join(a.dir, uuid.NewString()+ext)
}

// NewSet starts a group of paths that are released together.
func (a *Area) NewSet() *Set { return &Set{area: a} }

// Set tracks the staged paths of one request. Cleanup removes all of them
// and may be called any number of times.
type Set struct {
	area  *Area
	mu    sync.Mutex
	paths []string
}

// Add reserves a new path in the set.
func (s *Set) Add(ext string) string {
	p := s.area.Path(ext)
	s.Track(p)
	return p
}

// Track adds a path created by someone else, e.g. a file a tool derives
// from a staged name.
func (s *Set) Track(path string) {
	s.mu.Lock()
	s.paths = append(s.paths, path)
	s.mu.Unlock()
}

func (s *Set) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

// Cleanup removes every path of the set. Paths that were never written are
// ignored; other failures are joined.
func (s *Set) Cleanup() error {
	var errs []error
	for _, p := range s.Paths() {
		if err := os.RemoveAll(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Output is the durable content store for signed packages.
type Output struct {
	dir string
}

// NewOutput creates dir if needed. Signed packages are world-readable.
func NewOutput(dir string) (*Output, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Output{dir: dir}, nil
}

func (o *Output) Dir() string { return o.dir }

// SignedName is the deterministic output filename for an application.
func SignedName(appName string) string {
	return appName + "_signed" + PackageExt
}

// ValidateName accepts names that denote exactly one visible file directly
// inside a directory.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Path returns where the named signed package lives.
func (o *Output) Path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(o.dir, name), nil
}

// TempPath returns a hidden path in the output dir for a package being
// written. Keeping it on the same filesystem makes Commit an atomic rename.
func (o *Output) TempPath() string {
	return filepath.Join(o.dir, "."+uuid.NewString()+".partial"+PackageExt)
}

// Commit moves a finished temp file over the named output, replacing any
// previous version.
func (o *Output) Commit(tmp, name string) error {
	dst, err := o.Path(name)
	if err != nil {
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

// Open returns the named signed package. A missing or invalid name yields
// an error matching fs.ErrNotExist.
func (o *Output) Open(name string) (*os.File, fs.FileInfo, error) {
	p, err := o.Path(name)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
	}
	return f, fi, nil
}
