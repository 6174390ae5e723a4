// Package output manages the durable output area where finished
// artifacts are placed into date buckets.
package output

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// BucketLayout names the per-day directories (yymmdd).
const BucketLayout = "060102"

var (
	// ErrArtifactMissing reports a recorded artifact that no longer
	// resolves to a file on disk.
	ErrArtifactMissing = errors.New("artifact missing from output area")
	ErrOutsideArea     = errors.New("path escapes output area")
)

type Area struct {
	root string
	now  func() time.Time
}

func NewArea(root string) *Area {
	return &Area{root: root, now: time.Now}
}

// WithClock replaces the wall clock used for bucketing.
func (a *Area) WithClock(now func() time.Time) *Area {
	a.now = now
	return a
}

func (a *Area) Root() string {
	return a.root
}

// Bucket returns the bucket directory name for the current UTC date.
func (a *Area) Bucket() string {
	return a.now().UTC().Format(BucketLayout)
}

// RelPath is the path, relative to the root, that an artifact with the
// given base name receives when placed now.
func (a *Area) RelPath(name string) string {
	return filepath.Join(a.Bucket(), filepath.Base(name))
}

// Place moves src into today's bucket under its base name and returns
// the path relative to the area root. The file appears at its final
// path only once fully written.
func (a *Area) Place(src string) (string, error) {
	rel := a.RelPath(src)
	dest := filepath.Join(a.root, rel)

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("create bucket: %w", err)
	}

	if err := os.Rename(src, dest); err == nil {
		return rel, nil
	} else if !isCrossDevice(err) {
		return "", fmt.Errorf("move artifact: %w", err)
	}

	if err := copyThenRename(src, dest); err != nil {
		return "", fmt.Errorf("move artifact across devices: %w", err)
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove moved artifact: %w", err)
	}
	return rel, nil
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

// copyThenRename stages the copy beside dest so the final rename stays
// on one filesystem.
func copyThenRename(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}

// Resolve joins rel onto the root, refusing anything that escapes it.
func (a *Area) Resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrOutsideArea, rel)
	}
	full := filepath.Join(a.root, rel)
	back, err := filepath.Rel(a.root, full)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideArea, rel)
	}
	return full, nil
}

// Stat resolves rel and checks that it is a regular file.
func (a *Area) Stat(rel string) (string, os.FileInfo, error) {
	full, err := a.Resolve(rel)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, fmt.Errorf("%w: %s", ErrArtifactMissing, rel)
		}
		return "", nil, err
	}
	if !info.Mode().IsRegular() {
		return "", nil, fmt.Errorf("%w: %s is not a file", ErrArtifactMissing, rel)
	}
	return full, info, nil
}
