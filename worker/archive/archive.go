// Package archive unpacks uploaded tar, tar.gz and zip bundles and packs
// transformation results into a single tar.gz artifact.
package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

type Format int

const (
	FormatNone Format = iota
	FormatTar
	FormatTarGzip
	FormatZip
)

func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatTarGzip:
		return "tar.gz"
	case FormatZip:
		return "zip"
	}
	return "none"
}

var ErrUnsafePath = errors.New("archive entry escapes destination")

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zipMagic  = []byte{'P', 'K', 0x03, 0x04}
	tarMagic  = []byte("ustar")
)

const tarMagicOffset = 257

// Detect sniffs the leading bytes of path. Directories and plain files
// report FormatNone.
func Detect(path string) (Format, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FormatNone, err
	}
	if info.IsDir() {
		return FormatNone, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return FormatNone, err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FormatNone, err
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, zipMagic):
		return FormatZip, nil
	case bytes.HasPrefix(head, gzipMagic):
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return FormatNone, err
		}
		zr, err := gzip.NewReader(f)
		if err != nil {
			return FormatNone, nil
		}
		defer zr.Close()
		inner := make([]byte, 512)
		m, _ := io.ReadFull(zr, inner)
		if isTarHeader(inner[:m]) {
			return FormatTarGzip, nil
		}
	case isTarHeader(head):
		return FormatTar, nil
	}
	return FormatNone, nil
}

func isTarHeader(b []byte) bool {
	end := tarMagicOffset + len(tarMagic)
	return len(b) >= end && bytes.Equal(b[tarMagicOffset:end], tarMagic)
}

// Extract unpacks src into destDir, which is created if missing. It
// returns FormatNone without touching destDir when src is not an archive.
func Extract(src, destDir string) (Format, error) {
	format, err := Detect(src)
	if err != nil || format == FormatNone {
		return format, err
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return format, fmt.Errorf("create extraction dir: %w", err)
	}

	switch format {
	case FormatZip:
		err = extractZip(src, destDir)
	case FormatTar, FormatTarGzip:
		err = extractTar(src, destDir, format == FormatTarGzip)
	}
	if err != nil {
		return format, fmt.Errorf("extract %s: %w", filepath.Base(src), err)
	}
	return format, nil
}

func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, name)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

func extractZip(src, destDir string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, file := range zr.File {
		target, err := safeJoin(destDir, file.Name)
		if err != nil {
			return err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return err
		}
		err = writeFile(target, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTar(src, destDir string, gzipped bool) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if gzipped {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer zr.Close()
		r = zr
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr); err != nil {
				return err
			}
		default:
			// links and devices are not followed
		}
	}
}

func writeFile(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// TarGz writes every regular file directly inside srcDir into a gzipped
// tarball at dest, using bare file names as entry names.
func TarGz(srcDir, dest string) (err error) {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dest)
		}
	}()

	zw := gzip.NewWriter(out)
	tw := tar.NewWriter(zw)

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := addFile(tw, filepath.Join(srcDir, entry.Name())); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return zw.Close()
}

func addFile(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
