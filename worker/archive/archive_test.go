package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func writeTar(t *testing.T, path string, gzipped bool, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	var w io.Writer = &buf
	var zw *gzip.Writer
	if gzipped {
		zw = gzip.NewWriter(&buf)
		w = zw
	}
	tw := tar.NewWriter(w)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	if zw != nil {
		require.NoError(t, zw.Close())
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestDetect(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "points.geojson")
	require.NoError(t, os.WriteFile(plain, []byte(`{"type":"FeatureCollection","features":[]}`), 0644))
	z := filepath.Join(dir, "bundle.zip")
	writeZip(t, z, map[string]string{"a.geojson": "{}"})
	tg := filepath.Join(dir, "bundle.tar.gz")
	writeTar(t, tg, true, map[string]string{"a.geojson": "{}"})
	tr := filepath.Join(dir, "bundle.tar")
	writeTar(t, tr, false, map[string]string{"a.geojson": "{}"})

	cases := map[string]Format{plain: FormatNone, z: FormatZip, tg: FormatTarGzip, tr: FormatTar, dir: FormatNone}
	for path, want := range cases {
		got, err := Detect(path)
		require.NoError(t, err)
		assert.Equal(t, want, got, path)
	}
}

func TestExtract_Zip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bundle.zip")
	writeZip(t, src, map[string]string{"data/a.geojson": "A", "b.csv": "B"})

	dest := filepath.Join(dir, "out")
	format, err := Extract(src, dest)
	require.NoError(t, err)
	assert.Equal(t, FormatZip, format)

	b, err := os.ReadFile(filepath.Join(dest, "data", "a.geojson"))
	require.NoError(t, err)
	assert.Equal(t, "A", string(b))
	assert.FileExists(t, filepath.Join(dest, "b.csv"))
}

func TestExtract_TarGz(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bundle.tar.gz")
	writeTar(t, src, true, map[string]string{"a.tif": "raster"})

	dest := filepath.Join(dir, "out")
	format, err := Extract(src, dest)
	require.NoError(t, err)
	assert.Equal(t, FormatTarGzip, format)
	assert.FileExists(t, filepath.Join(dest, "a.tif"))
}

func TestExtract_NotAnArchive(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.csv")
	require.NoError(t, os.WriteFile(src, []byte("WKT\n"), 0644))

	dest := filepath.Join(dir, "out")
	format, err := Extract(src, dest)
	require.NoError(t, err)
	assert.Equal(t, FormatNone, format)
	assert.NoDirExists(t, dest)
}

func TestExtract_RejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "evil.zip")
	writeZip(t, src, map[string]string{"../../escape.txt": "x"})

	_, err := Extract(src, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsafePath))
	assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
}

func TestTarGz_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "ticket")
	require.NoError(t, os.MkdirAll(src, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.png"), []byte("png"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.pgw"), []byte("1\n0\n0\n-1\n0\n0\n"), 0644))

	artifact := src + ".tar.gz"
	require.NoError(t, TarGz(src, artifact))

	format, err := Detect(artifact)
	require.NoError(t, err)
	assert.Equal(t, FormatTarGzip, format)

	out := filepath.Join(dir, "unpacked")
	_, err = Extract(artifact, out)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(out, "a.png"))
	assert.FileExists(t, filepath.Join(out, "a.pgw"))
}
