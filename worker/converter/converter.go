package converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"geoTransform/worker/archive"
)

// ErrUnsupportedSource is returned when no driver can read the source.
var ErrUnsupportedSource = errors.New("file driver not supported")

type Options struct {
	SrcType SourceType
	// SourceCRS overrides the CRS declared by the data. Zero means use
	// what the data declares.
	SourceCRS int
	// TargetCRS is the CRS to project into. Zero keeps the source CRS.
	TargetCRS int
	// Format is a driver short name. Empty keeps the source format.
	Format string
}

// Transformer turns one source file (or extracted directory) into a
// packaged artifact written beside targetDir.
type Transformer interface {
	Transform(ctx context.Context, sourcePath, targetDir string, opts Options) (string, error)
}

type Converter struct {
	logger *zap.Logger
}

func NewConverter(logger *zap.Logger) *Converter {
	return &Converter{logger: logger}
}

// Transform writes the converted data into targetDir and packs the
// directory into targetDir + ".tar.gz", which it returns.
func (c *Converter) Transform(ctx context.Context, sourcePath, targetDir string, opts Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.logger.Info("Starting transformation",
		zap.String("source", sourcePath),
		zap.String("target", targetDir),
		zap.String("type", string(opts.SrcType)),
		zap.Int("from", opts.SourceCRS),
		zap.Int("to", opts.TargetCRS),
		zap.String("format", opts.Format),
	)

	input, err := locateInput(sourcePath, opts.SrcType)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return "", fmt.Errorf("create target dir: %w", err)
	}

	switch opts.SrcType {
	case Vector:
		err = c.transformVector(input, targetDir, opts)
	case Raster:
		err = c.transformRaster(ctx, input, targetDir, opts)
	default:
		err = fmt.Errorf("unknown source type %q", opts.SrcType)
	}
	if err != nil {
		c.logger.Error("Transformation failed",
			zap.String("source", input),
			zap.Error(err),
		)
		return "", err
	}

	artifact := strings.TrimRight(targetDir, string(filepath.Separator)) + ".tar.gz"
	if err := archive.TarGz(targetDir, artifact); err != nil {
		return "", fmt.Errorf("package result: %w", err)
	}

	c.logger.Info("Transformation completed",
		zap.String("artifact", artifact),
	)
	return artifact, nil
}

// locateInput returns path itself for files; for directories it picks
// the first file, in lexical order, that a driver of type t can read.
func locateInput(path string, t SourceType) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("open source: %w", err)
	}
	if !info.IsDir() {
		return path, nil
	}

	var candidates []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			if _, ok := DriverForPath(t, p); ok {
				candidates = append(candidates, p)
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan source: %w", err)
	}
	if len(candidates) == 0 {
		return "", ErrUnsupportedSource
	}
	sort.Strings(candidates)
	return candidates[0], nil
}

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
